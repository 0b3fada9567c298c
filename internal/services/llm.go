package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	ollamaapi "github.com/ollama/ollama/api"
	openai "github.com/sashabaranov/go-openai"

	"github.com/hubrts/youtube-command-deck/internal/logger"
	"github.com/hubrts/youtube-command-deck/internal/utils"
)

// Provider names as they appear in backend chains and captions.
const (
	ProviderLocal  = "local"
	ProviderClaude = "claude"
	ProviderOpenAI = "openai"
)

type Backend struct {
	Provider string
	Model    string
}

type ChatRequest struct {
	Provider    string
	Model       string
	System      string
	User        string
	Temperature float64
	Timeout     time.Duration
	FormatJSON  bool
	MaxTokens   int

	// OnDelta streams generation progress (chars, tokens, done). Only the
	// local backend calls it; other providers ignore it.
	OnDelta func(chars int, tokens int, done bool)
}

// LLMService is the chat capability shared by Q&A, analysis, and research.
type LLMService interface {
	Chat(ctx context.Context, req ChatRequest) (string, error)
	ChatJSONWithChain(ctx context.Context, chain []Backend, system, user string, temperature float64, timeout time.Duration) (map[string]any, string, error)
	Translate(ctx context.Context, text, targetLang string) string

	QAChain() []Backend
	AnalysisChain() []Backend
	ResearchChain() []Backend
	LocalModel() string
}

type llmService struct {
	log *logger.Logger

	localURL   string
	keepAlive  string
	httpClient *http.Client

	openaiKey string
	anthropic *anthropicClient
}

func NewLLMService(log *logger.Logger) LLMService {
	slog := log.With("service", "LLMService")
	localURL := utils.GetEnv("VIDEO_LOCAL_LLM_URL", "http://127.0.0.1:11434", nil)
	keepAlive := utils.GetEnv("VIDEO_LOCAL_LLM_KEEP_ALIVE", "30m", nil)
	return &llmService{
		log:        slog,
		localURL:   strings.TrimRight(localURL, "/"),
		keepAlive:  keepAlive,
		httpClient: &http.Client{},
		openaiKey:  utils.GetEnv("OPENAI_API_KEY", "", nil),
		anthropic:  newAnthropicClient(slog),
	}
}

func (s *llmService) LocalModel() string {
	return utils.GetEnv("VIDEO_LOCAL_LLM_MODEL", "llama3.2:3b", nil)
}

func qaModels() (local, localFallback, openaiModel, openaiFallback, claude, claudeFallback string) {
	local = utils.GetEnv("VIDEO_LOCAL_LLM_MODEL", "llama3.2:3b", nil)
	localFallback = utils.GetEnv("VIDEO_QA_LOCAL_FALLBACK_MODEL", "", nil)
	openaiModel = utils.GetEnv("VIDEO_QA_MODEL", utils.GetEnv("VIDEO_AI_MODEL", "gpt-4.1-mini", nil), nil)
	openaiFallback = utils.GetEnv("VIDEO_QA_FALLBACK_MODEL", "gpt-4.1-nano", nil)
	claude = utils.GetEnv("VIDEO_QA_CLAUDE_MODEL", utils.GetEnv("VIDEO_CLAUDE_MODEL", "claude-3-5-sonnet-latest", nil), nil)
	claudeFallback = utils.GetEnv("VIDEO_QA_CLAUDE_FALLBACK_MODEL", "claude-3-5-haiku-latest", nil)
	return
}

// QAChain builds the Q&A backend attempt order from VIDEO_QA_BACKEND,
// including per-provider fallback models.
func (s *llmService) QAChain() []Backend {
	backend := strings.ToLower(utils.GetEnv("VIDEO_QA_BACKEND", "local", nil))
	local, localFB, oai, oaiFB, claude, claudeFB := qaModels()

	var out []Backend
	appendModel := func(provider, model string) {
		if model == "" {
			return
		}
		for _, b := range out {
			if b.Provider == provider && b.Model == model {
				return
			}
		}
		out = append(out, Backend{Provider: provider, Model: model})
	}

	switch backend {
	case "local", "ollama":
		appendModel(ProviderLocal, local)
		appendModel(ProviderLocal, localFB)
	case "openai":
		appendModel(ProviderOpenAI, oai)
		appendModel(ProviderOpenAI, oaiFB)
	case "claude", "anthropic":
		appendModel(ProviderClaude, claude)
		appendModel(ProviderClaude, claudeFB)
		appendModel(ProviderLocal, local)
		appendModel(ProviderLocal, localFB)
	case "auto":
		appendModel(ProviderLocal, local)
		appendModel(ProviderLocal, localFB)
		appendModel(ProviderClaude, claude)
		appendModel(ProviderClaude, claudeFB)
		appendModel(ProviderOpenAI, oai)
		appendModel(ProviderOpenAI, oaiFB)
	default:
		appendModel(ProviderLocal, local)
	}
	return out
}

// AnalysisChain mirrors the analyzer backend selection: local only, one
// cloud provider, or the full auto chain.
func (s *llmService) AnalysisChain() []Backend {
	backend := strings.ToLower(utils.GetEnv("VIDEO_AI_BACKEND", "local", nil))
	local := utils.GetEnv("VIDEO_LOCAL_LLM_MODEL", "llama3.2:3b", nil)
	oai := utils.GetEnv("VIDEO_AI_MODEL", "gpt-4.1-mini", nil)
	claude := utils.GetEnv("VIDEO_AI_CLAUDE_MODEL", utils.GetEnv("VIDEO_CLAUDE_MODEL", "claude-3-5-sonnet-latest", nil), nil)

	switch backend {
	case "local", "ollama":
		return []Backend{{ProviderLocal, local}}
	case "openai":
		return []Backend{{ProviderOpenAI, oai}}
	case "claude", "anthropic":
		return []Backend{{ProviderClaude, claude}, {ProviderLocal, local}}
	case "auto":
		return []Backend{{ProviderLocal, local}, {ProviderClaude, claude}, {ProviderOpenAI, oai}}
	}
	return []Backend{{ProviderLocal, local}}
}

// ResearchChain is the JSON-step chain used by the knowledge juice
// pipeline; it shares the Q&A backend selection without fallback models.
func (s *llmService) ResearchChain() []Backend {
	backend := strings.ToLower(utils.GetEnv("VIDEO_QA_BACKEND", "local", nil))
	local, _, oai, _, claude, _ := qaModels()
	switch backend {
	case "local", "ollama":
		return []Backend{{ProviderLocal, local}}
	case "openai":
		return []Backend{{ProviderOpenAI, oai}}
	case "claude", "anthropic":
		return []Backend{{ProviderClaude, claude}, {ProviderLocal, local}}
	}
	return []Backend{{ProviderLocal, local}, {ProviderClaude, claude}, {ProviderOpenAI, oai}}
}

func (s *llmService) Chat(ctx context.Context, req ChatRequest) (string, error) {
	if req.Timeout <= 0 {
		req.Timeout = 120 * time.Second
	}
	switch req.Provider {
	case ProviderLocal:
		return s.ollamaChat(ctx, req)
	case ProviderOpenAI:
		return s.openaiChat(ctx, req)
	case ProviderClaude:
		maxTokens := req.MaxTokens
		if maxTokens <= 0 {
			maxTokens = 1200
			if req.FormatJSON {
				maxTokens = 1600
			}
		}
		return s.anthropic.Chat(ctx, req.Model, req.System, req.User, req.Temperature, maxTokens, req.Timeout)
	}
	return "", fmt.Errorf("unsupported_provider:%s", req.Provider)
}

// ChatJSONWithChain walks the chain until one backend returns a parseable
// JSON object. Returns the object and the provider that produced it.
func (s *llmService) ChatJSONWithChain(ctx context.Context, chain []Backend, system, user string, temperature float64, timeout time.Duration) (map[string]any, string, error) {
	var lastErr error
	for _, b := range chain {
		text, err := s.Chat(ctx, ChatRequest{
			Provider:    b.Provider,
			Model:       b.Model,
			System:      system,
			User:        user,
			Temperature: temperature,
			Timeout:     timeout,
			FormatJSON:  true,
		})
		if err != nil {
			lastErr = err
			continue
		}
		obj := TryParseJSONObject(text)
		if len(obj) > 0 {
			return obj, b.Provider, nil
		}
		lastErr = fmt.Errorf("%s_invalid_json", b.Provider)
	}
	if lastErr == nil {
		lastErr = errors.New("no backends configured")
	}
	return nil, "unknown", lastErr
}

// Translate routes through the configured chain at temperature 0 and falls
// back to the source text when every backend fails.
func (s *llmService) Translate(ctx context.Context, text, targetLang string) string {
	src := strings.TrimSpace(text)
	if src == "" {
		return ""
	}
	label, ok := langLabels[strings.ToLower(strings.TrimSpace(targetLang))]
	if !ok {
		return src
	}
	timeout := time.Duration(utils.GetEnvAsInt("VIDEO_QA_TIMEOUT_SEC", 180, nil)) * time.Second
	system := fmt.Sprintf(
		"You are a professional translator. Translate to %s. Preserve meaning and keep it concise. Return only translated text.",
		label,
	)
	for _, b := range s.ResearchChain() {
		out, err := s.Chat(ctx, ChatRequest{
			Provider:    b.Provider,
			Model:       b.Model,
			System:      system,
			User:        "Text:\n" + src,
			Temperature: 0,
			Timeout:     timeout,
		})
		if err != nil {
			continue
		}
		if strings.TrimSpace(out) != "" {
			return strings.TrimSpace(out)
		}
	}
	return src
}

func (s *llmService) ollamaChat(ctx context.Context, req ChatRequest) (string, error) {
	base, err := url.Parse(s.localURL)
	if err != nil {
		return "", fmt.Errorf("bad local LLM url: %w", err)
	}
	client := ollamaapi.NewClient(base, s.httpClient)

	ctx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	stream := req.OnDelta != nil
	chatReq := &ollamaapi.ChatRequest{
		Model: req.Model,
		Messages: []ollamaapi.Message{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.User},
		},
		Stream:    &stream,
		KeepAlive: &ollamaapi.Duration{Duration: parseKeepAlive(s.keepAlive)},
		Options:   map[string]interface{}{"temperature": req.Temperature},
	}
	if req.FormatJSON {
		chatReq.Format = json.RawMessage(`"json"`)
	}

	var sb strings.Builder
	chars := 0
	lastEmit := time.Time{}
	err = client.Chat(ctx, chatReq, func(resp ollamaapi.ChatResponse) error {
		piece := resp.Message.Content
		if piece != "" {
			sb.WriteString(piece)
			chars += len(piece)
			if req.OnDelta != nil && time.Since(lastEmit) >= 2*time.Second {
				req.OnDelta(chars, maxInt(1, chars/4), false)
				lastEmit = time.Now()
			}
		}
		if resp.Done && req.OnDelta != nil {
			tokens := resp.EvalCount
			if tokens <= 0 {
				tokens = maxInt(1, chars/4)
			}
			req.OnDelta(chars, tokens, true)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama_error: %w", err)
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", errors.New("ollama_empty_response")
	}
	return text, nil
}

func (s *llmService) openaiChat(ctx context.Context, req ChatRequest) (string, error) {
	if s.openaiKey == "" {
		return "", errors.New("missing_openai_api_key")
	}
	cfg := openai.DefaultConfig(s.openaiKey)
	cfg.HTTPClient = &http.Client{Timeout: req.Timeout}
	client := openai.NewClientWithConfig(cfg)

	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: req.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.System},
			{Role: openai.ChatMessageRoleUser, Content: req.User},
		},
		Temperature: float32(req.Temperature),
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai_empty_response")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

var jsonObjectRE = regexp.MustCompile(`(?s)\{.*\}`)

// TryParseJSONObject parses raw model output into an object, tolerating
// prose-wrapped JSON by extracting the outermost braces.
func TryParseJSONObject(raw string) map[string]any {
	txt := strings.TrimSpace(raw)
	if txt == "" {
		return map[string]any{}
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(txt), &obj); err == nil {
		return obj
	}
	m := jsonObjectRE.FindString(txt)
	if m == "" {
		return map[string]any{}
	}
	obj = map[string]any{}
	if err := json.Unmarshal([]byte(m), &obj); err != nil {
		return map[string]any{}
	}
	return obj
}

func parseKeepAlive(raw string) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil || d <= 0 {
		return 30 * time.Minute
	}
	return d
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// ProviderCaption is the user-facing backend banner line.
func ProviderCaption(provider, model string) string {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case ProviderClaude:
		return fmt.Sprintf("☁️ Backend: Claude (%s)", model)
	case ProviderOpenAI:
		return fmt.Sprintf("☁️ Backend: OpenAI (%s)", model)
	case ProviderLocal:
		return fmt.Sprintf("🖥️ Backend: local (%s)", model)
	}
	return "🧩 Backend: unknown"
}
