package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	ollamaapi "github.com/ollama/ollama/api"
	openai "github.com/sashabaranov/go-openai"

	"github.com/hubrts/youtube-command-deck/internal/logger"
	"github.com/hubrts/youtube-command-deck/internal/utils"
)

// EmbeddingService turns chunk texts and queries into vectors. Providers
// are attempted in configured order; the returned model id is
// "<provider>:<model>" and is stored alongside embeddings.
type EmbeddingService interface {
	// EmbedTexts returns the model id and one vector per input. With
	// forQuery=false every vector must have the configured dimension; a
	// single-query call accepts whatever dimension the provider produces.
	EmbedTexts(ctx context.Context, texts []string, forQuery bool) (string, [][]float32, error)
}

type embeddingService struct {
	log *logger.Logger

	localURL   string
	httpClient *http.Client
}

func NewEmbeddingService(log *logger.Logger) EmbeddingService {
	return &embeddingService{
		log:        log.With("service", "EmbeddingService"),
		localURL:   strings.TrimRight(utils.GetEnv("VIDEO_LOCAL_LLM_URL", "http://127.0.0.1:11434", nil), "/"),
		httpClient: &http.Client{},
	}
}

func (s *embeddingService) EmbedTexts(ctx context.Context, texts []string, forQuery bool) (string, [][]float32, error) {
	backend := strings.ToLower(utils.GetEnv("VIDEO_EMBED_BACKEND", "auto", nil))
	openaiModel := utils.GetEnv("VIDEO_EMBED_MODEL", "text-embedding-3-small", nil)
	ollamaModel := utils.GetEnv("VIDEO_LOCAL_EMBED_MODEL", "nomic-embed-text", nil)
	timeout := time.Duration(utils.GetEnvAsInt("VIDEO_EMBED_TIMEOUT_SEC", 90, nil)) * time.Second
	expectedDim := utils.GetEnvAsInt("VIDEO_EMBED_DIM", 1536, nil)

	var attempts []Backend
	switch backend {
	case "openai":
		attempts = []Backend{{ProviderOpenAI, openaiModel}}
	case "local", "ollama":
		attempts = []Backend{{ProviderLocal, ollamaModel}}
	default:
		if utils.GetEnv("OPENAI_API_KEY", "", nil) != "" {
			attempts = append(attempts, Backend{ProviderOpenAI, openaiModel})
		}
		attempts = append(attempts, Backend{ProviderLocal, ollamaModel})
	}

	lastErr := ""
	for _, attempt := range attempts {
		var vectors [][]float32
		var err error
		if attempt.Provider == ProviderOpenAI {
			vectors, err = s.openaiEmbeddings(ctx, texts, attempt.Model, timeout)
		} else {
			vectors, err = s.ollamaEmbeddings(ctx, texts, attempt.Model, timeout)
		}
		if err != nil {
			lastErr = fmt.Sprintf("%s_embed_error:%s", attempt.Provider, utils.TruncateString(err.Error(), 180))
			continue
		}
		nonEmpty := vectors[:0]
		for _, v := range vectors {
			if len(v) > 0 {
				nonEmpty = append(nonEmpty, v)
			}
		}
		vectors = nonEmpty
		if len(vectors) == 0 {
			lastErr = attempt.Provider + "_empty_vectors"
			continue
		}
		modelID := attempt.Provider + ":" + attempt.Model
		if attempt.Provider == ProviderLocal {
			modelID = "ollama:" + attempt.Model
		}

		allMatch := true
		for _, v := range vectors {
			if len(v) != expectedDim {
				allMatch = false
				break
			}
		}
		if allMatch {
			return modelID, vectors, nil
		}
		// A single-query call keeps working even when the runtime dim env
		// disagrees with the provider output.
		if forQuery {
			return modelID, vectors, nil
		}
		lastErr = attempt.Provider + "_dim_mismatch"
	}

	if lastErr == "" {
		lastErr = "embedding_failed"
	}
	return "", nil, errors.New(lastErr)
}

func (s *embeddingService) openaiEmbeddings(ctx context.Context, texts []string, model string, timeout time.Duration) ([][]float32, error) {
	apiKey := utils.GetEnv("OPENAI_API_KEY", "", nil)
	if apiKey == "" {
		return nil, errors.New("missing_openai_api_key")
	}
	if len(texts) == 0 {
		return nil, nil
	}
	cfg := openai.DefaultConfig(apiKey)
	cfg.HTTPClient = &http.Client{Timeout: timeout}
	client := openai.NewClientWithConfig(cfg)

	resp, err := client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(model),
		Input: texts,
	})
	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index >= 0 && d.Index < len(out) {
			out[d.Index] = d.Embedding
		}
	}
	for i := range out {
		if out[i] == nil {
			return nil, fmt.Errorf("missing embedding for index %d", i)
		}
	}
	return out, nil
}

func (s *embeddingService) ollamaEmbeddings(ctx context.Context, texts []string, model string, timeout time.Duration) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	base, err := url.Parse(s.localURL)
	if err != nil {
		return nil, fmt.Errorf("bad local LLM url: %w", err)
	}
	client := ollamaapi.NewClient(base, s.httpClient)

	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		resp, err := client.Embeddings(reqCtx, &ollamaapi.EmbeddingRequest{
			Model:  model,
			Prompt: text,
		})
		cancel()
		if err != nil {
			return nil, err
		}
		if len(resp.Embedding) == 0 {
			return nil, errors.New("ollama_embedding_missing")
		}
		vec := make([]float32, len(resp.Embedding))
		for i, f := range resp.Embedding {
			vec[i] = float32(f)
		}
		out = append(out, vec)
	}
	return out, nil
}
