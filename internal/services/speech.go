package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/hubrts/youtube-command-deck/internal/logger"
	"github.com/hubrts/youtube-command-deck/internal/utils"
)

// SpeechService is the STT capability used by the transcript fallback path.
// Backends: OpenAI's hosted Whisper, or a local whisper server speaking the
// whisper.cpp HTTP protocol. "auto" prefers local when configured.
type SpeechService interface {
	TranscribeFile(ctx context.Context, audioPath string) ([]Segment, error)
}

type speechService struct {
	log *logger.Logger
}

func NewSpeechService(log *logger.Logger) SpeechService {
	return &speechService{log: log.With("service", "SpeechService")}
}

func (s *speechService) TranscribeFile(ctx context.Context, audioPath string) ([]Segment, error) {
	backend := strings.ToLower(utils.GetEnv("VIDEO_STT_BACKEND", "auto", nil))
	localURL := utils.GetEnv("VIDEO_WHISPER_SERVER_URL", "", nil)

	switch backend {
	case "local", "whisper":
		if localURL == "" {
			return nil, errors.New("missing_whisper_server_url")
		}
		return s.transcribeLocal(ctx, localURL, audioPath)
	case "openai":
		return s.transcribeOpenAI(ctx, audioPath)
	}

	if localURL != "" {
		segments, err := s.transcribeLocal(ctx, localURL, audioPath)
		if err == nil {
			return segments, nil
		}
		s.log.Warn("Local whisper server failed, trying OpenAI", "error", err)
	}
	return s.transcribeOpenAI(ctx, audioPath)
}

func (s *speechService) transcribeOpenAI(ctx context.Context, audioPath string) ([]Segment, error) {
	apiKey := utils.GetEnv("OPENAI_API_KEY", "", nil)
	if apiKey == "" {
		return nil, errors.New("missing_openai_api_key")
	}
	model := utils.GetEnv("VIDEO_WHISPER_MODEL", openai.Whisper1, nil)
	timeout := time.Duration(utils.GetEnvAsInt("VIDEO_STT_TIMEOUT_SEC", 600, nil)) * time.Second
	prompt := utils.GetEnv("VIDEO_TRANSCRIBE_PROMPT", "Це відео може містити українську та англійську мови.", nil)

	cfg := openai.DefaultConfig(apiKey)
	cfg.HTTPClient = &http.Client{Timeout: timeout}
	client := openai.NewClientWithConfig(cfg)

	resp, err := client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    model,
		FilePath: audioPath,
		Prompt:   prompt,
		Format:   openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return nil, fmt.Errorf("whisper transcription failed: %w", err)
	}

	out := make([]Segment, 0, len(resp.Segments))
	for _, seg := range resp.Segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		out = append(out, Segment{Start: seg.Start, End: seg.End, Text: text})
	}
	if len(out) == 0 {
		text := strings.TrimSpace(resp.Text)
		if text == "" {
			return nil, errors.New("whisper returned no speech segments")
		}
		out = append(out, Segment{Start: 0, End: 10, Text: text})
	}
	return out, nil
}

type whisperServerSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
	// whisper.cpp reports timestamps as t0/t1 in centiseconds.
	T0 float64 `json:"t0"`
	T1 float64 `json:"t1"`
}

type whisperServerResponse struct {
	Text     string                 `json:"text"`
	Segments []whisperServerSegment `json:"segments"`
	Error    string                 `json:"error"`
}

func (s *speechService) transcribeLocal(ctx context.Context, serverURL, audioPath string) ([]Segment, error) {
	timeout := time.Duration(utils.GetEnvAsInt("VIDEO_STT_TIMEOUT_SEC", 600, nil)) * time.Second

	file, err := os.Open(audioPath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, err
	}
	_ = writer.WriteField("response_format", "verbose_json")
	if err := writer.Close(); err != nil {
		return nil, err
	}

	endpoint := strings.TrimRight(serverURL, "/") + "/inference"
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("whisper server http %d: %s", resp.StatusCode, utils.TailString(string(raw), 300))
	}

	var parsed whisperServerResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("whisper server decode: %w", err)
	}
	if parsed.Error != "" {
		return nil, errors.New(parsed.Error)
	}

	out := make([]Segment, 0, len(parsed.Segments))
	for _, seg := range parsed.Segments {
		start, end := seg.Start, seg.End
		if start == 0 && end == 0 && (seg.T0 != 0 || seg.T1 != 0) {
			start = seg.T0 / 100.0
			end = seg.T1 / 100.0
		}
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		out = append(out, Segment{Start: start, End: end, Text: text})
	}
	if len(out) == 0 {
		text := strings.TrimSpace(parsed.Text)
		if text == "" {
			return nil, errors.New("whisper server returned no speech segments")
		}
		out = append(out, Segment{Start: 0, End: 10, Text: text})
	}
	return out, nil
}
