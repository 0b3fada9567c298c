package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hubrts/youtube-command-deck/internal/logger"
	"github.com/hubrts/youtube-command-deck/internal/types"
	"github.com/hubrts/youtube-command-deck/internal/utils"
)

type AnalysisProgress func(chars int, tokens int, done bool)
type ChunkProgress func(completed, total int)

// AnalysisService produces long-form transcript analysis. It is stateless;
// callers consult the record's TTL fields for reuse.
type AnalysisService interface {
	AnalyzeTranscript(ctx context.Context, title, transcript string, progress AnalysisProgress, chunkProgress ChunkProgress) (string, error)
	OutputLanguageForText(transcript string) (string, string)
	EstimateLocalParts(transcript string) int
	TTLSeconds() int
	CachedAnalysis(rec types.ArchiveRecord, ttlSeconds int, expectedLang string) (string, int)
}

type analysisService struct {
	log *logger.Logger
	llm LLMService
}

func NewAnalysisService(log *logger.Logger, llm LLMService) AnalysisService {
	return &analysisService{
		log: log.With("service", "AnalysisService"),
		llm: llm,
	}
}

func aiOutputLanguage() (string, string) {
	raw := strings.ToLower(utils.GetEnv("VIDEO_AI_OUTPUT_LANG", "auto", nil))
	switch raw {
	case "auto", "detect":
		return "auto", "Auto"
	case "en", "eng", "english":
		return "en", "English"
	}
	return "uk", "Ukrainian"
}

// OutputLanguageForText resolves the analysis language: explicit override
// or detection over the first transcript lines.
func (s *analysisService) OutputLanguageForText(transcript string) (string, string) {
	langCode, langLabel := aiOutputLanguage()
	if langCode != "auto" {
		return langCode, langLabel
	}
	lines := TranscriptBodyLines(transcript)
	if len(lines) > 400 {
		lines = lines[:400]
	}
	sample := strings.Join(lines, "\n")
	if sample == "" {
		sample = transcript
	}
	detected := NormalizeLangCode(DetectTextLanguage(sample), "en")
	label := langLabels[detected]
	if label == "" {
		label = "English"
	}
	return detected, label + " (auto)"
}

func defaultAnalysisPrompt(langCode string) string {
	if langCode == "en" {
		return "You analyze video transcripts and return concise, useful notes in English. " +
			"Output sections exactly: " +
			"1) Short video idea, " +
			"2) Key points (5-10 bullets), " +
			"3) Practical takeaways / what to do next, " +
			"4) Uncertain points / risks (if any, with timestamps). " +
			"If uncertain, say it is uncertain."
	}
	return "Ти аналізуєш транскрипти відео і повертаєш короткі, корисні нотатки українською. " +
		"Поверни рівно такі розділи: " +
		"1) Коротка ідея відео, " +
		"2) Ключові тези (5-10 пунктів), " +
		"3) Практичні висновки/що робити далі, " +
		"4) Невизначені моменти/ризики (якщо є, з таймкодами). " +
		"Якщо не впевнений, так і напиши."
}

// SplitTextWindows cuts text into windows preferring newline then space
// boundaries past 55% of the window.
func SplitTextWindows(text string, windowChars, overlapChars int) []string {
	src := strings.TrimSpace(text)
	if src == "" {
		return nil
	}
	win := windowChars
	if win < 1200 {
		win = 1200
	}
	overlap := overlapChars
	if overlap < 0 {
		overlap = 0
	}
	if overlap > win/3 {
		overlap = win / 3
	}

	var out []string
	start := 0
	n := len(src)
	for start < n {
		end := start + win
		if end > n {
			end = n
		}
		if end < n {
			minCut := start + int(float64(win)*0.55)
			cut := strings.LastIndex(src[minCut:end], "\n")
			if cut < 0 {
				cut = strings.LastIndex(src[minCut:end], " ")
			}
			if cut >= 0 {
				end = minCut + cut
			}
		}
		chunk := strings.TrimSpace(src[start:end])
		if chunk != "" {
			out = append(out, chunk)
		}
		if end >= n {
			break
		}
		next := end - overlap
		if next <= start {
			next = start + 1
		}
		start = next
	}
	return out
}

func localChunkSettings() (triggerChars, chunkChars, overlapChars, maxChunks, synthMaxChars int) {
	triggerChars = utils.GetEnvAsInt("VIDEO_AI_LOCAL_CHUNK_TRIGGER_CHARS", 12000, nil)
	if triggerChars < 4000 {
		triggerChars = 4000
	}
	chunkChars = utils.GetEnvAsInt("VIDEO_AI_LOCAL_CHUNK_CHARS", 7000, nil)
	if chunkChars < 2500 {
		chunkChars = 2500
	}
	overlapChars = utils.GetEnvAsInt("VIDEO_AI_LOCAL_CHUNK_OVERLAP_CHARS", 400, nil)
	if overlapChars < 0 {
		overlapChars = 0
	}
	maxChunks = utils.GetEnvAsInt("VIDEO_AI_LOCAL_MAX_CHUNKS", 8, nil)
	if maxChunks < 1 {
		maxChunks = 1
	}
	synthMaxChars = utils.GetEnvAsInt("VIDEO_AI_LOCAL_SYNTH_MAX_CHARS", 22000, nil)
	if synthMaxChars < 8000 {
		synthMaxChars = 8000
	}
	return
}

// EstimateLocalParts predicts how many map-reduce parts the local chunked
// analysis would use, for progress displays.
func (s *analysisService) EstimateLocalParts(transcript string) int {
	if transcript == "" {
		return 1
	}
	maxChars := utils.GetEnvAsInt("VIDEO_AI_MAX_CHARS", 24000, nil)
	used := utils.TruncateString(transcript, maxChars)
	triggerChars, chunkChars, overlapChars, maxChunks, _ := localChunkSettings()
	if len(used) < triggerChars {
		return 1
	}
	chunks := SplitTextWindows(used, chunkChars, overlapChars)
	if len(chunks) > maxChunks {
		chunks = chunks[:maxChunks]
	}
	if len(chunks) < 1 {
		return 1
	}
	return len(chunks)
}

// analyzeLocalChunked is the map-reduce path for long transcripts on the
// local backend: summarize each window, then ask the model to merge. When
// the merge fails, part summaries are concatenated.
func (s *analysisService) analyzeLocalChunked(
	ctx context.Context,
	title, transcript string,
	truncated bool,
	langCode, systemPrompt, model string,
	timeout time.Duration,
	progress AnalysisProgress,
	chunkProgress ChunkProgress,
) (string, int) {
	triggerChars, chunkChars, overlapChars, maxChunks, synthMaxChars := localChunkSettings()
	if len(transcript) < triggerChars {
		return "", 0
	}
	chunks := SplitTextWindows(transcript, chunkChars, overlapChars)
	if len(chunks) > maxChunks {
		chunks = chunks[:maxChunks]
	}
	if len(chunks) <= 1 {
		return "", 0
	}
	if chunkProgress != nil {
		chunkProgress(0, len(chunks))
	}

	truncNoteEN := ""
	truncNoteUK := ""
	if truncated {
		truncNoteEN = "(source transcript was truncated)"
		truncNoteUK = "(вхідний транскрипт був обрізаний)"
	}

	var notes []string
	generatedChars := 0
	for i, chunk := range chunks {
		var userPrompt string
		if langCode == "en" {
			userPrompt = fmt.Sprintf(
				"Title: %s\nTranscript part %d/%d %s:\n\n%s\n\nTask: summarize ONLY this part with concrete facts, practical actions, and uncertainties.",
				title, i+1, len(chunks), truncNoteEN, chunk)
		} else {
			userPrompt = fmt.Sprintf(
				"Назва: %s\nЧастина транскрипту %d/%d %s:\n\n%s\n\nЗавдання: підсумуй ТІЛЬКИ цю частину з фактами, практичними діями та невизначеностями.",
				title, i+1, len(chunks), truncNoteUK, chunk)
		}
		partText, err := s.llm.Chat(ctx, ChatRequest{
			Provider:    ProviderLocal,
			Model:       model,
			System:      systemPrompt,
			User:        userPrompt,
			Temperature: 0.2,
			Timeout:     timeout,
		})
		if err != nil {
			continue
		}
		partText = strings.TrimSpace(partText)
		if partText == "" {
			continue
		}
		notes = append(notes, partText)
		generatedChars += len(partText)
		if progress != nil {
			progress(generatedChars, maxInt(1, generatedChars/4), false)
		}
		if chunkProgress != nil {
			chunkProgress(i+1, len(chunks))
		}
	}

	if len(notes) == 0 {
		return "", len(chunks)
	}
	if len(notes) == 1 {
		return notes[0], len(chunks)
	}

	var joinedParts []string
	for i, txt := range notes {
		joinedParts = append(joinedParts, fmt.Sprintf("PART %d/%d:\n%s", i+1, len(notes), txt))
	}
	joined := utils.TruncateString(strings.Join(joinedParts, "\n\n"), synthMaxChars)

	var synthPrompt string
	if langCode == "en" {
		synthPrompt = fmt.Sprintf(
			"Title: %s\nBelow are analyses from multiple transcript parts. Merge them into one final coherent analysis.\n\n%s",
			title, joined)
	} else {
		synthPrompt = fmt.Sprintf(
			"Назва: %s\nНижче аналізи з кількох частин транскрипту. Об'єднай їх у фінальний узгоджений аналіз.\n\n%s",
			title, joined)
	}
	finalText, err := s.llm.Chat(ctx, ChatRequest{
		Provider:    ProviderLocal,
		Model:       model,
		System:      systemPrompt,
		User:        synthPrompt,
		Temperature: 0.2,
		Timeout:     timeout,
	})
	if err == nil {
		finalText = strings.TrimSpace(finalText)
		if finalText != "" {
			if progress != nil {
				done := generatedChars + len(finalText)
				progress(done, maxInt(1, done/4), false)
			}
			return finalText, len(chunks)
		}
	}

	var fallbackParts []string
	for i, txt := range notes {
		fallbackParts = append(fallbackParts, fmt.Sprintf("Part %d/%d\n%s", i+1, len(notes), txt))
	}
	return strings.TrimSpace(strings.Join(fallbackParts, "\n\n")), len(chunks)
}

func (s *analysisService) AnalyzeTranscript(ctx context.Context, title, transcript string, progress AnalysisProgress, chunkProgress ChunkProgress) (string, error) {
	if !utils.GetEnvAsBool("VIDEO_USE_AI_ANALYZER", true, nil) {
		return "", nil
	}
	langCode, langLabel := s.OutputLanguageForText(transcript)
	maxChars := utils.GetEnvAsInt("VIDEO_AI_MAX_CHARS", 24000, nil)
	timeout := time.Duration(utils.GetEnvAsInt("VIDEO_AI_TIMEOUT_SEC", 240, nil)) * time.Second
	used := utils.TruncateString(transcript, maxChars)
	truncated := len(transcript) > len(used)

	systemPrompt := utils.GetEnv("VIDEO_AI_PROMPT", defaultAnalysisPrompt(langCode), nil)
	systemPrompt = systemPrompt + "\n" + aiLanguageDirective(langCode)

	var userPrompt string
	if langCode == "en" {
		note := ""
		if truncated {
			note = "(truncated to character limit)"
		}
		userPrompt = fmt.Sprintf("Title: %s\nTranscript %s:\n\n%s", title, note, used)
	} else {
		note := ""
		if truncated {
			note = "(обрізаний до ліміту символів)"
		}
		userPrompt = fmt.Sprintf("Назва: %s\nТранскрипт %s:\n\n%s", title, note, used)
	}

	var txt string
	usedProvider := ""
	usedModel := ""
	usedChunkParts := 0
	for _, backend := range s.llm.AnalysisChain() {
		if backend.Provider == ProviderLocal {
			chunkedText, chunkParts := s.analyzeLocalChunked(
				ctx, title, used, truncated, langCode, systemPrompt, backend.Model,
				timeout, progress, chunkProgress,
			)
			if strings.TrimSpace(chunkedText) != "" {
				txt = chunkedText
				usedProvider = backend.Provider
				usedModel = backend.Model
				usedChunkParts = chunkParts
				break
			}
		}
		var onDelta func(int, int, bool)
		if backend.Provider == ProviderLocal {
			onDelta = progress
		}
		out, err := s.llm.Chat(ctx, ChatRequest{
			Provider:    backend.Provider,
			Model:       backend.Model,
			System:      systemPrompt,
			User:        userPrompt,
			Temperature: 0.2,
			Timeout:     timeout,
			OnDelta:     onDelta,
		})
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			continue
		}
		if strings.TrimSpace(out) != "" {
			txt = out
			usedProvider = backend.Provider
			usedModel = backend.Model
			break
		}
	}

	if strings.TrimSpace(txt) == "" {
		return "", nil
	}

	prefix := "🧠 AI Video Analysis\n"
	prefix += ProviderCaption(usedProvider, usedModel) + "\n"
	prefix += "🗣 Output language: " + langLabel + "\n"
	if usedProvider == ProviderLocal && usedChunkParts > 1 {
		prefix += fmt.Sprintf("ℹ️ Local chunked analysis: %d parts.\n", usedChunkParts)
	}
	if truncated {
		prefix += "ℹ️ Analysis used a truncated transcript window due to size limits.\n"
	}
	return prefix + txt, nil
}

func (s *analysisService) TTLSeconds() int {
	hours := utils.GetEnvAsFloat("VIDEO_AI_ANALYSIS_TTL_HOURS", 24, nil)
	if hours <= 0 {
		return 0
	}
	return int(hours * 3600)
}

// CachedAnalysis returns the stored analysis and its age when it is still
// inside the TTL and matches the expected output language.
func (s *analysisService) CachedAnalysis(rec types.ArchiveRecord, ttlSeconds int, expectedLang string) (string, int) {
	if ttlSeconds <= 0 || rec == nil {
		return "", 0
	}
	cached := strings.TrimSpace(rec.GetString(types.RecAnalysis))
	if cached == "" {
		return "", 0
	}
	storedLang := strings.ToLower(strings.TrimSpace(rec.GetString(types.RecAnalysisLang)))
	if storedLang == "" || storedLang != expectedLang {
		return "", 0
	}
	savedTS := rec.GetFloat(types.RecAnalysisSavedAtEpoch)
	if savedTS <= 0 {
		return "", 0
	}
	ageSec := int(time.Since(time.Unix(int64(savedTS), 0)).Seconds())
	if ageSec < 0 {
		ageSec = 0
	}
	if ageSec <= ttlSeconds {
		return cached, ageSec
	}
	return "", ageSec
}

// ExtractLLMBackendLabel pulls the provider name back out of a banner line.
func ExtractLLMBackendLabel(text string) string {
	low := strings.ToLower(text)
	switch {
	case strings.Contains(low, "backend: claude"):
		return ProviderClaude
	case strings.Contains(low, "backend: openai"):
		return ProviderOpenAI
	case strings.Contains(low, "backend: local"):
		return ProviderLocal
	}
	return ""
}

// ExtractLLMBackendDetail returns the full banner line when present.
func ExtractLLMBackendDetail(text string) string {
	for _, line := range strings.Split(text, "\n") {
		ln := strings.TrimSpace(line)
		if strings.Contains(strings.ToLower(ln), "backend:") {
			return ln
		}
	}
	return ""
}
