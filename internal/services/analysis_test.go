package services

import (
	"strings"
	"testing"
	"time"

	"github.com/hubrts/youtube-command-deck/internal/types"
)

func TestDetectTextLanguage(t *testing.T) {
	if got := DetectTextLanguage("це відео про їжу"); got != "uk" {
		t.Fatalf("ukrainian-specific letters must win, got %q", got)
	}
	if got := DetectTextLanguage("plain english sentence about things"); got != "en" {
		t.Fatalf("latin-heavy text must detect en, got %q", got)
	}
	t.Setenv("VIDEO_QA_CYRILLIC_DEFAULT_LANG", "uk")
	if got := DetectTextLanguage("да нет наверное"); got != "uk" {
		t.Fatalf("cyrillic fallback should use env default, got %q", got)
	}
}

func TestNormalizeLangCode(t *testing.T) {
	cases := map[string]string{
		"UA":        "uk",
		"ukrainian": "uk",
		"ENG":       "en",
		"english":   "en",
		"de":        "uk",
	}
	for input, want := range cases {
		if got := NormalizeLangCode(input, "uk"); got != want {
			t.Fatalf("NormalizeLangCode(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestQATargetLanguage(t *testing.T) {
	lang, translate := QATargetLanguage("translate to english: привіт")
	if lang != "en" || !translate {
		t.Fatalf("expected (en, true), got (%q, %v)", lang, translate)
	}
	lang, translate = QATargetLanguage("what is the revenue target?")
	if lang != "en" || translate {
		t.Fatalf("expected (en, false), got (%q, %v)", lang, translate)
	}
}

func TestExtractTranslationSourceText(t *testing.T) {
	if got := ExtractTranslationSourceText(`translate to english "добрий день"`); got != "добрий день" {
		t.Fatalf("quoted source not extracted: %q", got)
	}
	if got := ExtractTranslationSourceText("переклади англійською: добрий день усім"); got != "добрий день усім" {
		t.Fatalf("colon tail not extracted: %q", got)
	}
	if got := ExtractTranslationSourceText("just a question"); got != "" {
		t.Fatalf("non-translation text should yield empty, got %q", got)
	}
}

func TestSplitTextWindows(t *testing.T) {
	text := strings.Repeat("word ", 2000)
	windows := SplitTextWindows(text, 3000, 300)
	if len(windows) < 2 {
		t.Fatalf("long text must split, got %d windows", len(windows))
	}
	for i, w := range windows {
		if len(w) > 3000 {
			t.Fatalf("window %d exceeds size: %d", i, len(w))
		}
	}
	if got := SplitTextWindows("", 3000, 300); got != nil {
		t.Fatalf("empty input should yield nil")
	}
	if got := SplitTextWindows("short", 3000, 300); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short input should be one window: %v", got)
	}
}

func TestCachedAnalysisTTL(t *testing.T) {
	svc := NewAnalysisService(testLogger(t), nil)

	rec := types.ArchiveRecord{
		types.RecAnalysis:             "🧠 AI Video Analysis\n🖥️ Backend: local (m)\nbody",
		types.RecAnalysisLang:         "en",
		types.RecAnalysisSavedAtEpoch: float64(time.Now().Unix() - 60),
	}
	cached, age := svc.CachedAnalysis(rec, 3600, "en")
	if cached == "" || age < 50 {
		t.Fatalf("fresh analysis should hit, got %q age %d", cached, age)
	}

	// Language mismatch misses.
	if cached, _ := svc.CachedAnalysis(rec, 3600, "uk"); cached != "" {
		t.Fatalf("language mismatch must miss")
	}

	// Expired TTL misses.
	rec[types.RecAnalysisSavedAtEpoch] = float64(time.Now().Unix() - 7200)
	if cached, _ := svc.CachedAnalysis(rec, 3600, "en"); cached != "" {
		t.Fatalf("expired analysis must miss")
	}

	// TTL disabled misses entirely.
	if cached, _ := svc.CachedAnalysis(rec, 0, "en"); cached != "" {
		t.Fatalf("zero TTL must disable caching")
	}
}

func TestEstimateLocalParts(t *testing.T) {
	svc := NewAnalysisService(testLogger(t), nil)
	if got := svc.EstimateLocalParts("short text"); got != 1 {
		t.Fatalf("short transcript is one part, got %d", got)
	}
	long := strings.Repeat("sentence with words here. ", 1500)
	if got := svc.EstimateLocalParts(long); got < 2 {
		t.Fatalf("long transcript should estimate multiple parts, got %d", got)
	}
}

func TestExtractLLMBackendLabel(t *testing.T) {
	if got := ExtractLLMBackendLabel("☁️ Backend: Claude (x)"); got != ProviderClaude {
		t.Fatalf("claude label, got %q", got)
	}
	if got := ExtractLLMBackendLabel("🖥️ Backend: local (llama)"); got != ProviderLocal {
		t.Fatalf("local label, got %q", got)
	}
	if got := ExtractLLMBackendLabel("no banner here"); got != "" {
		t.Fatalf("missing banner must be empty, got %q", got)
	}
	detail := ExtractLLMBackendDetail("🧠 AI Video Analysis\n☁️ Backend: OpenAI (gpt)\nbody")
	if !strings.Contains(detail, "OpenAI") {
		t.Fatalf("detail should carry the full banner line, got %q", detail)
	}
}
