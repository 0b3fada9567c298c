package services

import (
	"regexp"
	"strings"

	"github.com/hubrts/youtube-command-deck/internal/utils"
)

var langLabels = map[string]string{
	"uk": "Ukrainian",
	"en": "English",
}

func LangLabel(code string) string {
	return langLabels[code]
}

func NormalizeLangCode(raw, def string) string {
	val := strings.ToLower(strings.TrimSpace(raw))
	if _, ok := langLabels[val]; ok {
		return val
	}
	switch val {
	case "ua", "ukr", "ukrainian":
		return "uk"
	case "en", "eng", "english":
		return "en"
	}
	return def
}

var (
	ukLettersRE  = regexp.MustCompile(`[іїєґ]`)
	cyrLettersRE = regexp.MustCompile(`[а-яёіїєґ]`)
	latLettersRE = regexp.MustCompile(`[a-z]`)
)

// DetectTextLanguage is the character-class heuristic: Ukrainian-specific
// letters win outright, otherwise Cyrillic-vs-Latin counts decide, with
// env-configurable defaults for the ties.
func DetectTextLanguage(text string) string {
	t := strings.TrimSpace(text)
	if t == "" {
		return NormalizeLangCode(utils.GetEnv("VIDEO_QA_DEFAULT_LANG", "uk", nil), "uk")
	}
	low := strings.ToLower(t)
	if ukLettersRE.MatchString(low) {
		return "uk"
	}
	cyr := len(cyrLettersRE.FindAllString(low, -1))
	lat := len(latLettersRE.FindAllString(low, -1))
	if lat > cyr {
		return "en"
	}
	if cyr > 0 {
		return NormalizeLangCode(utils.GetEnv("VIDEO_QA_CYRILLIC_DEFAULT_LANG", "uk", nil), "uk")
	}
	return NormalizeLangCode(utils.GetEnv("VIDEO_QA_DEFAULT_LANG", "uk", nil), "uk")
}

func extractTranslateTargetLang(question string) string {
	low := strings.ToLower(strings.TrimSpace(question))
	if low == "" {
		return ""
	}
	for _, h := range []string{"англійською", "english", "in english"} {
		if strings.Contains(low, h) {
			return "en"
		}
	}
	for _, h := range []string{"українською", "ukrainian", "in ukrainian"} {
		if strings.Contains(low, h) {
			return "uk"
		}
	}
	return ""
}

func isTranslationRequest(question string) bool {
	low := strings.ToLower(strings.TrimSpace(question))
	if low == "" {
		return false
	}
	for _, t := range []string{"translate", "переклади", "translation", "переклад"} {
		if strings.Contains(low, t) {
			return true
		}
	}
	return false
}

// QATargetLanguage resolves the answer language and whether the question
// is a translation request.
func QATargetLanguage(question string) (string, bool) {
	if target := extractTranslateTargetLang(question); target != "" {
		return target, true
	}
	return NormalizeLangCode(DetectTextLanguage(question), "uk"), isTranslationRequest(question)
}

var quotedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`"([^"]{2,500})"`),
	regexp.MustCompile(`“([^”]{2,500})”`),
	regexp.MustCompile(`'([^']{2,500})'`),
}

func extractQuotedText(text string) string {
	t := strings.TrimSpace(text)
	if t == "" {
		return ""
	}
	for _, pat := range quotedPatterns {
		if m := pat.FindStringSubmatch(t); m != nil {
			return strings.TrimSpace(m[1])
		}
	}
	return ""
}

var translateTailRE = regexp.MustCompile(`(?is)^(?:translate|переклади|translation|переклад)\b.*?(?:to|на|in)?\s*(?:english|англійською|ukrainian|українською)?\s*(?:text|текст)?\s*[-–—]?\s*(.+)$`)

// ExtractTranslationSourceText finds the text the user wants translated:
// quoted spans first, then everything after a colon, then the trigger tail.
func ExtractTranslationSourceText(question string) string {
	q := strings.TrimSpace(question)
	if q == "" {
		return ""
	}
	if quoted := extractQuotedText(q); quoted != "" {
		return quoted
	}
	if idx := strings.Index(q, ":"); idx >= 0 {
		tail := strings.TrimSpace(q[idx+1:])
		if len(tail) >= 2 {
			return tail
		}
	}
	if m := translateTailRE.FindStringSubmatch(q); m != nil {
		tail := strings.TrimSpace(m[1])
		if len(tail) >= 2 {
			return tail
		}
	}
	return ""
}

func qaUnreliableText(lang string) string {
	if lang == "en" {
		return "I cannot answer this reliably from the saved transcript context."
	}
	return "Я не можу надійно відповісти за збереженим контекстом транскрипту."
}

func qaUnavailableText(lang, reason string) string {
	if lang == "en" {
		return "AI answer unavailable right now (" + reason + "). Try again shortly."
	}
	return "AI-відповідь зараз недоступна (" + reason + "). Спробуйте трохи пізніше."
}

func aiLanguageDirective(langCode string) string {
	if langCode == "en" {
		return "Respond only in English."
	}
	return "Відповідай тільки українською."
}
