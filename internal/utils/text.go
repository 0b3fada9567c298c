package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

var (
	ansiRE          = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]`)
	whitespaceRE    = regexp.MustCompile(`\s+`)
	filenameBadRE   = regexp.MustCompile(`[^\w\s\-\(\)\[\],'’«»А-Яа-яЁёІіЇїЄє]+`)
	videoIDRE       = regexp.MustCompile(`^[A-Za-z0-9_-]{6,20}$`)
	videoIDStripRE  = regexp.MustCompile(`[^A-Za-z0-9_-]+`)
	slugRE          = regexp.MustCompile(`[^a-z0-9]+`)
	youtuBeRE       = regexp.MustCompile(`youtu\.be/([A-Za-z0-9_\-]{6,})`)
	watchRE         = regexp.MustCompile(`[?&]v=([A-Za-z0-9_\-]{6,})`)
	liveRE          = regexp.MustCompile(`youtube\.com/live/([A-Za-z0-9_\-]{6,})`)
	shortsRE        = regexp.MustCompile(`youtube\.com/shorts/([A-Za-z0-9_\-]{6,})`)
	youtubeURLScanRE = regexp.MustCompile(`https?://[^\s<>"]*(?:youtube\.com|youtu\.be)[^\s<>"]*`)
)

func StripANSI(s string) string {
	return strings.TrimSpace(ansiRE.ReplaceAllString(s, ""))
}

func CollapseWhitespace(s string) string {
	return strings.TrimSpace(whitespaceRE.ReplaceAllString(s, " "))
}

func NormalizeForMatch(s string) string {
	return strings.ToLower(CollapseWhitespace(s))
}

func SanitizeFilename(name string) string {
	const maxLen = 140
	name = strings.TrimSpace(name)
	name = strings.ReplaceAll(name, ".", "_")
	name = filenameBadRE.ReplaceAllString(name, "_")
	name = CollapseWhitespace(name)
	if len(name) > maxLen {
		name = strings.TrimSpace(name[:maxLen])
	}
	if name == "" {
		return "video"
	}
	return name
}

func MakeSavedPartialFilename(title, videoID string) string {
	return fmt.Sprintf("%s [%s] (partial).mp4", SanitizeFilename(title), videoID)
}

func MakeSavedFullFilename(title, videoID string) string {
	return fmt.Sprintf("%s [%s] (full).mp4", SanitizeFilename(title), videoID)
}

func IsYouTubeURL(text string) bool {
	t := strings.TrimSpace(text)
	return strings.Contains(t, "youtube.com") || strings.Contains(t, "youtu.be")
}

func ExtractFirstYouTubeURL(text string) string {
	m := youtubeURLScanRE.FindString(text)
	return strings.TrimRight(m, ".,;:!?)]}>'\"")
}

func ExtractYouTubeID(url string) string {
	u := strings.TrimSpace(url)
	for _, re := range []*regexp.Regexp{youtuBeRE, watchRE, liveRE, shortsRE} {
		if m := re.FindStringSubmatch(u); m != nil {
			return m[1]
		}
	}
	return ""
}

// SafeVideoID strips anything outside the YouTube id alphabet and rejects
// values that do not look like an id at all.
func SafeVideoID(raw string) string {
	cleaned := videoIDStripRE.ReplaceAllString(strings.TrimSpace(raw), "")
	if !videoIDRE.MatchString(cleaned) {
		return ""
	}
	return cleaned
}

func IsVideoIDLike(value string) bool {
	return videoIDRE.MatchString(strings.TrimSpace(value))
}

func LooksLikeLiveURL(url string) bool {
	return strings.Contains(strings.ToLower(strings.TrimSpace(url)), "youtube.com/live/")
}

func LooksLikeVPSBlock(errLow string) bool {
	low := strings.ToLower(errLow)
	return strings.Contains(low, "confirm you're not a bot") || strings.Contains(low, "confirm you’re not a bot")
}

func LooksLikePrivateUnavailable(errLow string) bool {
	low := strings.ToLower(errLow)
	if strings.Contains(low, "video unavailable") && strings.Contains(low, "private") {
		return true
	}
	return strings.Contains(low, "this video is private")
}

func SlugifyText(value string, maxLen int) string {
	s := slugRE.ReplaceAllString(strings.ToLower(strings.TrimSpace(value)), "-")
	s = strings.Trim(s, "-")
	if maxLen > 0 && len(s) > maxLen {
		s = strings.Trim(s[:maxLen], "-")
	}
	if s == "" {
		return "note"
	}
	return s
}

func ShortHash(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])[:12]
}

func SHA256Text(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// FormatTimestamp renders seconds as the transcript [mm:ss] stamp. Minutes
// are not wrapped at the hour so long streams keep monotonic stamps.
func FormatTimestamp(seconds float64) string {
	sec := int(seconds)
	if sec < 0 {
		sec = 0
	}
	return fmt.Sprintf("%02d:%02d", sec/60, sec%60)
}

func HumanBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	units := []string{"B", "KB", "MB", "GB", "TB"}
	f := float64(n)
	for _, u := range units {
		if f < 1024.0 || u == units[len(units)-1] {
			if u == "B" {
				return fmt.Sprintf("%d %s", int64(f), u)
			}
			return fmt.Sprintf("%.2f %s", f, u)
		}
		f /= 1024.0
	}
	return fmt.Sprintf("%.2f TB", f)
}

func TruncateString(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max]
}

// TailString keeps the last max bytes, used for error excerpts from tool output.
func TailString(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
