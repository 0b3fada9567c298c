package utils

import (
	"strings"
	"testing"
)

func TestExtractYouTubeID(t *testing.T) {
	cases := map[string]string{
		"https://youtu.be/dQw4w9WgXcQ":                        "dQw4w9WgXcQ",
		"https://www.youtube.com/watch?v=dQw4w9WgXcQ&t=10":    "dQw4w9WgXcQ",
		"https://www.youtube.com/live/abcDEF123_-":            "abcDEF123_-",
		"https://www.youtube.com/shorts/xyz987abc12":          "xyz987abc12",
		"https://example.com/page":                            "",
		"not a url":                                           "",
	}
	for input, want := range cases {
		if got := ExtractYouTubeID(input); got != want {
			t.Fatalf("ExtractYouTubeID(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestSafeVideoID(t *testing.T) {
	if got := SafeVideoID(" dQw4w9WgXcQ "); got != "dQw4w9WgXcQ" {
		t.Fatalf("expected trimmed id, got %q", got)
	}
	if got := SafeVideoID("../../etc/passwd"); got != "" {
		t.Fatalf("expected empty for path traversal, got %q", got)
	}
	if got := SafeVideoID("abc"); got != "" {
		t.Fatalf("expected empty for too-short id, got %q", got)
	}
	if got := SafeVideoID(strings.Repeat("a", 21)); got != "" {
		t.Fatalf("expected empty for too-long id, got %q", got)
	}
}

func TestSanitizeFilename(t *testing.T) {
	if got := SanitizeFilename("My Video: The.Sequel?!"); strings.ContainsAny(got, ":?.") {
		t.Fatalf("unsafe characters survived: %q", got)
	}
	if got := SanitizeFilename(""); got != "video" {
		t.Fatalf("expected fallback name, got %q", got)
	}
	long := strings.Repeat("x", 300)
	if got := SanitizeFilename(long); len(got) > 140 {
		t.Fatalf("expected length cap, got %d chars", len(got))
	}
}

func TestSavedFilenames(t *testing.T) {
	partial := MakeSavedPartialFilename("My Stream", "vid123abc")
	if partial != "My Stream [vid123abc] (partial).mp4" {
		t.Fatalf("unexpected partial name: %q", partial)
	}
	full := MakeSavedFullFilename("My Stream", "vid123abc")
	if full != "My Stream [vid123abc] (full).mp4" {
		t.Fatalf("unexpected full name: %q", full)
	}
}

func TestFormatTimestamp(t *testing.T) {
	cases := map[float64]string{
		0:      "00:00",
		15:     "00:15",
		75.9:   "01:15",
		3600:   "60:00",
		7272:   "121:12",
		-5:     "00:00",
	}
	for input, want := range cases {
		if got := FormatTimestamp(input); got != want {
			t.Fatalf("FormatTimestamp(%v) = %q, want %q", input, got, want)
		}
	}
}

func TestStripANSI(t *testing.T) {
	if got := StripANSI("\x1b[31mred\x1b[0m text "); got != "red text" {
		t.Fatalf("unexpected strip result: %q", got)
	}
}

func TestErrorClassifiers(t *testing.T) {
	if !LooksLikeVPSBlock("please confirm you're not a bot") {
		t.Fatalf("expected anti-bot detection")
	}
	if !LooksLikePrivateUnavailable("ERROR: Video unavailable. This video is private") {
		t.Fatalf("expected private detection")
	}
	if LooksLikePrivateUnavailable("video unavailable in your country") {
		t.Fatalf("region block is not a private video")
	}
}

func TestHumanBytes(t *testing.T) {
	if got := HumanBytes(512); got != "512 B" {
		t.Fatalf("unexpected bytes format: %q", got)
	}
	if got := HumanBytes(1536); got != "1.50 KB" {
		t.Fatalf("unexpected KB format: %q", got)
	}
}

func TestNormalizeForMatch(t *testing.T) {
	if got := NormalizeForMatch("  Hello   WORLD \n"); got != "hello world" {
		t.Fatalf("unexpected normalization: %q", got)
	}
}
