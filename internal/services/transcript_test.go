package services

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleVTT = `WEBVTT

00:00:01.000 --> 00:00:04.000
<c>Hello</c> and welcome

00:00:05,500 --> 00:00:08.000
to   the    show

00:01:10.000 --> 00:01:12.000
`

func TestParseVTTSegments(t *testing.T) {
	segments := ParseVTTSegments(sampleVTT)
	if len(segments) != 2 {
		t.Fatalf("expected 2 segments (empty cue dropped), got %d", len(segments))
	}
	if segments[0].Text != "Hello and welcome" {
		t.Fatalf("tags not stripped: %q", segments[0].Text)
	}
	if segments[0].Start != 1.0 || segments[0].End != 4.0 {
		t.Fatalf("unexpected timing: %v", segments[0])
	}
	if segments[1].Text != "to the show" {
		t.Fatalf("whitespace not collapsed: %q", segments[1].Text)
	}
	if segments[1].Start != 5.5 {
		t.Fatalf("comma decimal separator not handled: %v", segments[1].Start)
	}
}

func TestParseVTTTimestamp(t *testing.T) {
	if got := parseVTTTimestamp("01:02:03.500"); got != 3723.5 {
		t.Fatalf("hh:mm:ss parse wrong: %v", got)
	}
	if got := parseVTTTimestamp("02:30"); got != 150.0 {
		t.Fatalf("mm:ss parse wrong: %v", got)
	}
	if got := parseVTTTimestamp("garbage"); got != 0 {
		t.Fatalf("garbage should parse to 0, got %v", got)
	}
}

func TestCaptionLangHelpers(t *testing.T) {
	if got := captionLangFromName("abc123def45.en-US.vtt"); got != "en-us" {
		t.Fatalf("unexpected lang: %q", got)
	}
	if !isEnglishCaptionLang("en") || !isEnglishCaptionLang("en-GB") {
		t.Fatalf("english variants must pass")
	}
	if isEnglishCaptionLang("uk") || isEnglishCaptionLang("fr") {
		t.Fatalf("non-english must fail")
	}
}

func TestSegmentsToTranscriptTextRoundTrip(t *testing.T) {
	segments := []Segment{
		{Start: 15, End: 20, Text: "the revenue target is five thousand dollars"},
		{Start: 75, End: 80, Text: "we open a second shop"},
	}
	text := SegmentsToTranscriptText(segments)
	lines := strings.Split(text, "\n")
	if lines[0] != "[00:15] the revenue target is five thousand dollars" {
		t.Fatalf("unexpected first line: %q", lines[0])
	}
	parsed := SegmentsFromTranscriptText(text)
	if len(parsed) != 2 {
		t.Fatalf("round trip lost segments: %d", len(parsed))
	}
	if parsed[0].Start != 15 || parsed[1].Start != 75 {
		t.Fatalf("timestamps did not survive: %v", parsed)
	}
}

func TestTranscriptBodyLinesSkipsHeader(t *testing.T) {
	transcript := "Title: X\nVideo ID: abc123def45\nGenerated: now\n\n[00:01] hello\n\n[00:02] world"
	lines := TranscriptBodyLines(transcript)
	if len(lines) != 2 {
		t.Fatalf("expected 2 body lines, got %d: %v", len(lines), lines)
	}
}

func TestExtractTitleFromSavedTranscript(t *testing.T) {
	transcript := "Title: My Great Stream\nVideo ID: abc\n\n[00:01] hi"
	if got := ExtractTitleFromSavedTranscript(transcript, "fallback"); got != "My Great Stream" {
		t.Fatalf("unexpected title: %q", got)
	}
	if got := ExtractTitleFromSavedTranscript("[00:01] hi", "fallback"); got != "fallback" {
		t.Fatalf("missing header should fall back, got %q", got)
	}
}

func TestSaveFullTranscriptFormat(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DATA_DIR", dir)
	svc := NewTranscriptService(testLogger(t), nil, nil)

	path, err := svc.SaveFullTranscript("abc123def45", "My Title", "[00:01] hello")
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	content := string(data)
	lines := strings.Split(content, "\n")
	if !strings.HasPrefix(lines[0], "Title: My Title") {
		t.Fatalf("missing title header: %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "Video ID: abc123def45") {
		t.Fatalf("missing video id header: %q", lines[1])
	}
	if !strings.HasPrefix(lines[2], "Generated: ") {
		t.Fatalf("missing generated header: %q", lines[2])
	}
	if lines[3] != "" {
		t.Fatalf("expected blank separator, got %q", lines[3])
	}
	if lines[4] != "[00:01] hello" {
		t.Fatalf("unexpected body: %q", lines[4])
	}
	if filepath.Base(path) != "abc123def45.txt" {
		t.Fatalf("unexpected file name: %q", filepath.Base(path))
	}
}

func TestCachedTranscriptPathRequiresNonEmpty(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DATA_DIR", dir)
	svc := NewTranscriptService(testLogger(t), nil, nil)

	if got := svc.CachedTranscriptPath("abc123def45"); got != "" {
		t.Fatalf("missing file should yield empty, got %q", got)
	}

	path := svc.TranscriptPathFor("abc123def45")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := svc.CachedTranscriptPath("abc123def45"); got != "" {
		t.Fatalf("empty file should yield empty path, got %q", got)
	}

	if err := os.WriteFile(path, []byte("Title: x\n\n[00:01] hi\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := svc.CachedTranscriptPath("abc123def45"); got != path {
		t.Fatalf("non-empty file should be returned, got %q", got)
	}
}

func TestTranscriptStampChangesOnRewrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t.txt")
	if err := os.WriteFile(path, []byte("one"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	first := TranscriptStamp(path)
	if first == "0:0" {
		t.Fatalf("stamp should reflect the file")
	}
	if err := os.WriteFile(path, []byte("one two three"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	second := TranscriptStamp(path)
	if first == second {
		t.Fatalf("rewriting the transcript must change the stamp")
	}
	if TranscriptStamp(filepath.Join(dir, "missing.txt")) != "0:0" {
		t.Fatalf("missing files stamp as 0:0")
	}
}
