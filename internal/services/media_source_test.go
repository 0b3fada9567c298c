package services

import (
	"testing"
)

func TestProgressLineParsing(t *testing.T) {
	line := "[download]  42.3% of 1.2GiB at 3.4MiB/s ETA 05:33"
	m := percentRE.FindStringSubmatch(line)
	if m == nil || m[1] != "42.3" {
		t.Fatalf("percent parse failed: %v", m)
	}
	if em := etaRE.FindStringSubmatch(line); em == nil || em[1] != "05:33" {
		t.Fatalf("eta parse failed: %v", em)
	}
	if sm := speedRE.FindStringSubmatch(line); sm == nil || sm[1] != "3.4MiB/s" {
		t.Fatalf("speed parse failed: %v", sm)
	}
	if percentRE.MatchString("[youtube] extracting metadata") {
		t.Fatalf("non-progress lines must not match")
	}
}

func TestCaptionStateFromMeta(t *testing.T) {
	if got := captionStateFromMeta(nil); got != nil {
		t.Fatalf("nil meta must be unknown")
	}
	if got := captionStateFromMeta(map[string]any{"title": "x"}); got != nil {
		t.Fatalf("silent meta must be unknown")
	}
	got := captionStateFromMeta(map[string]any{"subtitles": map[string]any{"en": []any{map[string]any{"url": "u"}}}})
	if got == nil || !*got {
		t.Fatalf("populated subtitles must be true")
	}
	got = captionStateFromMeta(map[string]any{"subtitles": map[string]any{}})
	if got == nil || *got {
		t.Fatalf("empty subtitles must be false")
	}
	got = captionStateFromMeta(map[string]any{"automatic_captions": []any{"en"}})
	if got == nil || !*got {
		t.Fatalf("auto captions list must be true")
	}
}

func TestProbeInfoFromRaw(t *testing.T) {
	info := probeInfoFromRaw(map[string]any{
		"id":          "abc123def45",
		"title":       "A Stream",
		"uploader":    "Chan",
		"live_status": "is_upcoming",
		"duration":    float64(93),
	})
	if info.ID != "abc123def45" || info.Title != "A Stream" || info.Channel != "Chan" {
		t.Fatalf("basic fields wrong: %+v", info)
	}
	if !info.IsUpcoming() || !info.IsLiveLike() {
		t.Fatalf("upcoming status flags wrong")
	}
	if info.Duration != 93 {
		t.Fatalf("duration wrong: %d", info.Duration)
	}

	vod := probeInfoFromRaw(map[string]any{"live_status": "not_live"})
	if vod.IsLiveLike() {
		t.Fatalf("plain vod must not be live-like")
	}
}

func TestIsRetryableAccessError(t *testing.T) {
	retryable := []string{
		"Sign in to confirm you're not a bot",
		"ERROR: No video formats found",
		"challenge solving failed",
	}
	for _, msg := range retryable {
		if !isRetryableAccessError(msg) {
			t.Fatalf("%q should be retryable", msg)
		}
	}
	if isRetryableAccessError("connection refused") {
		t.Fatalf("generic network errors rotate no client profiles")
	}
}

func TestPickLiveStartOrder(t *testing.T) {
	info := &ProbeInfo{ReleaseTimestamp: 200, Timestamp: 300}
	if got := info.PickLiveStart(); got == nil || got.Unix() != 200 {
		t.Fatalf("release timestamp should win over plain timestamp")
	}
	info = &ProbeInfo{LiveStartTimestamp: 100, ReleaseTimestamp: 200}
	if got := info.PickLiveStart(); got == nil || got.Unix() != 100 {
		t.Fatalf("live start timestamp should win")
	}
	if got := (&ProbeInfo{}).PickLiveStart(); got != nil {
		t.Fatalf("no timestamps should yield nil")
	}
}
