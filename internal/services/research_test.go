package services

import (
	"strings"
	"testing"
	"time"
)

func TestVideoPopularityScore(t *testing.T) {
	low := VideoPopularityScore(10, 0, 600, "")
	high := VideoPopularityScore(5_000_000, 100_000, 1200, time.Now().UTC().Format("20060102"))
	if high <= low {
		t.Fatalf("popular recent video must outscore obscure one: %f vs %f", high, low)
	}
	if high > 1.0 || low < 0.0 {
		t.Fatalf("scores must stay in [0,1]: %f %f", low, high)
	}

	// No upload date means the neutral recency prior.
	neutral := VideoPopularityScore(0, 0, 0, "")
	if neutral != 0.20*0.5 {
		t.Fatalf("zero video should score only the neutral recency term, got %f", neutral)
	}
}

func TestParseUploadDate(t *testing.T) {
	if got := parseUploadDate("20240115"); got == nil || got.Year() != 2024 || got.Month() != time.January {
		t.Fatalf("compact date parse failed: %v", got)
	}
	if got := parseUploadDate("2024-01-15T10:00:00Z"); got == nil || got.Day() != 15 {
		t.Fatalf("iso date parse failed: %v", got)
	}
	if got := parseUploadDate("nonsense"); got != nil {
		t.Fatalf("garbage must parse to nil, got %v", got)
	}
}

func TestBuildKnowledgeJuiceGoal(t *testing.T) {
	goal := BuildKnowledgeJuiceGoal("  artisan   bakery ")
	if !strings.HasPrefix(goal, "I want to become successful in artisan bakery.") {
		t.Fatalf("unexpected goal: %q", goal)
	}
	if BuildKnowledgeJuiceGoal("   ") != "" {
		t.Fatalf("empty topic must yield empty goal")
	}
}

func TestSearchSummaryText(t *testing.T) {
	stats := &SearchStats{
		QueryCount:    2,
		SeenTotal:     14,
		EligibleTotal: 5,
		CaptionsOnly:  true,
		FilteredWithoutCaptions: 9,
		QueryStats: []QueryStats{
			{Query: "bakery success story", Returned: 8},
			{Query: strings.Repeat("very long query ", 10), Returned: 6},
		},
	}
	summary := SearchSummaryText(stats, 4)
	if !strings.Contains(summary, "Searched 2 queries and got 14 results; 5 passed filters.") {
		t.Fatalf("missing headline: %q", summary)
	}
	if !strings.Contains(summary, "Fast mode removed 9 items") {
		t.Fatalf("missing captions-only note: %q", summary)
	}
	if !strings.Contains(summary, `"bakery success story"→8`) {
		t.Fatalf("missing per-query digest: %q", summary)
	}
	if !strings.Contains(summary, "...") {
		t.Fatalf("long queries should be truncated: %q", summary)
	}
}

func TestFactViewFromPayload(t *testing.T) {
	view := factViewFromPayload("vid123abcde", map[string]any{
		"is_owner_story": "yes",
		"confidence":     1.7,
		"business_model": "  subscription boxes  ",
	})
	if view.IsOwnerStory == nil || !*view.IsOwnerStory {
		t.Fatalf("'yes' must coerce to true")
	}
	if view.Confidence != 1.0 {
		t.Fatalf("confidence must clamp to 1.0, got %f", view.Confidence)
	}
	if view.BusinessModel != "subscription boxes" {
		t.Fatalf("business model not trimmed: %q", view.BusinessModel)
	}

	unknown := factViewFromPayload("vid123abcde", map[string]any{"is_owner_story": "unknown"})
	if unknown.IsOwnerStory != nil {
		t.Fatalf("'unknown' must stay nil")
	}
}
