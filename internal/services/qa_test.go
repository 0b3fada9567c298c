package services

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/hubrts/youtube-command-deck/internal/types"
)

func TestQuestionKeywordsStemsAndStopwords(t *testing.T) {
	words := QuestionKeywords("What are the titles doing with this video?")
	for _, w := range words {
		if qaStopwords[w] {
			t.Fatalf("stopword %q leaked into keywords", w)
		}
	}
	found := false
	for _, w := range words {
		if w == "title" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected stem variant 'title' in %v", words)
	}
}

func TestVerifyEvidenceLines(t *testing.T) {
	transcript := "Title: T\nVideo ID: vid123abc45\nGenerated: x\n\n" +
		"[00:15] the revenue target is five thousand dollars\n" +
		"[00:30] we will hire two people\n"

	verified := VerifyEvidenceLines([]string{"the revenue target is five thousand dollars"}, transcript, 3)
	if len(verified) != 1 {
		t.Fatalf("expected 1 verified line, got %d", len(verified))
	}
	if verified[0] != "the revenue target is five thousand dollars" {
		t.Fatalf("unexpected verified line: %q", verified[0])
	}

	// Timestamp prefixes and case are normalized away.
	verified = VerifyEvidenceLines([]string{"[00:15] The Revenue TARGET is five thousand dollars"}, transcript, 3)
	if len(verified) != 1 {
		t.Fatalf("expected normalized match, got %d", len(verified))
	}

	// Fabricated evidence never verifies.
	verified = VerifyEvidenceLines([]string{"the revenue target is nine million euros"}, transcript, 3)
	if len(verified) != 0 {
		t.Fatalf("fabricated evidence must not verify, got %v", verified)
	}

	// Short fragments are rejected.
	verified = VerifyEvidenceLines([]string{"the"}, transcript, 3)
	if len(verified) != 0 {
		t.Fatalf("short evidence must not verify")
	}
}

func TestVerifyEvidenceGroundingProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	vocabulary := []string{"alpha", "bravo", "charlie", "delta", "echo", "foxtrot", "golf", "hotel"}
	for run := 0; run < 1000; run++ {
		var lines []string
		for i := 0; i < 5; i++ {
			w1 := vocabulary[rng.Intn(len(vocabulary))]
			w2 := vocabulary[rng.Intn(len(vocabulary))]
			lines = append(lines, fmt.Sprintf("[00:%02d] the %s spoke about %s today", i*10, w1, w2))
		}
		transcript := strings.Join(lines, "\n")
		evidence := []string{fmt.Sprintf("completely invented claim %d about zulu yankee", run)}
		if got := VerifyEvidenceLines(evidence, transcript, 3); len(got) != 0 {
			t.Fatalf("run %d: evidence absent from transcript verified: %v", run, got)
		}
	}
}

func TestCompactAnswer(t *testing.T) {
	short := "Five thousand dollars."
	if got := CompactAnswer(short); got != short {
		t.Fatalf("short answer should pass through, got %q", got)
	}
	long := strings.Repeat("many words here ", 40) + "end."
	got := CompactAnswer(long)
	if len(got) > 240 {
		t.Fatalf("compacted answer too long: %d chars", len(got))
	}
	if got := CompactAnswer("  spaced    out  "); got != "spaced out" {
		t.Fatalf("whitespace not collapsed: %q", got)
	}
}

func TestLexicalChunkScores(t *testing.T) {
	chunks := []types.Chunk{
		{Idx: 0, Text: "[00:00] talking about bakery revenue and growth"},
		{Idx: 1, Text: "[00:30] the weather is nice today"},
	}
	scores := lexicalChunkScores(chunks, "bakery revenue", queryPlan{})
	if scores[0] <= scores[1] {
		t.Fatalf("keyword-bearing chunk must outscore the other: %v", scores)
	}

	// Full-question substring bonus.
	withPhrase := lexicalChunkScores(chunks, "bakery revenue and growth", queryPlan{})
	if withPhrase[0] < scores[0] {
		t.Fatalf("phrase match should not lower the score")
	}
}

func TestChunkFocusBoost(t *testing.T) {
	if got := chunkFocusBoost(0, 10, "beginning"); got <= chunkFocusBoost(9, 10, "beginning") {
		t.Fatalf("beginning focus must favor early chunks")
	}
	if got := chunkFocusBoost(9, 10, "ending"); got != 0.25 {
		t.Fatalf("last chunk with ending focus should get full boost, got %f", got)
	}
	if got := chunkFocusBoost(5, 1, "ending"); got != 0 {
		t.Fatalf("single-chunk sets get no boost, got %f", got)
	}
	if got := chunkFocusBoost(3, 10, "any"); got != 0 {
		t.Fatalf("any focus adds nothing, got %f", got)
	}
}

func TestFallbackAnswerFromTranscript(t *testing.T) {
	transcript := "[00:10] the shop opens at nine in the morning\n" +
		"[00:20] we sell coffee and pastries\n"
	answer := FallbackAnswerFromTranscript("when does the shop open", transcript)
	if !strings.Contains(answer, "opens at nine") {
		t.Fatalf("fallback should pick the keyword line, got %q", answer)
	}
	if got := FallbackAnswerFromTranscript("quantum physics", transcript); got != "" {
		t.Fatalf("no keyword overlap should yield empty, got %q", got)
	}
}

func TestQACacheRoundTrip(t *testing.T) {
	rec := types.ArchiveRecord{}
	SaveQACacheEntry(rec, "What is the target?", "100:50", "Five thousand.", "local", "🖥️ Backend: local (m)")

	row := QACachedAnswer(rec, "  what IS the target?  ", "100:50")
	if row == nil {
		t.Fatalf("normalized question with matching stamp should hit")
	}
	if row["answer"] != "Five thousand." {
		t.Fatalf("unexpected cached answer: %v", row["answer"])
	}

	// Exact stamp equality is required: a rewritten transcript misses.
	if row := QACachedAnswer(rec, "What is the target?", "999:50"); row != nil {
		t.Fatalf("stale stamp must miss the cache")
	}
}

func TestQACacheReplacesAndTrims(t *testing.T) {
	rec := types.ArchiveRecord{}
	SaveQACacheEntry(rec, "q", "1:1", "first", "local", "")
	SaveQACacheEntry(rec, "q", "1:1", "second", "local", "")
	rows := rec.GetList(types.RecQACache)
	if len(rows) != 1 {
		t.Fatalf("same key+stamp must replace, got %d rows", len(rows))
	}
	row := QACachedAnswer(rec, "q", "1:1")
	if row == nil || row["answer"] != "second" {
		t.Fatalf("latest answer should win")
	}

	for i := 0; i < QACacheLimit+10; i++ {
		SaveQACacheEntry(rec, fmt.Sprintf("question %d", i), "1:1", "a", "local", "")
	}
	if got := len(rec.GetList(types.RecQACache)); got != QACacheLimit {
		t.Fatalf("cache must trim to %d entries, got %d", QACacheLimit, got)
	}
}

func TestQuestionCacheKey(t *testing.T) {
	if QuestionCacheKey("  What   IS  this? ") != "what is this?" {
		t.Fatalf("cache key must lower-case and collapse whitespace")
	}
}
