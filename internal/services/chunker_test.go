package services

import (
	"fmt"
	"strings"
	"testing"
)

func sampleTranscript(lines int) string {
	var sb strings.Builder
	sb.WriteString("Title: Sample\nVideo ID: vid123abc45\nGenerated: 2025-03-09\n\n")
	for i := 0; i < lines; i++ {
		sb.WriteString(fmt.Sprintf("[%02d:%02d] line number %d with some words\n", i/4, (i*15)%60, i))
	}
	return sb.String()
}

func TestBuildTranscriptChunksDeterminism(t *testing.T) {
	transcript := sampleTranscript(30)
	a := BuildTranscriptChunks(transcript, 8, 2)
	b := BuildTranscriptChunks(transcript, 8, 2)
	if len(a) == 0 {
		t.Fatalf("expected chunks")
	}
	if ChunkContentHash(a) != ChunkContentHash(b) {
		t.Fatalf("identical input produced different content hashes")
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("chunk %d differs across runs", i)
		}
	}
}

func TestBuildTranscriptChunksIndicesContiguous(t *testing.T) {
	chunks := BuildTranscriptChunks(sampleTranscript(25), 8, 2)
	for i, ch := range chunks {
		if ch.Idx != i {
			t.Fatalf("chunk %d has idx %d", i, ch.Idx)
		}
		if ch.EndTs < ch.StartTs {
			t.Fatalf("chunk %d end_ts %f before start_ts %f", i, ch.EndTs, ch.StartTs)
		}
		if strings.TrimSpace(ch.Text) == "" {
			t.Fatalf("chunk %d has empty text", i)
		}
	}
}

func TestBuildTranscriptChunksStride(t *testing.T) {
	// 20 lines, windows of 8 with 2 overlap → stride 6 → starts at 0, 6, 12, 18.
	chunks := BuildTranscriptChunks(sampleTranscript(20), 8, 2)
	if len(chunks) != 4 {
		t.Fatalf("expected 4 chunks, got %d", len(chunks))
	}
	firstLines := strings.Split(chunks[1].Text, "\n")
	if !strings.Contains(firstLines[0], "line number 6") {
		t.Fatalf("second chunk should start at segment 6, got %q", firstLines[0])
	}
}

func TestBuildTranscriptChunksMinimums(t *testing.T) {
	// per_chunk below 4 and negative overlap get clamped.
	chunks := BuildTranscriptChunks(sampleTranscript(8), 1, -5)
	if len(chunks) != 2 {
		t.Fatalf("expected clamped window of 4 lines → 2 chunks, got %d", len(chunks))
	}
}

func TestChunkContentHashChangesWithContent(t *testing.T) {
	a := BuildTranscriptChunks(sampleTranscript(20), 8, 2)
	b := BuildTranscriptChunks(sampleTranscript(21), 8, 2)
	if ChunkContentHash(a) == ChunkContentHash(b) {
		t.Fatalf("different chunk sets must hash differently")
	}
}

func TestBuildTranscriptChunksEmptyInput(t *testing.T) {
	if chunks := BuildTranscriptChunks("", 8, 2); len(chunks) != 0 {
		t.Fatalf("expected no chunks for empty transcript, got %d", len(chunks))
	}
}
