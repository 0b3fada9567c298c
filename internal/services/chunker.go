package services

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hubrts/youtube-command-deck/internal/types"
	"github.com/hubrts/youtube-command-deck/internal/utils"
)

// BuildTranscriptChunks slides a window of perChunk lines with the given
// overlap over the parsed transcript segments. Chunk indices are 0-based
// and contiguous; each chunk's text keeps the [mm:ss] prefixes.
func BuildTranscriptChunks(transcript string, perChunk, overlap int) []types.Chunk {
	if perChunk < 4 {
		perChunk = 4
	}
	if overlap < 0 {
		overlap = 0
	}
	stride := perChunk - overlap
	if stride < 1 {
		stride = 1
	}

	segments := SegmentsFromTranscriptText(transcript)
	if len(segments) == 0 {
		return nil
	}

	var chunks []types.Chunk
	idx := 0
	for start := 0; start < len(segments); start += stride {
		end := start + perChunk
		if end > len(segments) {
			end = len(segments)
		}
		window := segments[start:end]
		if len(window) == 0 {
			continue
		}
		firstTs := window[0].Start
		lastTs := window[len(window)-1].End

		var lines []string
		for _, seg := range window {
			text := strings.TrimSpace(seg.Text)
			if text == "" {
				continue
			}
			lines = append(lines, fmt.Sprintf("[%s] %s", utils.FormatTimestamp(seg.Start), text))
		}
		body := strings.TrimSpace(strings.Join(lines, "\n"))
		if body == "" {
			continue
		}
		endTs := lastTs
		if endTs < firstTs {
			endTs = firstTs
		}
		chunks = append(chunks, types.Chunk{
			Idx:     idx,
			StartTs: firstTs,
			EndTs:   endTs,
			Text:    body,
		})
		idx++
	}
	return chunks
}

// ChunkContentHash is the rebuild trigger for embeddings: SHA-256 over the
// canonical JSON of the chunk set. Field order is fixed by the struct, so
// identical chunk sets hash byte-identically across runs.
func ChunkContentHash(chunks []types.Chunk) string {
	payload, err := json.Marshal(chunks)
	if err != nil {
		return ""
	}
	return utils.SHA256Text(string(payload))
}

func ChunkSettings() (perChunk, overlap int) {
	perChunk = utils.GetEnvAsInt("VIDEO_QA_CHUNK_LINES", 8, nil)
	if perChunk < 4 {
		perChunk = 4
	}
	overlap = utils.GetEnvAsInt("VIDEO_QA_CHUNK_OVERLAP", 2, nil)
	if overlap < 0 {
		overlap = 0
	}
	return perChunk, overlap
}
