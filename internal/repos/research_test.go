package repos

import (
	"strings"
	"testing"

	"github.com/hubrts/youtube-command-deck/internal/types"
)

func TestNormalizeTopicTags(t *testing.T) {
	out := NormalizeTopicTags([]types.TopicTag{
		{Tag: "  Coffee  Shops ", Weight: 0.2},
		{Tag: "coffee shops", Weight: 0.9},
		{Tag: "Bakery", Weight: 0.5},
		{Tag: "", Weight: 1},
	})
	if len(out) != 2 {
		t.Fatalf("expected dedup to 2 tags, got %d: %v", len(out), out)
	}
	if out[0].Tag != "coffee shops" || out[0].Weight != 0.2 {
		t.Fatalf("first occurrence wins with its weight: %+v", out[0])
	}
	if out[1].Tag != "bakery" || out[1].Weight != 0.5 {
		t.Fatalf("unexpected second tag: %+v", out[1])
	}
}

func TestNormalizeTopicTagsClampsAndCaps(t *testing.T) {
	out := NormalizeTopicTags([]types.TopicTag{
		{Tag: "negative", Weight: -3},
		{Tag: "huge", Weight: 42},
		{Tag: strings.Repeat("x", 200), Weight: 0.5},
	})
	if out[0].Weight != 0 {
		t.Fatalf("weight must clamp to 0, got %f", out[0].Weight)
	}
	if out[1].Weight != 1 {
		t.Fatalf("weight must clamp to 1, got %f", out[1].Weight)
	}
	if len(out[2].Tag) != 120 {
		t.Fatalf("tag must cap at 120 chars, got %d", len(out[2].Tag))
	}
}

func TestCoerceOwnerStory(t *testing.T) {
	truthy := []any{true, 1.0, "yes", "owner_story", "Y"}
	for _, v := range truthy {
		got := coerceOwnerStory(v)
		if got == nil || !*got {
			t.Fatalf("%v must coerce true", v)
		}
	}
	falsy := []any{false, 0.0, "no", "0"}
	for _, v := range falsy {
		got := coerceOwnerStory(v)
		if got == nil || *got {
			t.Fatalf("%v must coerce false", v)
		}
	}
	for _, v := range []any{"unknown", nil, []any{}} {
		if got := coerceOwnerStory(v); got != nil {
			t.Fatalf("%v must stay nil", v)
		}
	}
}

func TestNormalizeTagList(t *testing.T) {
	out := normalizeTagList([]string{" Coffee ", "coffee", "", "tea  time"})
	if len(out) != 2 || out[0] != "coffee" || out[1] != "tea time" {
		t.Fatalf("unexpected normalization: %v", out)
	}
}
