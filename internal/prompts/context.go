package prompts

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nugget/sage/internal/conversation"
	"github.com/nugget/sage/internal/garden"
)

// CollectionContext renders the live collection, recent history, and
// session notes as the block appended to the system prompt.
func CollectionContext(snap garden.Snapshot, history []conversation.Turn, hints conversation.Hints) (string, error) {
	sections := []struct {
		label string
		value any
	}{
		{"User's current plants", nonNil(snap.Plants)},
		{"Care schedules", nonNil(snap.Schedules)},
		{"Wishlist", nonNil(snap.Wishlist)},
		{"Recent conversation", nonNil(history)},
	}
	if !hints.IsZero() {
		sections = append(sections, struct {
			label string
			value any
		}{"Session notes", hints})
	}

	var sb strings.Builder
	for i, s := range sections {
		data, err := json.MarshalIndent(s.value, "", "  ")
		if err != nil {
			return "", fmt.Errorf("encode %s: %w", strings.ToLower(s.label), err)
		}
		if i > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "%s: %s", s.label, data)
	}
	return sb.String(), nil
}

// SystemMessage joins the fixed instructions with the context block.
func SystemMessage(snap garden.Snapshot, history []conversation.Turn, hints conversation.Hints) (string, error) {
	ctx, err := CollectionContext(snap, history, hints)
	if err != nil {
		return "", err
	}
	return BaseSystemPrompt() + "\n\n" + ctx, nil
}

// nonNil keeps empty collections rendering as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
