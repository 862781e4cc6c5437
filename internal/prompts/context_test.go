package prompts

import (
	"strings"
	"testing"
	"time"

	"github.com/nugget/sage/internal/conversation"
	"github.com/nugget/sage/internal/garden"
)

func TestCollectionContext_Empty(t *testing.T) {
	got, err := CollectionContext(garden.Snapshot{}, nil, conversation.Hints{})
	if err != nil {
		t.Fatalf("context: %v", err)
	}
	want := "User's current plants: []\nCare schedules: []\nWishlist: []\nRecent conversation: []"
	if got != want {
		t.Errorf("got:\n%s\nwant:\n%s", got, want)
	}
}

func TestCollectionContext_WithData(t *testing.T) {
	created := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	snap := garden.Snapshot{
		Plants:    []garden.Plant{{ID: 1, Name: "pothos", Location: "kitchen windowsill", Status: garden.StatusActive, CreatedAt: created}},
		Schedules: []garden.Schedule{{ID: 1, PlantID: 1, Task: garden.TaskWatering, FrequencyDays: 7, LastCompleted: created}},
		Wishlist:  []garden.WishlistEntry{{ID: 1, Name: "kumquat", CreatedAt: created}},
	}
	history := []conversation.Turn{{Role: "user", Content: "add a pothos"}}
	var hints conversation.Hints
	hints.PlantAdded(1, "pothos")

	got, err := CollectionContext(snap, history, hints)
	if err != nil {
		t.Fatalf("context: %v", err)
	}

	for _, want := range []string{
		`"name": "pothos"`,
		`"location": "kitchen windowsill"`,
		`"task_type": "watering"`,
		`"name": "kumquat"`,
		`"content": "add a pothos"`,
		"Session notes:",
		`"pending_care_setup": true`,
		`"last_added_plant_id": 1`,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("context missing %q:\n%s", want, got)
		}
	}

	order := []string{"User's current plants:", "Care schedules:", "Wishlist:", "Recent conversation:", "Session notes:"}
	last := -1
	for _, label := range order {
		idx := strings.Index(got, label)
		if idx <= last {
			t.Errorf("%q out of order", label)
		}
		last = idx
	}
}

func TestSystemMessage(t *testing.T) {
	got, err := SystemMessage(garden.Snapshot{}, nil, conversation.Hints{})
	if err != nil {
		t.Fatalf("system message: %v", err)
	}
	if !strings.HasPrefix(got, "You are Sage") {
		t.Errorf("prompt should open with the persona: %.40q", got)
	}
	if !strings.Contains(got, "\n\nUser's current plants: []") {
		t.Error("context block not appended")
	}
	if strings.Contains(got, "Session notes") {
		t.Error("empty hints should be omitted")
	}
}

func TestBaseSystemPrompt_MentionsTools(t *testing.T) {
	p := BaseSystemPrompt()
	for _, tool := range []string{"get_care_schedule", "update_care_schedule", "days_until"} {
		if !strings.Contains(p, tool) {
			t.Errorf("prompt does not mention %s", tool)
		}
	}
}
