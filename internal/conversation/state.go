// Package conversation holds per-conversation turn history and the
// cross-turn hints that let the model resolve references like "water
// it every week" to the plant just added.
package conversation

import (
	"slices"
	"time"
)

// MaxHistory is the number of messages kept: three user/assistant
// exchanges.
const MaxHistory = 6

// Roles recorded in history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one recorded message.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Hints carry short-lived context between turns.
type Hints struct {
	LastAddedPlantID *int64 `json:"last_added_plant_id,omitempty"`
	LastPlantName    string `json:"last_plant_name,omitempty"`
	PendingCareSetup bool   `json:"pending_care_setup"`
	PendingCareTask  string `json:"pending_care_type,omitempty"`
}

// PlantAdded records a newly added plant and opens a care-setup offer
// for it.
func (h *Hints) PlantAdded(id int64, name string) {
	h.LastAddedPlantID = &id
	h.LastPlantName = name
	h.PendingCareSetup = true
}

// CareScheduled closes any pending care-setup offer.
func (h *Hints) CareScheduled() {
	h.PendingCareSetup = false
	h.PendingCareTask = ""
}

// IsZero reports whether no hint is set.
func (h Hints) IsZero() bool {
	return h.LastAddedPlantID == nil && h.LastPlantName == "" &&
		!h.PendingCareSetup && h.PendingCareTask == ""
}

// State is the mutable record of one conversation. It is not safe for
// concurrent use; Sessions serializes access.
type State struct {
	ID        string
	History   []Turn
	Hints     Hints
	UpdatedAt time.Time
}

// NewState returns an empty state for the given conversation id.
func NewState(id string) *State {
	return &State{ID: id}
}

// Append records a message and drops the oldest entries beyond
// MaxHistory.
func (s *State) Append(role, content string) {
	s.History = append(s.History, Turn{Role: role, Content: content})
	if over := len(s.History) - MaxHistory; over > 0 {
		s.History = slices.Clone(s.History[over:])
	}
}

// Clone returns a deep copy, so a turn can work on a scratch state and
// commit only on success.
func (s *State) Clone() *State {
	c := *s
	c.History = slices.Clone(s.History)
	if s.Hints.LastAddedPlantID != nil {
		id := *s.Hints.LastAddedPlantID
		c.Hints.LastAddedPlantID = &id
	}
	return &c
}

// Replace overwrites s with next in place. Used to commit a completed
// turn.
func (s *State) Replace(next *State) {
	*s = *next.Clone()
}
