// Package garden persists the plant collection: plants, their care
// schedules, and the wishlist. Every exported mutation runs in its own
// SQLite transaction, so a reader never observes half of an operation.
package garden

import (
	"errors"
	"time"

	"github.com/nugget/sage/internal/care"
)

// PlantStatus is the lifecycle state of a plant. The only transition
// is active → deceased.
type PlantStatus string

const (
	StatusActive   PlantStatus = "active"
	StatusDeceased PlantStatus = "deceased"
)

// TaskKind identifies a recurring care task.
type TaskKind string

const (
	TaskWatering    TaskKind = "watering"
	TaskFertilizing TaskKind = "fertilizing"
)

// Valid reports whether k is a known task kind.
func (k TaskKind) Valid() bool {
	return k == TaskWatering || k == TaskFertilizing
}

// UnknownLocation is reported for schedule entries whose plant has no
// location tag.
const UnknownLocation = "Unknown location"

// Sentinel errors. Callers map these to user-facing failure results;
// any other error from the store is an infrastructure failure.
var (
	ErrPlantNotFound     = errors.New("plant not found")
	ErrWishlistDuplicate = errors.New("already on wishlist")
	ErrWishlistNotFound  = errors.New("not found in wishlist")
	ErrWishlistNoKey     = errors.New("must provide either wishlist_id or name")
)

// Plant is one plant in the collection.
type Plant struct {
	ID        int64       `json:"id"`
	Name      string      `json:"name"`
	Species   string      `json:"species,omitempty"`
	Location  string      `json:"location,omitempty"`
	Notes     string      `json:"notes,omitempty"`
	Status    PlantStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
}

// NewPlant holds the fields supplied when adding a plant.
type NewPlant struct {
	Name     string
	Location string
	Species  string
	Notes    string
}

// Schedule is a stored care schedule row. There is at most one per
// (PlantID, Task).
type Schedule struct {
	ID            int64     `json:"id"`
	PlantID       int64     `json:"plant_id"`
	Task          TaskKind  `json:"task_type"`
	FrequencyDays int       `json:"frequency_days"`
	LastCompleted time.Time `json:"last_completed"`
}

// ScheduleEntry is a schedule joined with its plant and evaluated
// against a reference date. CurrentDate echoes that date so the reader
// never needs a clock of its own.
type ScheduleEntry struct {
	PlantID       int64       `json:"plant_id"`
	PlantName     string      `json:"plant_name"`
	Location      string      `json:"location"`
	Task          TaskKind    `json:"task_type"`
	FrequencyDays int         `json:"frequency_days"`
	LastCompleted time.Time   `json:"last_completed"`
	NextDueDate   string      `json:"next_due_date"`
	DaysUntil     int         `json:"days_until"`
	Status        care.Status `json:"status"`
	CurrentDate   string      `json:"current_date"`
}

// WishlistEntry is a plant the user would like to acquire.
type WishlistEntry struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ScheduleChange describes what UpdateCareSchedule did for one task.
type ScheduleChange struct {
	Task          TaskKind
	FrequencyDays int
	Created       bool // false means an existing row was overwritten
}

// Snapshot is a consistent read of the whole collection, in insertion
// order.
type Snapshot struct {
	Plants    []Plant         `json:"plants"`
	Schedules []Schedule      `json:"schedules"`
	Wishlist  []WishlistEntry `json:"wishlist"`
}
