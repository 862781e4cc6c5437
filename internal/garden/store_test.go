package garden

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nugget/sage/internal/care"
)

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time { return c.t }

func setupTestStore(t *testing.T) (*Store, *testClock) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	clock := &testClock{t: time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC)}
	store, err := NewStore(db, WithClock(clock.now))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store, clock
}

func intPtr(n int) *int { return &n }

func countSchedules(t *testing.T, s *Store, plantID int64, task TaskKind) int {
	t.Helper()
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM care_schedules WHERE plant_id = ? AND task_type = ?`,
		plantID, task,
	).Scan(&n)
	if err != nil {
		t.Fatalf("count schedules: %v", err)
	}
	return n
}

func TestStore_AddPlant(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	p, err := store.AddPlant(ctx, NewPlant{Name: "pothos", Location: "kitchen windowsill"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if p.ID == 0 {
		t.Error("expected non-zero id")
	}
	if p.Status != StatusActive {
		t.Errorf("status = %q, want active", p.Status)
	}

	// Names are not unique.
	p2, err := store.AddPlant(ctx, NewPlant{Name: "pothos"})
	if err != nil {
		t.Fatalf("add duplicate name: %v", err)
	}
	if p2.ID == p.ID {
		t.Error("second plant reused id")
	}

	got, err := store.GetPlant(ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Location != "kitchen windowsill" {
		t.Errorf("location = %q", got.Location)
	}
}

func TestStore_AddPlantRequiresName(t *testing.T) {
	store, _ := setupTestStore(t)
	if _, err := store.AddPlant(context.Background(), NewPlant{Name: "  "}); err == nil {
		t.Fatal("expected error for blank name")
	}
}

func TestStore_UpdateCareScheduleIdempotent(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	p, _ := store.AddPlant(ctx, NewPlant{Name: "fern"})

	changes, err := store.UpdateCareSchedule(ctx, p.ID, intPtr(7), nil)
	if err != nil {
		t.Fatalf("first update: %v", err)
	}
	if len(changes) != 1 || !changes[0].Created {
		t.Fatalf("first update changes = %+v", changes)
	}

	changes, err = store.UpdateCareSchedule(ctx, p.ID, intPtr(5), nil)
	if err != nil {
		t.Fatalf("second update: %v", err)
	}
	if len(changes) != 1 || changes[0].Created {
		t.Fatalf("second update changes = %+v", changes)
	}

	if n := countSchedules(t, store, p.ID, TaskWatering); n != 1 {
		t.Fatalf("watering rows = %d, want 1", n)
	}
	schedules, err := store.ListSchedules(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if schedules[0].FrequencyDays != 5 {
		t.Errorf("frequency = %d, want 5", schedules[0].FrequencyDays)
	}
}

func TestStore_UpdateCareScheduleKeepsLastCompleted(t *testing.T) {
	store, clock := setupTestStore(t)
	ctx := context.Background()

	p, _ := store.AddPlant(ctx, NewPlant{Name: "fern"})
	start := clock.t
	if _, err := store.UpdateCareSchedule(ctx, p.ID, intPtr(7), nil); err != nil {
		t.Fatalf("update: %v", err)
	}

	clock.t = start.Add(48 * time.Hour)
	if _, err := store.UpdateCareSchedule(ctx, p.ID, intPtr(3), nil); err != nil {
		t.Fatalf("update: %v", err)
	}

	schedules, _ := store.ListSchedules(ctx)
	if !schedules[0].LastCompleted.Equal(start) {
		t.Errorf("last_completed = %v, want %v", schedules[0].LastCompleted, start)
	}
}

func TestStore_UpdateCareScheduleNoFrequencies(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	p, _ := store.AddPlant(ctx, NewPlant{Name: "cactus"})

	tests := []struct {
		name        string
		water, feed *int
	}{
		{"both nil", nil, nil},
		{"both zero", intPtr(0), intPtr(0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			changes, err := store.UpdateCareSchedule(ctx, p.ID, tt.water, tt.feed)
			if err != nil {
				t.Fatalf("update: %v", err)
			}
			if len(changes) != 0 {
				t.Errorf("changes = %+v, want none", changes)
			}
		})
	}

	schedules, _ := store.ListSchedules(ctx)
	if len(schedules) != 0 {
		t.Errorf("schedules = %d, want 0", len(schedules))
	}
}

func TestStore_UpdateCareScheduleErrors(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.UpdateCareSchedule(ctx, 999, intPtr(7), nil); !errors.Is(err, ErrPlantNotFound) {
		t.Errorf("missing plant: err = %v, want ErrPlantNotFound", err)
	}

	p, _ := store.AddPlant(ctx, NewPlant{Name: "basil"})
	if _, err := store.UpdateCareSchedule(ctx, p.ID, intPtr(-2), nil); err == nil {
		t.Error("expected error for negative frequency")
	}
	if _, err := store.MarkDeceased(ctx, p.ID); err != nil {
		t.Fatalf("mark deceased: %v", err)
	}
	if _, err := store.UpdateCareSchedule(ctx, p.ID, intPtr(7), nil); !errors.Is(err, ErrPlantNotFound) {
		t.Errorf("deceased plant: err = %v, want ErrPlantNotFound", err)
	}
}

func TestStore_UpdateCareScheduleRollsBack(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	p, _ := store.AddPlant(ctx, NewPlant{Name: "mint"})
	// Watering is valid, fertilizing is not; neither may land.
	if _, err := store.UpdateCareSchedule(ctx, p.ID, intPtr(3), intPtr(-1)); err == nil {
		t.Fatal("expected error")
	}
	schedules, _ := store.ListSchedules(ctx)
	if len(schedules) != 0 {
		t.Errorf("schedules = %d, want 0 after rollback", len(schedules))
	}
}

func TestStore_CareScheduleOverdue(t *testing.T) {
	store, clock := setupTestStore(t)
	ctx := context.Background()

	now := clock.t
	clock.t = now.AddDate(0, 0, -10)
	p, _ := store.AddPlant(ctx, NewPlant{Name: "pothos"})
	if _, err := store.UpdateCareSchedule(ctx, p.ID, intPtr(7), nil); err != nil {
		t.Fatalf("update: %v", err)
	}
	clock.t = now

	entries, err := store.CareSchedule(ctx)
	if err != nil {
		t.Fatalf("care schedule: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.DaysUntil != -3 {
		t.Errorf("days_until = %d, want -3", e.DaysUntil)
	}
	if e.Status != care.StatusOverdue {
		t.Errorf("status = %q, want overdue", e.Status)
	}
	if e.NextDueDate != "2026-10-12" {
		t.Errorf("next_due_date = %q", e.NextDueDate)
	}
	if e.CurrentDate != "2026-10-15" {
		t.Errorf("current_date = %q", e.CurrentDate)
	}
	if e.Location != UnknownLocation {
		t.Errorf("location = %q, want %q", e.Location, UnknownLocation)
	}
}

func TestStore_AddToWishlistCaseInsensitive(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.AddToWishlist(ctx, "kumquat", ""); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := store.AddToWishlist(ctx, "Kumquat", "dwarf"); !errors.Is(err, ErrWishlistDuplicate) {
		t.Fatalf("err = %v, want ErrWishlistDuplicate", err)
	}

	entries, err := store.ListWishlist(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("entries = %d, want 1", len(entries))
	}
}

func TestStore_RemoveFromWishlist(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	k, _ := store.AddToWishlist(ctx, "kumquat", "")
	m, _ := store.AddToWishlist(ctx, "Monstera", "")

	removed, err := store.RemoveFromWishlist(ctx, nil, "Kumquat")
	if err != nil {
		t.Fatalf("remove by name: %v", err)
	}
	if removed.ID != k.ID || removed.Name != "kumquat" {
		t.Errorf("removed = %+v", removed)
	}

	if _, err := store.RemoveFromWishlist(ctx, &m.ID, ""); err != nil {
		t.Fatalf("remove by id: %v", err)
	}

	entries, _ := store.ListWishlist(ctx)
	if len(entries) != 0 {
		t.Errorf("entries = %d, want 0", len(entries))
	}
}

func TestStore_RemoveFromWishlistErrors(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	store.AddToWishlist(ctx, "olive", "")
	missing := int64(42)

	tests := []struct {
		name    string
		id      *int64
		key     string
		wantErr error
	}{
		{"no key", nil, "", ErrWishlistNoKey},
		{"unknown id", &missing, "", ErrWishlistNotFound},
		{"unknown name", nil, "fig", ErrWishlistNotFound},
		{"id wins over name", &missing, "olive", ErrWishlistNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.RemoveFromWishlist(ctx, tt.id, tt.key)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestStore_MarkDeceasedAtomic(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	p, _ := store.AddPlant(ctx, NewPlant{Name: "orchid", Location: "bathroom"})
	other, _ := store.AddPlant(ctx, NewPlant{Name: "palm"})
	store.UpdateCareSchedule(ctx, p.ID, intPtr(7), intPtr(30))
	store.UpdateCareSchedule(ctx, other.ID, intPtr(5), nil)

	got, err := store.MarkDeceased(ctx, p.ID)
	if err != nil {
		t.Fatalf("mark deceased: %v", err)
	}
	if got.Status != StatusDeceased {
		t.Errorf("status = %q", got.Status)
	}

	snap, err := store.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	for _, pl := range snap.Plants {
		if pl.ID == p.ID && pl.Status != StatusDeceased {
			t.Errorf("plant listing status = %q, want deceased", pl.Status)
		}
	}
	for _, sc := range snap.Schedules {
		if sc.PlantID == p.ID {
			t.Errorf("schedule %d still present for deceased plant", sc.ID)
		}
	}

	entries, _ := store.CareSchedule(ctx)
	if len(entries) != 1 || entries[0].PlantID != other.ID {
		t.Errorf("care schedule = %+v, want only the palm", entries)
	}

	// Repeating is harmless.
	if _, err := store.MarkDeceased(ctx, p.ID); err != nil {
		t.Errorf("second mark deceased: %v", err)
	}
	if _, err := store.MarkDeceased(ctx, 999); !errors.Is(err, ErrPlantNotFound) {
		t.Errorf("missing plant: err = %v", err)
	}
}

func TestStore_CompleteTask(t *testing.T) {
	store, clock := setupTestStore(t)
	ctx := context.Background()

	p, _ := store.AddPlant(ctx, NewPlant{Name: "ivy"})
	store.UpdateCareSchedule(ctx, p.ID, intPtr(7), nil)

	clock.t = clock.t.AddDate(0, 0, 9)
	if err := store.CompleteTask(ctx, p.ID, TaskWatering); err != nil {
		t.Fatalf("complete: %v", err)
	}

	entries, _ := store.CareSchedule(ctx)
	if entries[0].DaysUntil != 7 {
		t.Errorf("days_until = %d, want 7", entries[0].DaysUntil)
	}

	if err := store.CompleteTask(ctx, p.ID, TaskFertilizing); !errors.Is(err, ErrPlantNotFound) {
		t.Errorf("no fertilizing schedule: err = %v", err)
	}
	if err := store.CompleteTask(ctx, p.ID, "pruning"); err == nil {
		t.Error("expected error for unknown task")
	}
}

func TestStore_SnapshotOrder(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"a", "b", "c"} {
		if _, err := store.AddPlant(ctx, NewPlant{Name: name}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	snap, err := store.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Plants) != 3 || snap.Plants[0].Name != "a" || snap.Plants[2].Name != "c" {
		t.Errorf("plants = %+v", snap.Plants)
	}
}
