package garden

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nugget/sage/internal/care"
)

// Store persists the plant collection in SQLite. All public methods are
// safe for concurrent use; the pool is limited to one connection so
// SQLite sees a single writer.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for created_at,
// last_completed, and schedule evaluation.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens the database at path with the named database/sql driver
// ("sqlite3" or "sqlite") and returns a migrated store. The caller must
// have imported the driver.
func Open(driver, path string, opts ...Option) (*Store, error) {
	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s, err := NewStore(db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an existing connection, running migrations on first use.
func NewStore(db *sql.DB, opts ...Option) (*Store, error) {
	db.SetMaxOpenConns(1)

	s := &Store{db: db, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate garden: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	PRAGMA foreign_keys = ON;

	CREATE TABLE IF NOT EXISTS plants (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		name       TEXT NOT NULL,
		species    TEXT NOT NULL DEFAULT '',
		location   TEXT NOT NULL DEFAULT '',
		notes      TEXT NOT NULL DEFAULT '',
		status     TEXT NOT NULL DEFAULT 'active',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS care_schedules (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		plant_id       INTEGER NOT NULL REFERENCES plants(id),
		task_type      TEXT NOT NULL,
		frequency_days INTEGER NOT NULL CHECK (frequency_days > 0),
		last_completed TEXT NOT NULL,
		UNIQUE (plant_id, task_type)
	);

	CREATE TABLE IF NOT EXISTS wishlist (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		name       TEXT NOT NULL,
		notes      TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_wishlist_name ON wishlist (LOWER(name));
	`
	_, err := s.db.Exec(schema)
	return err
}

// withTx runs fn in a transaction, committing on nil and rolling back
// otherwise.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

// AddPlant inserts an active plant. Names need not be unique.
func (s *Store) AddPlant(ctx context.Context, p NewPlant) (Plant, error) {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return Plant{}, errors.New("plant name is required")
	}

	created := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO plants (name, species, location, notes, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		name, p.Species, p.Location, p.Notes, StatusActive, formatTime(created),
	)
	if err != nil {
		return Plant{}, fmt.Errorf("insert plant: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Plant{}, fmt.Errorf("plant id: %w", err)
	}

	return Plant{
		ID:        id,
		Name:      name,
		Species:   p.Species,
		Location:  p.Location,
		Notes:     p.Notes,
		Status:    StatusActive,
		CreatedAt: created,
	}, nil
}

// GetPlant returns the plant with the given id, or ErrPlantNotFound.
func (s *Store) GetPlant(ctx context.Context, id int64) (Plant, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, species, location, notes, status, created_at
		 FROM plants WHERE id = ?`, id)
	p, err := scanPlant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Plant{}, ErrPlantNotFound
	}
	return p, err
}

// UpdateCareSchedule sets the watering and/or fertilizing frequency for
// an active plant. A nil or zero frequency leaves that task untouched;
// supplying neither is a successful no-op. Existing rows keep their
// last_completed; new rows start from now.
func (s *Store) UpdateCareSchedule(ctx context.Context, plantID int64, wateringDays, fertilizingDays *int) ([]ScheduleChange, error) {
	wanted := []struct {
		task TaskKind
		days *int
	}{
		{TaskWatering, wateringDays},
		{TaskFertilizing, fertilizingDays},
	}

	var changes []ScheduleChange
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var status PlantStatus
		err := tx.QueryRowContext(ctx, `SELECT status FROM plants WHERE id = ?`, plantID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) || status == StatusDeceased {
			return ErrPlantNotFound
		}
		if err != nil {
			return fmt.Errorf("lookup plant: %w", err)
		}

		for _, w := range wanted {
			if w.days == nil || *w.days == 0 {
				continue
			}
			if *w.days < 0 {
				return fmt.Errorf("%s frequency must be positive, got %d", w.task, *w.days)
			}

			res, err := tx.ExecContext(ctx,
				`UPDATE care_schedules SET frequency_days = ? WHERE plant_id = ? AND task_type = ?`,
				*w.days, plantID, w.task,
			)
			if err != nil {
				return fmt.Errorf("update %s schedule: %w", w.task, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("update %s schedule: %w", w.task, err)
			}
			if n > 0 {
				changes = append(changes, ScheduleChange{Task: w.task, FrequencyDays: *w.days})
				continue
			}

			if _, err := tx.ExecContext(ctx,
				`INSERT INTO care_schedules (plant_id, task_type, frequency_days, last_completed)
				 VALUES (?, ?, ?, ?)`,
				plantID, w.task, *w.days, formatTime(s.now()),
			); err != nil {
				return fmt.Errorf("insert %s schedule: %w", w.task, err)
			}
			changes = append(changes, ScheduleChange{Task: w.task, FrequencyDays: *w.days, Created: true})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changes, nil
}

// CompleteTask records that a care task was just performed, resetting
// its last_completed to now.
func (s *Store) CompleteTask(ctx context.Context, plantID int64, task TaskKind) error {
	if !task.Valid() {
		return fmt.Errorf("unknown task type %q", task)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE care_schedules SET last_completed = ?
		 WHERE plant_id = ? AND task_type = ?
		   AND plant_id IN (SELECT id FROM plants WHERE status = ?)`,
		formatTime(s.now()), plantID, task, StatusActive,
	)
	if err != nil {
		return fmt.Errorf("complete %s: %w", task, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete %s: %w", task, err)
	}
	if n == 0 {
		return ErrPlantNotFound
	}
	return nil
}

// CareSchedule returns every schedule of every active plant, evaluated
// against the store's clock.
func (s *Store) CareSchedule(ctx context.Context) ([]ScheduleEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT p.id, p.name, p.location, cs.task_type, cs.frequency_days, cs.last_completed
		 FROM plants p
		 JOIN care_schedules cs ON p.id = cs.plant_id
		 WHERE p.status = ?
		 ORDER BY cs.id`, StatusActive)
	if err != nil {
		return nil, fmt.Errorf("query schedule: %w", err)
	}
	defer rows.Close()

	now := s.now()
	today := now.Format(care.DateLayout)

	var entries []ScheduleEntry
	for rows.Next() {
		var e ScheduleEntry
		var last string
		if err := rows.Scan(&e.PlantID, &e.PlantName, &e.Location, &e.Task, &e.FrequencyDays, &last); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		lastCompleted, err := parseTime(last)
		if err != nil {
			return nil, err
		}
		e.LastCompleted = lastCompleted.In(now.Location())
		if e.Location == "" {
			e.Location = UnknownLocation
		}

		due := care.Evaluate(e.LastCompleted, e.FrequencyDays, now)
		e.NextDueDate = due.NextDue.Format(care.DateLayout)
		e.DaysUntil = due.DaysUntil
		e.Status = due.Status
		e.CurrentDate = today
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AddToWishlist adds name unless an entry with the same name, compared
// case-insensitively, already exists (ErrWishlistDuplicate).
func (s *Store) AddToWishlist(ctx context.Context, name, notes string) (WishlistEntry, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return WishlistEntry{}, errors.New("wishlist name is required")
	}

	entry := WishlistEntry{Name: name, Notes: notes, CreatedAt: s.now()}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var existing int64
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM wishlist WHERE LOWER(name) = LOWER(?)`, name,
		).Scan(&existing)
		if err == nil {
			return ErrWishlistDuplicate
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("lookup wishlist: %w", err)
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO wishlist (name, notes, created_at) VALUES (?, ?, ?)`,
			name, notes, formatTime(entry.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert wishlist: %w", err)
		}
		entry.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return WishlistEntry{}, err
	}
	return entry, nil
}

// RemoveFromWishlist deletes one entry, looked up by id when id is
// non-nil and otherwise by case-insensitive name. It returns the removed
// entry, ErrWishlistNotFound, or ErrWishlistNoKey when neither key is
// given.
func (s *Store) RemoveFromWishlist(ctx context.Context, id *int64, name string) (WishlistEntry, error) {
	name = strings.TrimSpace(name)
	if id == nil && name == "" {
		return WishlistEntry{}, ErrWishlistNoKey
	}

	var removed WishlistEntry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var row *sql.Row
		if id != nil {
			row = tx.QueryRowContext(ctx,
				`SELECT id, name, notes, created_at FROM wishlist WHERE id = ?`, *id)
		} else {
			row = tx.QueryRowContext(ctx,
				`SELECT id, name, notes, created_at FROM wishlist WHERE LOWER(name) = LOWER(?)`, name)
		}
		entry, err := scanWishlist(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrWishlistNotFound
		}
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM wishlist WHERE id = ?`, entry.ID); err != nil {
			return fmt.Errorf("delete wishlist: %w", err)
		}
		removed = entry
		return nil
	})
	return removed, err
}

// MarkDeceased moves a plant to deceased and deletes its schedules in
// the same transaction. Marking an already deceased plant succeeds.
func (s *Store) MarkDeceased(ctx context.Context, plantID int64) (Plant, error) {
	var plant Plant
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT id, name, species, location, notes, status, created_at
			 FROM plants WHERE id = ?`, plantID)
		p, err := scanPlant(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrPlantNotFound
		}
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE plants SET status = ? WHERE id = ?`, StatusDeceased, plantID,
		); err != nil {
			return fmt.Errorf("update plant status: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM care_schedules WHERE plant_id = ?`, plantID,
		); err != nil {
			return fmt.Errorf("delete schedules: %w", err)
		}

		p.Status = StatusDeceased
		plant = p
		return nil
	})
	return plant, err
}

// ListPlants returns all plants, active and deceased, in insertion order.
func (s *Store) ListPlants(ctx context.Context) ([]Plant, error) {
	return listPlants(ctx, s.db)
}

// ListSchedules returns all stored schedule rows in insertion order.
func (s *Store) ListSchedules(ctx context.Context) ([]Schedule, error) {
	return listSchedules(ctx, s.db)
}

// ListWishlist returns all wishlist entries in insertion order.
func (s *Store) ListWishlist(ctx context.Context) ([]WishlistEntry, error) {
	return listWishlist(ctx, s.db)
}

// Snapshot reads plants, schedules, and wishlist inside one read
// transaction.
func (s *Store) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if snap.Plants, err = listPlants(ctx, tx); err != nil {
			return err
		}
		if snap.Schedules, err = listSchedules(ctx, tx); err != nil {
			return err
		}
		snap.Wishlist, err = listWishlist(ctx, tx)
		return err
	})
	return snap, err
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPlant(sc scanner) (Plant, error) {
	var p Plant
	var created string
	if err := sc.Scan(&p.ID, &p.Name, &p.Species, &p.Location, &p.Notes, &p.Status, &created); err != nil {
		return Plant{}, err
	}
	t, err := parseTime(created)
	if err != nil {
		return Plant{}, err
	}
	p.CreatedAt = t
	return p, nil
}

func scanWishlist(sc scanner) (WishlistEntry, error) {
	var w WishlistEntry
	var created string
	if err := sc.Scan(&w.ID, &w.Name, &w.Notes, &created); err != nil {
		return WishlistEntry{}, err
	}
	t, err := parseTime(created)
	if err != nil {
		return WishlistEntry{}, err
	}
	w.CreatedAt = t
	return w, nil
}

func listPlants(ctx context.Context, q querier) ([]Plant, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, name, species, location, notes, status, created_at
		 FROM plants ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list plants: %w", err)
	}
	defer rows.Close()

	var plants []Plant
	for rows.Next() {
		p, err := scanPlant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan plant: %w", err)
		}
		plants = append(plants, p)
	}
	return plants, rows.Err()
}

func listSchedules(ctx context.Context, q querier) ([]Schedule, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, plant_id, task_type, frequency_days, last_completed
		 FROM care_schedules ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var schedules []Schedule
	for rows.Next() {
		var sc Schedule
		var last string
		if err := rows.Scan(&sc.ID, &sc.PlantID, &sc.Task, &sc.FrequencyDays, &last); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		t, err := parseTime(last)
		if err != nil {
			return nil, err
		}
		sc.LastCompleted = t
		schedules = append(schedules, sc)
	}
	return schedules, rows.Err()
}

func listWishlist(ctx context.Context, q querier) ([]WishlistEntry, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, name, notes, created_at FROM wishlist ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list wishlist: %w", err)
	}
	defer rows.Close()

	var entries []WishlistEntry
	for rows.Next() {
		w, err := scanWishlist(rows)
		if err != nil {
			return nil, fmt.Errorf("scan wishlist: %w", err)
		}
		entries = append(entries, w)
	}
	return entries, rows.Err()
}
