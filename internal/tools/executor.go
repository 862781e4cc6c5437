package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/sage/internal/garden"
)

// Backend is the store surface the executor needs. *garden.Store
// satisfies it.
type Backend interface {
	AddPlant(ctx context.Context, p garden.NewPlant) (garden.Plant, error)
	UpdateCareSchedule(ctx context.Context, plantID int64, wateringDays, fertilizingDays *int) ([]garden.ScheduleChange, error)
	CareSchedule(ctx context.Context) ([]garden.ScheduleEntry, error)
	AddToWishlist(ctx context.Context, name, notes string) (garden.WishlistEntry, error)
	RemoveFromWishlist(ctx context.Context, id *int64, name string) (garden.WishlistEntry, error)
	MarkDeceased(ctx context.Context, plantID int64) (garden.Plant, error)
}

// Result is the JSON object fed back to the model for one operation.
type Result map[string]any

// Succeeded reports whether the result carries success: true.
func (r Result) Succeeded() bool {
	ok, _ := r["success"].(bool)
	return ok
}

// JSON encodes the result for a tool message.
func (r Result) JSON() string {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf(`{"error":%q}`, "encode result: "+err.Error())
	}
	return string(data)
}

func failure(msg string) Result {
	return Result{"success": false, "message": msg}
}

func errorResult(err error) Result {
	var unknown *UnknownOperationError
	if errors.As(err, &unknown) {
		return Result{"error": "Unknown tool: " + unknown.Name}
	}
	return Result{"error": "Tool execution failed: " + err.Error()}
}

// Call is the outcome of one requested operation.
type Call struct {
	Name      string
	Operation Operation // nil when decoding failed
	Result    Result
	Duration  time.Duration
}

// Executor runs decoded operations against a Backend.
type Executor struct {
	backend Backend
	logger  *slog.Logger
}

// NewExecutor creates an executor. A nil logger falls back to
// slog.Default().
func NewExecutor(backend Backend, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{backend: backend, logger: logger}
}

// Execute decodes and runs one model-requested call. Argument and
// unknown-name problems come back as an error Result; the returned
// error is reserved for infrastructure failures that must end the turn.
func (e *Executor) Execute(ctx context.Context, name string, args map[string]any) (Call, error) {
	start := time.Now()
	call := Call{Name: name}

	op, err := Decode(name, args)
	if err != nil {
		e.logger.Warn("tool call rejected", "tool", name, "error", err)
		call.Result = errorResult(err)
		call.Duration = time.Since(start)
		return call, nil
	}
	call.Operation = op

	res, err := e.Run(ctx, op)
	call.Duration = time.Since(start)
	if err != nil {
		return call, err
	}
	call.Result = res

	e.logger.Info("tool executed",
		"tool", name,
		"ok", res["error"] == nil,
		"elapsed", call.Duration.Round(time.Millisecond),
	)
	return call, nil
}

// Run executes a decoded operation.
func (e *Executor) Run(ctx context.Context, op Operation) (Result, error) {
	switch op := op.(type) {
	case AddPlant:
		return e.addPlant(ctx, op)
	case UpdateCareSchedule:
		return e.updateCareSchedule(ctx, op)
	case GetCareSchedule:
		return e.getCareSchedule(ctx)
	case AddToWishlist:
		return e.addToWishlist(ctx, op)
	case RemoveFromWishlist:
		return e.removeFromWishlist(ctx, op)
	case MarkDeceased:
		return e.markDeceased(ctx, op)
	default:
		return nil, fmt.Errorf("unhandled operation %T", op)
	}
}

func (e *Executor) addPlant(ctx context.Context, op AddPlant) (Result, error) {
	p, err := e.backend.AddPlant(ctx, garden.NewPlant{
		Name:     op.PlantName,
		Location: op.Location,
		Species:  op.Species,
		Notes:    op.Notes,
	})
	if err != nil {
		return nil, fmt.Errorf("add plant: %w", err)
	}
	return Result{
		"success":  true,
		"plant_id": p.ID,
		"message":  fmt.Sprintf("Added %s to your collection", p.Name),
	}, nil
}

func (e *Executor) updateCareSchedule(ctx context.Context, op UpdateCareSchedule) (Result, error) {
	changes, err := e.backend.UpdateCareSchedule(ctx, op.PlantID, op.WateringDays, op.FertilizingDays)
	if errors.Is(err, garden.ErrPlantNotFound) {
		return failure(fmt.Sprintf("Plant %d not found", op.PlantID)), nil
	}
	if err != nil {
		return nil, fmt.Errorf("update care schedule: %w", err)
	}

	updated := make([]string, 0, len(changes))
	for _, c := range changes {
		updated = append(updated, string(c.Task))
	}
	return Result{
		"success": true,
		"message": "Care schedule updated",
		"updated": updated,
	}, nil
}

func (e *Executor) getCareSchedule(ctx context.Context) (Result, error) {
	entries, err := e.backend.CareSchedule(ctx)
	if err != nil {
		return nil, fmt.Errorf("get care schedule: %w", err)
	}
	if entries == nil {
		entries = []garden.ScheduleEntry{}
	}
	return Result{"care_schedule": entries}, nil
}

func (e *Executor) addToWishlist(ctx context.Context, op AddToWishlist) (Result, error) {
	w, err := e.backend.AddToWishlist(ctx, op.PlantName, op.Notes)
	if errors.Is(err, garden.ErrWishlistDuplicate) {
		return failure(fmt.Sprintf("%s is already on your wishlist", op.PlantName)), nil
	}
	if err != nil {
		return nil, fmt.Errorf("add to wishlist: %w", err)
	}
	return Result{
		"success":     true,
		"wishlist_id": w.ID,
		"message":     fmt.Sprintf("Added %s to your wishlist", w.Name),
	}, nil
}

func (e *Executor) removeFromWishlist(ctx context.Context, op RemoveFromWishlist) (Result, error) {
	w, err := e.backend.RemoveFromWishlist(ctx, op.WishlistID, op.PlantName)
	switch {
	case errors.Is(err, garden.ErrWishlistNoKey):
		return failure("Must provide either wishlist_id or name"), nil
	case errors.Is(err, garden.ErrWishlistNotFound):
		if op.WishlistID != nil {
			return failure("Plant not found in wishlist"), nil
		}
		return failure(fmt.Sprintf("%s not found in wishlist", op.PlantName)), nil
	case err != nil:
		return nil, fmt.Errorf("remove from wishlist: %w", err)
	}
	return Result{
		"success": true,
		"message": fmt.Sprintf("Removed %s from your wishlist", w.Name),
	}, nil
}

func (e *Executor) markDeceased(ctx context.Context, op MarkDeceased) (Result, error) {
	_, err := e.backend.MarkDeceased(ctx, op.PlantID)
	if errors.Is(err, garden.ErrPlantNotFound) {
		return failure(fmt.Sprintf("Plant %d not found", op.PlantID)), nil
	}
	if err != nil {
		return nil, fmt.Errorf("mark plant dead: %w", err)
	}
	return Result{
		"success": true,
		"message": "Plant marked as dead and care schedules removed",
	}, nil
}
