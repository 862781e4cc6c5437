package tools

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/nugget/sage/internal/llm"
)

// Operation is a decoded request for one catalogue entry. The set of
// implementations is closed; Executor.Run switches over all of them.
type Operation interface {
	// Name returns the wire name of the operation.
	Name() string
	isOperation()
}

// AddPlant adds a plant to the collection.
type AddPlant struct {
	PlantName string
	Location  string
	Species   string
	Notes     string
}

// UpdateCareSchedule sets watering and/or fertilizing frequencies.
// A nil frequency leaves that task untouched.
type UpdateCareSchedule struct {
	PlantID         int64
	WateringDays    *int
	FertilizingDays *int
}

// GetCareSchedule reads the evaluated schedule of every active plant.
type GetCareSchedule struct{}

// AddToWishlist adds a wishlist entry.
type AddToWishlist struct {
	PlantName string
	Notes     string
}

// RemoveFromWishlist removes a wishlist entry by id, or by name when no
// id is given.
type RemoveFromWishlist struct {
	WishlistID *int64
	PlantName  string
}

// MarkDeceased retires a plant and purges its schedules.
type MarkDeceased struct {
	PlantID int64
}

func (AddPlant) Name() string           { return NameAddPlant }
func (UpdateCareSchedule) Name() string { return NameUpdateCareSchedule }
func (GetCareSchedule) Name() string    { return NameGetCareSchedule }
func (AddToWishlist) Name() string      { return NameAddToWishlist }
func (RemoveFromWishlist) Name() string { return NameRemoveFromWishlist }
func (MarkDeceased) Name() string       { return NameMarkDeceased }

func (AddPlant) isOperation()           {}
func (UpdateCareSchedule) isOperation() {}
func (GetCareSchedule) isOperation()    {}
func (AddToWishlist) isOperation()      {}
func (RemoveFromWishlist) isOperation() {}
func (MarkDeceased) isOperation()       {}

// NormalizeArgs returns a copy of args with trailing colons stripped
// from every key. Some models emit keys like "name:". When several keys
// collapse to the same name, the one with the fewest colons wins.
func NormalizeArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	from := make(map[string]string, len(args))
	for k, v := range args {
		clean := strings.TrimRight(k, ":")
		if prev, ok := from[clean]; ok && len(prev) <= len(k) {
			continue
		}
		out[clean] = v
		from[clean] = k
	}
	return out
}

// Decode turns a model-supplied name and argument map into a typed
// Operation. Unknown names yield *UnknownOperationError; bad arguments
// yield *ArgumentError, as does an argument payload the provider could
// not parse. Keys not in the schema are ignored.
func Decode(name string, args map[string]any) (Operation, error) {
	a := argReader{op: name, args: NormalizeArgs(args)}
	if raw, ok := a.args[llm.RawArgumentsKey]; ok {
		// Reported for every known operation, even one without arguments.
		a.err = &ArgumentError{Operation: name, Field: "arguments", Reason: fmt.Sprintf("are malformed (not a JSON object): %.80v", raw)}
	}

	var op Operation
	switch name {
	case NameAddPlant:
		op = AddPlant{
			PlantName: a.requiredString("name"),
			Location:  a.optionalString("location"),
			Species:   a.optionalString("species"),
			Notes:     a.optionalString("notes"),
		}
	case NameUpdateCareSchedule:
		op = UpdateCareSchedule{
			PlantID:         a.requiredInt("plant_id"),
			WateringDays:    a.frequency("watering_days"),
			FertilizingDays: a.frequency("fertilizing_days"),
		}
	case NameGetCareSchedule:
		op = GetCareSchedule{}
	case NameAddToWishlist:
		op = AddToWishlist{
			PlantName: a.requiredString("name"),
			Notes:     a.optionalString("notes"),
		}
	case NameRemoveFromWishlist:
		op = RemoveFromWishlist{
			WishlistID: a.optionalInt("wishlist_id"),
			PlantName:  a.optionalString("name"),
		}
	case NameMarkDeceased:
		op = MarkDeceased{PlantID: a.requiredInt("plant_id")}
	default:
		return nil, &UnknownOperationError{Name: name}
	}

	if a.err != nil {
		return nil, a.err
	}
	return op, nil
}

// argReader pulls typed fields out of an argument map, keeping the
// first error it meets.
type argReader struct {
	op   string
	args map[string]any
	err  error
}

func (a *argReader) fail(field, reason string) {
	if a.err == nil {
		a.err = &ArgumentError{Operation: a.op, Field: field, Reason: reason}
	}
}

func (a *argReader) optionalString(key string) string {
	v, ok := a.args[key]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case float64, int, int64, json.Number:
		// Models occasionally send a bare number for a name.
		return fmt.Sprint(s)
	default:
		a.fail(key, "must be a string")
		return ""
	}
}

func (a *argReader) requiredString(key string) string {
	s := a.optionalString(key)
	if s == "" {
		a.fail(key, "is required")
	}
	return s
}

func (a *argReader) optionalInt(key string) *int64 {
	v, ok := a.args[key]
	if !ok || v == nil {
		return nil
	}
	if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
		return nil
	}
	n, ok := toInt(v)
	if !ok {
		a.fail(key, "must be an integer")
		return nil
	}
	return &n
}

func (a *argReader) requiredInt(key string) int64 {
	n := a.optionalInt(key)
	if n == nil {
		a.fail(key, "is required")
		return 0
	}
	return *n
}

// frequency reads a day count. Zero counts as absent; negative values
// are rejected.
func (a *argReader) frequency(key string) *int {
	n := a.optionalInt(key)
	if n == nil || *n == 0 {
		return nil
	}
	if *n < 0 {
		a.fail(key, "must be a positive number of days")
		return nil
	}
	if *n > math.MaxInt32 {
		a.fail(key, "is too large")
		return nil
	}
	days := int(*n)
	return &days
}

// toInt accepts JSON numbers that are whole, Go integers, and numeric
// strings.
func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || math.IsNaN(n) {
			return 0, false
		}
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}
