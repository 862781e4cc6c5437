package mqtt

import (
	"fmt"
	"slices"

	"github.com/samber/lo"

	"github.com/nugget/sage/internal/care"
	"github.com/nugget/sage/internal/garden"
)

// Summary is one round of sensor values derived from the collection.
type Summary struct {
	ActivePlants int
	Overdue      int
	DueToday     int
	Wishlist     int
	Sessions     int

	// OverduePlants names plants with at least one overdue task, sorted
	// and without duplicates.
	OverduePlants []string
	// NextTask describes the most urgent task, or "none".
	NextTask string
}

// Summarize reduces the collection to sensor values. entries are the
// evaluated schedules of active plants.
func Summarize(plants []garden.Plant, entries []garden.ScheduleEntry, wishlist []garden.WishlistEntry, sessions int) Summary {
	s := Summary{
		ActivePlants: lo.CountBy(plants, func(p garden.Plant) bool {
			return p.Status == garden.StatusActive
		}),
		Overdue: lo.CountBy(entries, func(e garden.ScheduleEntry) bool {
			return e.Status == care.StatusOverdue
		}),
		DueToday: lo.CountBy(entries, func(e garden.ScheduleEntry) bool {
			return e.Status == care.StatusDueToday
		}),
		Wishlist: len(wishlist),
		Sessions: sessions,
		NextTask: "none",
	}

	overdue := lo.Filter(entries, func(e garden.ScheduleEntry, _ int) bool {
		return e.Status == care.StatusOverdue
	})
	s.OverduePlants = lo.Uniq(lo.Map(overdue, func(e garden.ScheduleEntry, _ int) string {
		return e.PlantName
	}))
	slices.Sort(s.OverduePlants)

	if len(entries) > 0 {
		next := lo.MinBy(entries, func(a, b garden.ScheduleEntry) bool {
			return a.DaysUntil < b.DaysUntil
		})
		s.NextTask = fmt.Sprintf("%s %s %s", next.PlantName, next.Task, next.NextDueDate)
	}
	return s
}

// states maps sensor entities to their published values.
func (s Summary) states() map[string]string {
	return map[string]string{
		entityActivePlants: fmt.Sprint(s.ActivePlants),
		entityOverdue:      fmt.Sprint(s.Overdue),
		entityDueToday:     fmt.Sprint(s.DueToday),
		entityWishlist:     fmt.Sprint(s.Wishlist),
		entitySessions:     fmt.Sprint(s.Sessions),
		entityNextTask:     s.NextTask,
	}
}
