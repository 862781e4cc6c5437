package api

import (
	"errors"
	"net/http"
	"slices"
	"strconv"

	"github.com/nugget/sage/internal/events"
	"github.com/nugget/sage/internal/garden"
)

func (s *Server) handlePlants(w http.ResponseWriter, r *http.Request) {
	plants, err := s.store.ListPlants(r.Context())
	if err != nil {
		s.logger.Error("list plants failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list plants")
		return
	}
	if plants == nil {
		plants = []garden.Plant{}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"plants": plants}, s.logger)
}

// handleSchedule lists every care task of every active plant, most
// urgent first: overdue entries lead, then by days until due.
func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.CareSchedule(r.Context())
	if err != nil {
		s.logger.Error("care schedule failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to read care schedule")
		return
	}
	if entries == nil {
		entries = []garden.ScheduleEntry{}
	}
	slices.SortStableFunc(entries, func(a, b garden.ScheduleEntry) int {
		return a.DaysUntil - b.DaysUntil
	})

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"care_schedule": entries}, s.logger)
}

// handleWishlist lists wishlist entries newest first.
func (s *Server) handleWishlist(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListWishlist(r.Context())
	if err != nil {
		s.logger.Error("list wishlist failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list wishlist")
		return
	}
	if list == nil {
		list = []garden.WishlistEntry{}
	}
	slices.Reverse(list)

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"wishlist": list}, s.logger)
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid plant id")
		return
	}
	task := garden.TaskKind(r.PathValue("task"))
	if !task.Valid() {
		s.errorResponse(w, http.StatusBadRequest, "task must be watering or fertilizing")
		return
	}

	err = s.store.CompleteTask(r.Context(), id, task)
	if errors.Is(err, garden.ErrPlantNotFound) {
		s.errorResponse(w, http.StatusNotFound, "no "+string(task)+" schedule for that plant")
		return
	}
	if err != nil {
		s.logger.Error("complete task failed", "plant_id", id, "task", task, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to record care")
		return
	}

	s.bus.Emit(events.SourceAPI, events.KindCareRecorded, map[string]any{
		"plant_id": id,
		"task":     string(task),
	})
	s.logger.Info("care recorded", "plant_id", id, "task", task)

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"success": true}, s.logger)
}
