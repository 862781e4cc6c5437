package mqtt

import (
	"context"
	"sync"
	"time"

	"github.com/nugget/sage/internal/events"
)

// DailyActivity counts completed turns, performed operations, and
// model tokens since local midnight. It is safe for concurrent use.
type DailyActivity struct {
	mu         sync.Mutex
	turns      int64
	operations int64
	tokens     int64
	day        string
	loc        *time.Location
	now        func() time.Time
}

// NewDailyActivity creates a counter that rolls over at midnight in
// loc. A nil loc means time.Local.
func NewDailyActivity(loc *time.Location) *DailyActivity {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyActivity{loc: loc, now: time.Now}
	d.day = d.today()
	return d
}

func (d *DailyActivity) today() string {
	return d.now().In(d.loc).Format(time.DateOnly)
}

// Observe folds one bus event into the counters. Irrelevant kinds are
// ignored.
func (d *DailyActivity) Observe(e events.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rollover()

	switch e.Kind {
	case events.KindTurnComplete:
		d.turns++
		if ops, ok := e.Data["operations"].([]string); ok {
			d.operations += int64(len(ops))
		}
	case events.KindLLMResponse:
		d.tokens += asInt64(e.Data["tokens_in"]) + asInt64(e.Data["tokens_out"])
	}
}

// Snapshot returns today's totals.
func (d *DailyActivity) Snapshot() (turns, operations, tokens int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rollover()
	return d.turns, d.operations, d.tokens
}

// Watch feeds bus events into d until ctx is done.
func (d *DailyActivity) Watch(ctx context.Context, bus *events.Bus) {
	if bus == nil {
		return
	}
	ch := bus.Subscribe(64)
	defer bus.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			d.Observe(e)
		}
	}
}

// rollover zeroes the counters on a new local day. d.mu must be held.
func (d *DailyActivity) rollover() {
	if today := d.today(); today != d.day {
		d.turns, d.operations, d.tokens = 0, 0, 0
		d.day = today
	}
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	}
	return 0
}
