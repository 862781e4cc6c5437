// Package events is a small publish/subscribe bus for operational
// visibility. The agent loop and the API publish; the WebSocket
// handler and the MQTT publisher subscribe. Publish on a nil *Bus is a
// no-op so components never need guard checks.
package events

import (
	"sync"
	"time"
)

// Sources.
const (
	SourceAgent = "agent"
	SourceAPI   = "api"
	SourceMQTT  = "mqtt"
	SourceWatch = "connwatch"
)

// Kinds. Data keys are listed with each kind.
const (
	// KindTurnStart: trace_id, conversation_id.
	KindTurnStart = "turn_start"
	// KindLLMCall: trace_id, phase, model, attempt.
	KindLLMCall = "llm_call"
	// KindLLMResponse: trace_id, phase, model, tokens_in, tokens_out,
	// tool_calls, elapsed_ms.
	KindLLMResponse = "llm_response"
	// KindToolCall: trace_id, tool.
	KindToolCall = "tool_call"
	// KindToolDone: trace_id, tool, ok, duration_ms.
	KindToolDone = "tool_done"
	// KindTurnComplete: trace_id, conversation_id, operations,
	// elapsed_ms.
	KindTurnComplete = "turn_complete"
	// KindTurnFailed: trace_id, conversation_id, error.
	KindTurnFailed = "turn_failed"

	// KindCareRecorded: plant_id, task.
	KindCareRecorded = "care_recorded"
	// KindTelemetryPublished: sensors.
	KindTelemetryPublished = "telemetry_published"
	// KindProviderStatus: service, ready, error.
	KindProviderStatus = "provider_status"
)

// Event is one published occurrence.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus broadcasts events to buffered subscriber channels. A full
// subscriber misses events; publishers never block.
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Publish delivers e to every subscriber that has room.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit is shorthand for publishing a timestamped event.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel of future events. Call Unsubscribe when
// done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = ch
	return ch
}

// Unsubscribe removes and closes a subscription. Unknown channels are
// ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	send, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(send)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
