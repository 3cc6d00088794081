package aggregator

import (
	"time"

	"animecatalog/internal/domain"
)

const (
	EventEntryCreated    = "entry.created"
	EventSearchCompleted = "search.completed"
)

type Event struct {
	Type  string    `json:"type"`
	RunID string    `json:"runId,omitempty"`
	At    time.Time `json:"at"`
	Data  any       `json:"data"`
}

// EventSink receives catalog events. Publish must not block.
type EventSink interface {
	Publish(event Event)
}

type SearchCompleted struct {
	Query      string   `json:"query"`
	Subqueries int      `json:"subqueries"`
	Failed     int      `json:"failedSubqueries"`
	Added      int      `json:"added"`
	Attached   int      `json:"attached"`
	Skipped    int      `json:"skipped"`
	Errors     int      `json:"errors"`
	Entries    []uint64 `json:"entries"`
}

// EntryCreatedHook adapts a sink into the reconcile engine's creation callback.
func EntryCreatedHook(sink EventSink) func(domain.Entry) {
	if sink == nil {
		return nil
	}
	return func(entry domain.Entry) {
		sink.Publish(Event{Type: EventEntryCreated, At: time.Now().UTC(), Data: entry})
	}
}
