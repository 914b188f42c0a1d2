// Package events defines the progress event stream emitted by long-running
// budget operations.
//
// Every run produces a strictly ordered sequence of events ending in exactly
// one terminal event (complete, error, or session_expired). Consumers must
// treat the sequence, not any single event, as authoritative for final state.
package events

import "time"

// Stage tags an event with its pipeline position. Values are stable strings
// used both as SSE event names and as routing keys by consumers.
type Stage string

const (
	// Pipeline stages, in emission order.
	StageExtraction     Stage = "extraction"
	StageExtractionDone Stage = "extraction_done"
	StageLoadBase       Stage = "load_base"
	StageLoadBaseDone   Stage = "load_base_done"
	StageSearch         Stage = "search"
	StageSearchDone     Stage = "search_done"
	StagePricing        Stage = "pricing"
	StagePricingDone    Stage = "pricing_done"
	StageSynthesize     Stage = "synthesize"
	StageSynthesizeDone Stage = "synthesize_done"
	StagePersist        Stage = "persist"
	StagePersistDone    Stage = "persist_done"

	// Conversation stages.
	StageMessage         Stage = "message"
	StageQuestion        Stage = "question"
	StageConfirmDefaults Stage = "confirm_defaults"
	StageConfirmSummary  Stage = "confirm_summary"
	StageUnsupportedType Stage = "unsupported_type"

	// Terminal stages.
	StageComplete       Stage = "complete"
	StageError          Stage = "error"
	StageSessionExpired Stage = "session_expired"
)

// Event is one entry in a run's progress stream.
type Event struct {
	Stage     Stage          `json:"etapa"`
	Message   string         `json:"mensagem"`
	Progress  *float64       `json:"progresso,omitempty"`
	Data      map[string]any `json:"dados,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// New returns an event for stage with the given message, stamped now.
func New(stage Stage, message string) Event {
	return Event{Stage: stage, Message: message, Timestamp: time.Now().UTC()}
}

// WithProgress returns a copy of e carrying a progress fraction in [0, 1].
func (e Event) WithProgress(p float64) Event {
	e.Progress = &p
	return e
}

// WithData returns a copy of e carrying a structured payload.
func (e Event) WithData(data map[string]any) Event {
	e.Data = data
	return e
}

// Terminal reports whether e ends its run. No events may follow a terminal
// event.
func (e Event) Terminal() bool {
	switch e.Stage {
	case StageComplete, StageError, StageSessionExpired:
		return true
	}
	return false
}

// Sink receives events as a run progresses. Implementations must not block
// for long; slow consumers are the transport layer's problem, not the
// pipeline's.
type Sink func(Event)
