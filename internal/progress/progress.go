// Package progress defines the progress callback shared by the runner, the
// orchestrator and the transports, plus the aggregator that tags sub-phase
// events with their phase.
package progress

import "sync"

// Event types emitted through a Sink
const (
	EventPhase         = "pipeline_phase"
	EventAssistantText = "assistant_text"
	EventToolUse       = "tool_use"
	EventToolResult    = "tool_result"
	EventCost          = "cost"
	EventStderr        = "stderr"
	EventWarning       = "warning"
	EventToolInstall   = "tool_install"
)

// Sink receives progress events. Data maps are owned by the receiver.
type Sink func(eventType string, data map[string]any)

// Emit calls s if it is non-nil
func (s Sink) Emit(eventType string, data map[string]any) {
	if s != nil {
		s(eventType, data)
	}
}

// Synchronized returns a sink that never runs s concurrently with itself
func Synchronized(s Sink) Sink {
	if s == nil {
		return nil
	}
	var mu sync.Mutex
	return func(eventType string, data map[string]any) {
		mu.Lock()
		defer mu.Unlock()
		s(eventType, data)
	}
}

// Tee fans every event out to each non-nil sink in order
func Tee(sinks ...Sink) Sink {
	var live []Sink
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	switch len(live) {
	case 0:
		return nil
	case 1:
		return live[0]
	}
	return func(eventType string, data map[string]any) {
		for _, s := range live {
			s(eventType, copyData(data))
		}
	}
}

// Aggregator tags events from sequential sub-phases with the phase name and
// re-emits them through one sink. It neither buffers nor drops.
type Aggregator struct {
	sink Sink
}

// NewAggregator wraps sink
func NewAggregator(sink Sink) *Aggregator {
	return &Aggregator{sink: sink}
}

// Phase emits a phase transition
func (a *Aggregator) Phase(name, description string) {
	a.sink.Emit(EventPhase, map[string]any{
		"phase":       name,
		"description": description,
	})
}

// Forward re-emits a sub-phase event annotated with the phase name. The
// name is set under both "phase" and "model"; older consumers read "model".
func (a *Aggregator) Forward(phase, eventType string, data map[string]any) {
	out := copyData(data)
	out["phase"] = phase
	out["model"] = phase
	a.sink.Emit(eventType, out)
}

// Emit passes an event through untagged
func (a *Aggregator) Emit(eventType string, data map[string]any) {
	a.sink.Emit(eventType, data)
}

// For returns a sink that forwards everything under phase
func (a *Aggregator) For(phase string) Sink {
	if a.sink == nil {
		return nil
	}
	return func(eventType string, data map[string]any) {
		a.Forward(phase, eventType, data)
	}
}

func copyData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data)+2)
	for k, v := range data {
		out[k] = v
	}
	return out
}
