package scheduler

// State is the high-level runtime status of the scheduler.
type State string

const (
	StateIdle       State = "idle"
	StateStreaming  State = "streaming"
	StateCompacting State = "compacting"
	StateRetrying   State = "retrying"
)

// Lifecycle event kinds published to the event sink.
const (
	EventTurnStart       = "turn_start"
	EventTurnEnd         = "turn_end"
	EventMessage         = "message"
	EventToolCall        = "tool_call"
	EventToolResultKind  = "tool_result"
	EventCompactionStart = "compaction_start"
	EventCompactionEnd   = "compaction_end"
	EventRetryStart      = "retry_start"
	EventRetryEnd        = "retry_end"
	EventAborted         = "aborted"
	EventNavigated       = "navigated"
)

// EventSink receives lifecycle events. Publishing must not block scheduling;
// implementations are expected to buffer or drop.
type EventSink interface {
	Publish(kind string, data map[string]any)
}

type nopSink struct{}

func (nopSink) Publish(string, map[string]any) {}
