// Package scheduler owns the turn lifecycle: prompt delivery, queued-message
// draining, tool execution, auto-compaction and retry of transient provider
// failures. All conversation state lives in the session tree; the scheduler
// only decides what happens next.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"pigo/internal/compact"
	"pigo/internal/hook"
	"pigo/internal/llm"
	"pigo/internal/tree"
)

const (
	defaultMaxTurns       = 50
	defaultMaxTokens      = 8192
	defaultContextWindow  = 200_000
	defaultReserveTokens  = 16_384
	defaultMaxRetries     = 3
	defaultBaseRetryDelay = time.Second
	defaultMaxRetryDelay  = 30 * time.Second
)

var (
	// ErrProviderRequired indicates a missing model provider.
	ErrProviderRequired = errors.New("provider is required")
	// ErrTreeRequired indicates a missing session tree.
	ErrTreeRequired = errors.New("session tree is required")
	// ErrSchedulerBusy indicates a prompt while a turn is in flight.
	ErrSchedulerBusy = errors.New("a turn is already in flight")
	// ErrSchedulerIdle indicates an operation that needs an in-flight turn.
	ErrSchedulerIdle = errors.New("no turn in flight")
	// ErrPromptRequired indicates an empty prompt.
	ErrPromptRequired = errors.New("prompt text is empty")
	// ErrMaxTurnsExceeded indicates the loop hit its turn limit.
	ErrMaxTurnsExceeded = errors.New("max turns exceeded")
)

// ToolExecutor runs model-requested tool calls.
type ToolExecutor interface {
	Specs() []llm.ToolSpec
	Execute(ctx context.Context, call llm.ToolCall) (llm.ToolResult, error)
}

// Config wires a scheduler.
type Config struct {
	Provider  llm.Provider
	Tree      *tree.Tree
	Compactor *compact.Engine
	Navigator *compact.Navigator
	Hooks     *hook.Registry
	Tools     ToolExecutor
	Events    EventSink
	Logger    *slog.Logger

	Model        string
	SystemPrompt string
	MaxTokens    int
	Thinking     llm.ThinkingLevel

	// ContextWindow and ReserveTokens drive proactive auto-compaction:
	// a turn whose estimated context exceeds window minus reserve compacts
	// before calling the model.
	ContextWindow  int
	ReserveTokens  int
	AutoCompaction bool

	AutoRetry      bool
	MaxRetries     int
	BaseRetryDelay time.Duration
	// MaxRetryDelay caps backoff. A provider-requested delay above it
	// fails the turn immediately instead of waiting.
	MaxRetryDelay time.Duration

	MaxTurns int

	SteerPolicy    QueuePolicy
	FollowUpPolicy QueuePolicy
	NextTurnPolicy QueuePolicy
}

// Scheduler coordinates turns over one session tree.
type Scheduler struct {
	provider  llm.Provider
	tree      *tree.Tree
	compactor *compact.Engine
	navigator *compact.Navigator
	hooks     *hook.Registry
	tools     ToolExecutor
	events    EventSink
	logger    *slog.Logger

	systemPrompt   string
	maxTokens      int
	contextWindow  int
	reserveTokens  int
	maxRetries     int
	baseRetryDelay time.Duration
	maxRetryDelay  time.Duration
	maxTurns       int

	steerPolicy    QueuePolicy
	followUpPolicy QueuePolicy
	nextTurnPolicy QueuePolicy

	mu             sync.Mutex
	state          State
	cancel         context.CancelFunc
	model          string
	thinking       llm.ThinkingLevel
	autoCompaction bool
	autoRetry      bool
	steerQueue     []string
	followUpQueue  []string
	nextTurnQueue  []string
	lastUsage      llm.Usage
}

// New constructs a scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Provider == nil {
		return nil, ErrProviderRequired
	}
	if cfg.Tree == nil {
		return nil, ErrTreeRequired
	}

	steerPolicy, err := normalizeQueuePolicy(cfg.SteerPolicy)
	if err != nil {
		return nil, fmt.Errorf("configure steer policy: %w", err)
	}
	followUpPolicy, err := normalizeQueuePolicy(cfg.FollowUpPolicy)
	if err != nil {
		return nil, fmt.Errorf("configure follow-up policy: %w", err)
	}
	nextTurnPolicy, err := normalizeQueuePolicy(cfg.NextTurnPolicy)
	if err != nil {
		return nil, fmt.Errorf("configure next-turn policy: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	events := cfg.Events
	if events == nil {
		events = nopSink{}
	}

	s := &Scheduler{
		provider:       cfg.Provider,
		tree:           cfg.Tree,
		compactor:      cfg.Compactor,
		navigator:      cfg.Navigator,
		hooks:          cfg.Hooks,
		tools:          cfg.Tools,
		events:         events,
		logger:         logger,
		systemPrompt:   cfg.SystemPrompt,
		maxTokens:      cfg.MaxTokens,
		contextWindow:  cfg.ContextWindow,
		reserveTokens:  cfg.ReserveTokens,
		maxRetries:     cfg.MaxRetries,
		baseRetryDelay: cfg.BaseRetryDelay,
		maxRetryDelay:  cfg.MaxRetryDelay,
		maxTurns:       cfg.MaxTurns,
		steerPolicy:    steerPolicy,
		followUpPolicy: followUpPolicy,
		nextTurnPolicy: nextTurnPolicy,
		state:          StateIdle,
		model:          cfg.Model,
		thinking:       cfg.Thinking,
		autoCompaction: cfg.AutoCompaction,
		autoRetry:      cfg.AutoRetry,
	}
	if s.maxTokens <= 0 {
		s.maxTokens = defaultMaxTokens
	}
	if s.contextWindow <= 0 {
		s.contextWindow = defaultContextWindow
	}
	if s.reserveTokens <= 0 {
		s.reserveTokens = defaultReserveTokens
	}
	if s.maxRetries <= 0 {
		s.maxRetries = defaultMaxRetries
	}
	if s.baseRetryDelay <= 0 {
		s.baseRetryDelay = defaultBaseRetryDelay
	}
	if s.maxRetryDelay <= 0 {
		s.maxRetryDelay = defaultMaxRetryDelay
	}
	if s.maxTurns <= 0 {
		s.maxTurns = defaultMaxTurns
	}
	return s, nil
}

// State returns the current scheduler state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Model returns the active model id.
func (s *Scheduler) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// ThinkingLevel returns the active thinking level.
func (s *Scheduler) ThinkingLevel() llm.ThinkingLevel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.thinking
}

// Prompt starts a new turn with the given user text. Messages queued with
// ModeNextTurn are folded in as context first. Returns ErrSchedulerBusy
// while a turn is in flight; use Queue to feed a running turn.
func (s *Scheduler) Prompt(ctx context.Context, text string) (<-chan llm.Event, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrPromptRequired
	}

	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return nil, ErrSchedulerBusy
	}
	nextTurn := s.nextTurnQueue
	s.nextTurnQueue = nil
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.state = StateStreaming
	s.mu.Unlock()

	// Next-turn context rides in silently before the prompt itself.
	for _, queued := range nextTurn {
		if err := s.appendUserEntry(queued); err != nil {
			cancel()
			s.finishTurn()
			return nil, err
		}
	}
	if err := s.appendUserEntry(text); err != nil {
		cancel()
		s.finishTurn()
		return nil, err
	}

	out := make(chan llm.Event, 1)
	forwarded := make(chan llm.Event)
	forwardDone := make(chan struct{})
	go func() {
		defer close(forwardDone)
		forwardEvents(forwarded, out)
	}()

	s.events.Publish(EventTurnStart, map[string]any{"prompt": text})
	go func() {
		err := s.runTurns(runCtx, forwarded)
		if err != nil {
			reason := llm.StopReasonError
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				reason = llm.StopReasonAborted
			}
			forwarded <- llm.Event{
				Type: llm.EventError,
				Done: &llm.DonePayload{Reason: reason},
				Err:  err,
			}
		}
		close(forwarded)
		<-forwardDone
		close(out)
		cancel()
		s.events.Publish(EventTurnEnd, map[string]any{"error": errString(err)})
		s.finishTurn()
	}()

	return out, nil
}

// Queue enqueues a user message for later delivery.
func (s *Scheduler) Queue(text string, mode DeliveryMode) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyQueuedMessage
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch mode {
	case ModeSteer:
		s.steerQueue = append(s.steerQueue, text)
	case ModeFollowUp:
		s.followUpQueue = append(s.followUpQueue, text)
	case ModeNextTurn:
		s.nextTurnQueue = append(s.nextTurnQueue, text)
	default:
		return fmt.Errorf("%w: %q", ErrInvalidDeliveryMode, mode)
	}
	return nil
}

// QueuedMessages returns a snapshot of all pending queued messages.
func (s *Scheduler) QueuedMessages() []QueuedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]QueuedMessage, 0, len(s.steerQueue)+len(s.followUpQueue)+len(s.nextTurnQueue))
	for _, text := range s.steerQueue {
		out = append(out, QueuedMessage{Text: text, Mode: ModeSteer})
	}
	for _, text := range s.followUpQueue {
		out = append(out, QueuedMessage{Text: text, Mode: ModeFollowUp})
	}
	for _, text := range s.nextTurnQueue {
		out = append(out, QueuedMessage{Text: text, Mode: ModeNextTurn})
	}
	return out
}

// Abort cancels the in-flight turn, if any. Queued user messages survive;
// aborting an idle scheduler is a no-op.
func (s *Scheduler) Abort() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		s.events.Publish(EventAborted, nil)
	}
}

// Compact runs one manual compaction. Only valid while idle.
func (s *Scheduler) Compact(ctx context.Context) (*compact.Result, error) {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return nil, ErrSchedulerBusy
	}
	if s.compactor == nil {
		s.mu.Unlock()
		return nil, compact.ErrSummarizerRequired
	}
	s.state = StateCompacting
	s.mu.Unlock()
	defer s.setState(StateIdle)

	return s.runCompaction(ctx, "manual")
}

// Navigate repositions the leaf, summarizing abandoned work. Idle only; the
// scheduler holds StateCompacting for the whole navigation so no concurrent
// prompt can mutate the tree while the navigator is mid-flight.
func (s *Scheduler) Navigate(ctx context.Context, targetID string) (*compact.NavResult, error) {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return nil, ErrSchedulerBusy
	}
	if s.navigator == nil {
		s.mu.Unlock()
		return nil, compact.ErrSummarizerRequired
	}
	s.state = StateCompacting
	s.mu.Unlock()
	defer s.setState(StateIdle)

	result, err := s.navigator.Navigate(ctx, s.tree, targetID)
	if err != nil {
		return nil, err
	}
	s.events.Publish(EventNavigated, map[string]any{
		"position": result.Position,
		"summary":  result.SummaryEntryID,
	})
	return result, nil
}

// SetModel switches the active model and records the change on the branch.
func (s *Scheduler) SetModel(model string) error {
	model = strings.TrimSpace(model)
	if model == "" {
		return errors.New("model id is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return ErrSchedulerBusy
	}
	// The append happens under the state lock so a racing prompt cannot
	// start mutating the tree before the change entry is committed.
	if _, err := s.tree.Append(tree.Entry{
		Kind:        tree.KindModelChange,
		ModelChange: &tree.ModelChangePayload{Model: model},
	}); err != nil {
		return err
	}
	s.model = model
	return nil
}

// SetThinkingLevel switches the thinking level and records the change.
func (s *Scheduler) SetThinkingLevel(level llm.ThinkingLevel) error {
	switch level {
	case llm.ThinkingOff, llm.ThinkingLow, llm.ThinkingMedium, llm.ThinkingHigh:
	default:
		return fmt.Errorf("invalid thinking level %q", level)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return ErrSchedulerBusy
	}
	if _, err := s.tree.Append(tree.Entry{
		Kind:           tree.KindThinkingLevelChange,
		ThinkingChange: &tree.ThinkingChangePayload{Level: level},
	}); err != nil {
		return err
	}
	s.thinking = level
	return nil
}

// SetAutoCompaction toggles proactive and overflow-recovery compaction.
func (s *Scheduler) SetAutoCompaction(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoCompaction = enabled
}

// SetAutoRetry toggles automatic retry of transient provider errors.
func (s *Scheduler) SetAutoRetry(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoRetry = enabled
}

func (s *Scheduler) appendUserEntry(text string) error {
	_, err := s.tree.Append(tree.Entry{
		Kind: tree.KindMessage,
		Message: &tree.MessagePayload{
			Role:    tree.RoleUser,
			Content: []llm.ContentBlock{{Type: llm.ContentTypeText, Text: text}},
		},
	})
	if err != nil {
		return fmt.Errorf("append user entry: %w", err)
	}
	s.events.Publish(EventMessage, map[string]any{"role": "user", "text": text})
	return nil
}

func (s *Scheduler) setState(next State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = next
}

func (s *Scheduler) finishTurn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel = nil
	s.state = StateIdle
}

func (s *Scheduler) drainSteer() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return drainQueue(&s.steerQueue, s.steerPolicy)
}

func (s *Scheduler) drainFollowUp() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return drainQueue(&s.followUpQueue, s.followUpPolicy)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
