package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"pigo/internal/compact"
	"pigo/internal/llm"
	"pigo/internal/tree"
)

const (
	maxToolResultContentLen = 10_000
	toolResultHeadLen       = 4_000
	toolResultTailLen       = 4_000
	toolResultTruncateMark  = "\n...[truncated]...\n"

	skippedToolCallMessage = "Skipped due to queued user message."
	blockedToolCallMessage = "Result blocked by extension hook."

	forwardFlushWait = 50 * time.Millisecond
)

// runTurns drives one prompt to completion: stream, execute tools, deliver
// queued messages, repeat until the model stops with nothing pending.
func (s *Scheduler) runTurns(ctx context.Context, out chan<- llm.Event) error {
	for turn := 0; turn < s.maxTurns; turn++ {
		if err := s.maybeAutoCompact(ctx); err != nil {
			return err
		}

		messages, err := s.tree.BuildContext(s.tree.Leaf())
		if err != nil {
			return err
		}
		if s.hooks != nil {
			messages = s.hooks.RunBeforeModelCall(ctx, messages)
		}

		assistant, done, streamErr := s.streamModel(ctx, messages, out)

		// A partial assistant message survives an abort; it is real history.
		if assistant != nil {
			if err := s.appendAssistantEntry(assistant, done); err != nil {
				return err
			}
		}
		if streamErr != nil {
			return streamErr
		}

		if done != nil && done.Reason == llm.StopReasonToolUse &&
			s.tools != nil && assistant != nil && len(assistant.ToolCalls) > 0 {
			if err := s.executeToolCalls(ctx, assistant.ToolCalls, out); err != nil {
				return err
			}
			continue
		}

		if steer := s.drainSteer(); len(steer) > 0 {
			if err := s.appendUserTexts(steer); err != nil {
				return err
			}
			continue
		}
		if followUp := s.drainFollowUp(); len(followUp) > 0 {
			if err := s.appendUserTexts(followUp); err != nil {
				return err
			}
			continue
		}
		return nil
	}
	return ErrMaxTurnsExceeded
}

// maybeAutoCompact compacts proactively when the estimated context size
// crosses the reserve margin.
func (s *Scheduler) maybeAutoCompact(ctx context.Context) error {
	if !s.autoCompactionEnabled() || s.compactor == nil {
		return nil
	}
	if s.estimatedTokens() <= s.contextWindow-s.reserveTokens {
		return nil
	}

	s.setState(StateCompacting)
	defer s.setState(StateStreaming)
	_, err := s.runCompaction(ctx, "threshold")
	if errors.Is(err, compact.ErrNothingToCompact) || errors.Is(err, compact.ErrNoValidCutPoint) {
		return nil
	}
	return err
}

// runCompaction executes one compaction and publishes its lifecycle events.
func (s *Scheduler) runCompaction(ctx context.Context, trigger string) (*compact.Result, error) {
	s.events.Publish(EventCompactionStart, map[string]any{"trigger": trigger})
	result, err := s.compactor.Compact(ctx, s.tree)
	data := map[string]any{"trigger": trigger}
	if err != nil {
		data["error"] = err.Error()
	} else {
		data["cancelled"] = result.Cancelled
		data["tokens_before"] = result.TokensBefore
	}
	s.events.Publish(EventCompactionEnd, data)
	if err == nil && !result.Cancelled {
		s.resetUsage()
	}
	return result, err
}

// streamModel issues the model call, recovering once from context overflow
// via forced compaction and retrying transient failures with backoff.
func (s *Scheduler) streamModel(ctx context.Context, messages []llm.Message, out chan<- llm.Event) (*llm.Message, *llm.DonePayload, error) {
	overflowRetried := false
	attempt := 0

	for {
		req := s.buildRequest(messages)
		var (
			assistant *llm.Message
			done      *llm.DonePayload
			streamErr error
		)
		stream, err := s.provider.Stream(ctx, req)
		if err != nil {
			streamErr = err
		} else {
			assistant, done, streamErr = s.consumeStream(ctx, stream, out)
		}
		if streamErr == nil {
			if done != nil {
				s.recordUsage(done.Usage)
			}
			return assistant, done, nil
		}
		if ctx.Err() != nil {
			return assistant, done, ctx.Err()
		}

		if llm.IsContextOverflow(streamErr) {
			if !s.autoCompactionEnabled() || overflowRetried || s.compactor == nil {
				return nil, nil, streamErr
			}
			s.setState(StateCompacting)
			result, compactErr := s.runCompaction(ctx, "overflow")
			s.setState(StateStreaming)
			if compactErr != nil || result.Cancelled {
				// The compaction could not help; the overflow is the error
				// the caller needs to see.
				if compactErr != nil {
					s.logger.Warn("overflow compaction failed", "error", compactErr)
				}
				return nil, nil, streamErr
			}
			overflowRetried = true
			rebuilt, err := s.tree.BuildContext(s.tree.Leaf())
			if err != nil {
				return nil, nil, err
			}
			messages = rebuilt
			continue
		}

		if llm.IsRetryableError(streamErr) && s.autoRetryEnabled() {
			if attempt >= s.maxRetries {
				return nil, nil, streamErr
			}
			delay := backoffDelay(s.baseRetryDelay, s.maxRetryDelay, attempt)
			if hint, ok := llm.RetryDelayHint(streamErr); ok {
				if hint > s.maxRetryDelay {
					// Waiting longer than the cap is worse than failing now.
					return nil, nil, streamErr
				}
				if hint > delay {
					delay = hint
				}
			}
			attempt++
			s.setState(StateRetrying)
			s.events.Publish(EventRetryStart, map[string]any{
				"attempt": attempt,
				"delay":   delay.String(),
				"error":   streamErr.Error(),
			})
			select {
			case <-ctx.Done():
				s.setState(StateStreaming)
				return nil, nil, ctx.Err()
			case <-time.After(delay):
			}
			s.events.Publish(EventRetryEnd, map[string]any{"attempt": attempt})
			s.setState(StateStreaming)
			continue
		}

		return nil, nil, streamErr
	}
}

// consumeStream forwards provider events and accumulates the assistant
// message. Error terminals are returned, not forwarded; the caller decides
// whether to retry or surface.
func (s *Scheduler) consumeStream(ctx context.Context, stream <-chan llm.Event, out chan<- llm.Event) (*llm.Message, *llm.DonePayload, error) {
	acc := newAssistantAccumulator()
	for {
		select {
		case <-ctx.Done():
			return acc.buildMessage(), nil, ctx.Err()
		case ev, ok := <-stream:
			if !ok {
				return acc.buildMessage(), nil, errors.New("provider stream ended without terminal event")
			}
			if ev.Type == llm.EventError {
				if ev.Err != nil {
					return acc.buildMessage(), nil, ev.Err
				}
				return acc.buildMessage(), nil, errors.New("provider reported an unspecified error")
			}
			if err := sendEvent(ctx, out, ev); err != nil {
				return acc.buildMessage(), nil, err
			}
			acc.consume(ev)
			if ev.Type == llm.EventDone {
				return acc.buildMessage(), ev.Done, nil
			}
		}
	}
}

// executeToolCalls runs the model's tool calls in order. A steering message
// arriving mid-sequence skips the remaining calls: each gets a synthetic
// error result so the transcript stays well formed.
func (s *Scheduler) executeToolCalls(ctx context.Context, calls []llm.ToolCall, out chan<- llm.Event) error {
	for i, toolCall := range calls {
		call := cloneToolCall(toolCall)
		if err := sendEvent(ctx, out, llm.Event{Type: llm.EventToolCallStart, ToolCall: &call}); err != nil {
			return err
		}
		s.events.Publish(EventToolCall, map[string]any{"name": call.Name, "id": call.ID})

		result, err := s.tools.Execute(ctx, call)
		if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return err
		}
		result = normalizeToolResult(call, result, err)

		if s.hooks != nil {
			rewritten, keep := s.hooks.RunAfterToolCall(ctx, call, result)
			if keep {
				result = rewritten
			} else {
				result = llm.ToolResult{
					ToolCallID: call.ID,
					ToolName:   call.Name,
					Content:    blockedToolCallMessage,
					IsError:    true,
				}
			}
		}

		if err := s.appendToolResultEntry(result); err != nil {
			return err
		}
		forwardedResult := result
		if err := sendEvent(ctx, out, llm.Event{Type: llm.EventToolResult, ToolResult: &forwardedResult}); err != nil {
			return err
		}
		if err := sendEvent(ctx, out, llm.Event{Type: llm.EventToolCallEnd, ToolCall: &call}); err != nil {
			return err
		}
		s.events.Publish(EventToolResultKind, map[string]any{"name": call.Name, "is_error": result.IsError})

		if steer := s.drainSteer(); len(steer) > 0 {
			for _, remaining := range calls[i+1:] {
				skipped := cloneToolCall(remaining)
				if err := sendEvent(ctx, out, llm.Event{Type: llm.EventToolCallStart, ToolCall: &skipped}); err != nil {
					return err
				}
				skippedResult := llm.ToolResult{
					ToolCallID: skipped.ID,
					ToolName:   skipped.Name,
					Content:    skippedToolCallMessage,
					IsError:    true,
				}
				if err := s.appendToolResultEntry(skippedResult); err != nil {
					return err
				}
				if err := sendEvent(ctx, out, llm.Event{Type: llm.EventToolResult, ToolResult: &skippedResult}); err != nil {
					return err
				}
				if err := sendEvent(ctx, out, llm.Event{Type: llm.EventToolCallEnd, ToolCall: &skipped}); err != nil {
					return err
				}
			}
			return s.appendUserTexts(steer)
		}
	}
	return nil
}

func (s *Scheduler) buildRequest(messages []llm.Message) *llm.Request {
	s.mu.Lock()
	model := s.model
	thinking := s.thinking
	s.mu.Unlock()

	req := &llm.Request{
		Model:     model,
		System:    s.systemPrompt,
		Messages:  messages,
		MaxTokens: s.maxTokens,
		Thinking:  thinking,
	}
	if s.tools != nil {
		req.Tools = s.tools.Specs()
	}
	return req
}

func (s *Scheduler) appendAssistantEntry(msg *llm.Message, done *llm.DonePayload) error {
	payload := &tree.MessagePayload{
		Role:      tree.RoleAssistant,
		Content:   append([]llm.ContentBlock(nil), msg.Content...),
		ToolCalls: cloneToolCalls(msg.ToolCalls),
	}
	if done != nil {
		payload.Usage = done.Usage.Clone()
	}
	if _, err := s.tree.Append(tree.Entry{Kind: tree.KindMessage, Message: payload}); err != nil {
		return fmt.Errorf("append assistant entry: %w", err)
	}
	s.events.Publish(EventMessage, map[string]any{"role": "assistant"})
	return nil
}

func (s *Scheduler) appendToolResultEntry(result llm.ToolResult) error {
	resultCopy := result
	_, err := s.tree.Append(tree.Entry{
		Kind: tree.KindMessage,
		Message: &tree.MessagePayload{
			Role:       tree.RoleToolResult,
			ToolResult: &resultCopy,
		},
	})
	if err != nil {
		return fmt.Errorf("append tool result entry: %w", err)
	}
	return nil
}

// appendUserTexts flushes one queue drain as a single user entry; an "all"
// drain delivers its messages concatenated, not as separate turns.
func (s *Scheduler) appendUserTexts(texts []string) error {
	if len(texts) == 0 {
		return nil
	}
	return s.appendUserEntry(strings.Join(texts, "\n\n"))
}

func (s *Scheduler) autoCompactionEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoCompaction
}

func (s *Scheduler) autoRetryEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoRetry
}

// estimatedTokens prefers the provider's last reported usage and falls back
// to a serialized-size estimate of the current context.
func (s *Scheduler) estimatedTokens() int {
	s.mu.Lock()
	known := s.lastUsage.TokenCount()
	s.mu.Unlock()
	if known > 0 {
		return known
	}
	messages, err := s.tree.BuildContext(s.tree.Leaf())
	if err != nil {
		return 0
	}
	return compact.EstimateMessages(messages)
}

func (s *Scheduler) recordUsage(usage llm.Usage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUsage = usage
}

func (s *Scheduler) resetUsage() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUsage = llm.Usage{}
}

func normalizeToolResult(call llm.ToolCall, result llm.ToolResult, err error) llm.ToolResult {
	content := result.Content
	if err != nil {
		if content == "" {
			content = fmt.Sprintf("error: %v", err)
		} else {
			content = fmt.Sprintf("%s\n\nerror: %v", content, err)
		}
	}
	if content == "" {
		content = "ok"
	}
	return llm.ToolResult{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Content:    truncateToolResultContent(content),
		IsError:    err != nil || result.IsError,
	}
}

func truncateToolResultContent(content string) string {
	if len(content) <= maxToolResultContentLen {
		return content
	}
	return content[:toolResultHeadLen] + toolResultTruncateMark + content[len(content)-toolResultTailLen:]
}

func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// forwardEvents decouples producer and consumer backpressure so abandoned
// consumers do not block loop teardown. It flushes remaining queued events
// on close only while the output channel can accept without blocking.
func forwardEvents(in <-chan llm.Event, out chan<- llm.Event) {
	queue := make([]llm.Event, 0, 8)

	for {
		var next llm.Event
		var outCh chan<- llm.Event
		if len(queue) > 0 {
			next = queue[0]
			outCh = out
		}

		select {
		case ev, ok := <-in:
			if !ok {
				for len(queue) > 0 {
					timer := time.NewTimer(forwardFlushWait)
					select {
					case out <- queue[0]:
						queue = queue[1:]
						if !timer.Stop() {
							<-timer.C
						}
					case <-timer.C:
						return
					}
				}
				return
			}
			queue = append(queue, ev)
		case outCh <- next:
			queue = queue[1:]
		}
	}
}

func sendEvent(ctx context.Context, out chan<- llm.Event, ev llm.Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- ev:
		return nil
	}
}

type assistantAccumulator struct {
	text          strings.Builder
	toolCallOrder []string
	toolCallsByID map[string]llm.ToolCall
}

func newAssistantAccumulator() *assistantAccumulator {
	return &assistantAccumulator{toolCallsByID: make(map[string]llm.ToolCall)}
}

func (a *assistantAccumulator) consume(ev llm.Event) {
	switch ev.Type {
	case llm.EventContentBlockStart:
		if ev.ContentBlockStart != nil && ev.ContentBlockStart.Type == "text" && ev.ContentBlockStart.Text != "" {
			a.text.WriteString(ev.ContentBlockStart.Text)
		}
	case llm.EventTextDelta:
		a.text.WriteString(ev.TextDelta)
	case llm.EventToolCallStart, llm.EventToolCallEnd:
		if ev.ToolCall != nil {
			a.upsertToolCall(*ev.ToolCall)
		}
	}
}

func (a *assistantAccumulator) upsertToolCall(call llm.ToolCall) {
	if _, exists := a.toolCallsByID[call.ID]; !exists {
		a.toolCallOrder = append(a.toolCallOrder, call.ID)
	}
	a.toolCallsByID[call.ID] = cloneToolCall(call)
}

func (a *assistantAccumulator) buildMessage() *llm.Message {
	var toolCalls []llm.ToolCall
	if len(a.toolCallOrder) > 0 {
		toolCalls = make([]llm.ToolCall, 0, len(a.toolCallOrder))
		for _, id := range a.toolCallOrder {
			call, ok := a.toolCallsByID[id]
			if !ok {
				continue
			}
			toolCalls = append(toolCalls, call)
		}
	}

	if a.text.Len() == 0 && len(toolCalls) == 0 {
		return nil
	}

	message := llm.Message{
		Role:      llm.RoleAssistant,
		ToolCalls: toolCalls,
	}
	if a.text.Len() > 0 {
		message.Content = []llm.ContentBlock{{Type: llm.ContentTypeText, Text: a.text.String()}}
	}
	return &message
}

func cloneToolCall(call llm.ToolCall) llm.ToolCall {
	cloned := call
	cloned.Arguments = append(json.RawMessage(nil), call.Arguments...)
	return cloned
}

func cloneToolCalls(calls []llm.ToolCall) []llm.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	cloned := make([]llm.ToolCall, 0, len(calls))
	for _, call := range calls {
		cloned = append(cloned, cloneToolCall(call))
	}
	return cloned
}
