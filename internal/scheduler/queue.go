package scheduler

import (
	"errors"
	"fmt"
)

// DeliveryMode says when a queued message reaches the model.
type DeliveryMode string

const (
	// ModeSteer interrupts the current turn at the next tool boundary.
	ModeSteer DeliveryMode = "steer"
	// ModeFollowUp is delivered when the current turn finishes.
	ModeFollowUp DeliveryMode = "follow-up"
	// ModeNextTurn is consumed silently as extra context on the next prompt.
	ModeNextTurn DeliveryMode = "next-turn"
)

// QueuePolicy controls how many queued messages drain per delivery point.
type QueuePolicy string

const (
	// PolicyOneAtATime drains one message per delivery point.
	PolicyOneAtATime QueuePolicy = "one-at-a-time"
	// PolicyAll drains the whole queue at once.
	PolicyAll QueuePolicy = "all"
)

var (
	// ErrInvalidDeliveryMode indicates an unknown queue delivery mode.
	ErrInvalidDeliveryMode = errors.New("invalid delivery mode")
	// ErrInvalidQueuePolicy indicates an unknown queue drain policy.
	ErrInvalidQueuePolicy = errors.New("invalid queue policy")
	// ErrEmptyQueuedMessage indicates a queued message without text.
	ErrEmptyQueuedMessage = errors.New("queued message text is empty")
)

// QueuedMessage is one pending user message.
type QueuedMessage struct {
	Text string       `json:"text"`
	Mode DeliveryMode `json:"mode"`
}

func normalizeQueuePolicy(policy QueuePolicy) (QueuePolicy, error) {
	switch policy {
	case "", PolicyOneAtATime:
		return PolicyOneAtATime, nil
	case PolicyAll:
		return PolicyAll, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidQueuePolicy, policy)
	}
}

// drainQueue removes messages from the front of queue per the policy.
func drainQueue(queue *[]string, policy QueuePolicy) []string {
	if len(*queue) == 0 {
		return nil
	}
	switch policy {
	case PolicyAll:
		drained := *queue
		*queue = nil
		return drained
	default:
		head := (*queue)[0]
		*queue = append([]string(nil), (*queue)[1:]...)
		return []string{head}
	}
}
