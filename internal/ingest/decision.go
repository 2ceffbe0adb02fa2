package ingest

import (
	"fmt"
	"time"
)

// Action tells a queue transport what to do with a delivery.
type Action int

// Delivery actions.
const (
	ActionAck Action = iota
	ActionRetry
)

func (a Action) String() string {
	switch a {
	case ActionAck:
		return "ack"
	case ActionRetry:
		return "retry"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Decision is returned by a Handler and applied by the queue runner.
type Decision struct {
	Action Action
	Delay  time.Duration
}

// Ack acknowledges (drops) the delivery.
func Ack() Decision {
	return Decision{Action: ActionAck}
}

// RetryAfter asks the transport to redeliver after delay.
func RetryAfter(delay time.Duration) Decision {
	if delay < 0 {
		delay = 0
	}
	return Decision{Action: ActionRetry, Delay: delay}
}

// Retry reports whether the decision requests redelivery.
func (d Decision) Retry() bool {
	return d.Action == ActionRetry
}
