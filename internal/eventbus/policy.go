package eventbus

import (
	"fmt"
	"strings"
)

// Overflow decides what Append does when a session log is full of
// unacknowledged events.
type Overflow string

const (
	// OverflowBlock makes the producer wait for the consumer to acknowledge.
	OverflowBlock Overflow = "block"
	// OverflowDropOldest evicts the oldest unacknowledged event.
	OverflowDropOldest Overflow = "drop_oldest"
)

func ParseOverflow(raw string) (Overflow, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "block":
		return OverflowBlock, nil
	case "drop_oldest", "drop-oldest", "latest":
		return OverflowDropOldest, nil
	default:
		return "", fmt.Errorf("unknown overflow policy %q", raw)
	}
}
