package eventbus

import (
	"context"
	"errors"
	"fmt"

	"github.com/flitsinc/agent-relay/internal/metrics"
)

// Writer delivers events to one client transport.
type Writer interface {
	WriteEvent(ctx context.Context, ev Event) error
}

type WriterFunc func(ctx context.Context, ev Event) error

func (f WriterFunc) WriteEvent(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// Publish delivers the owner's turn to w, acknowledging each event once
// written, and returns after the turn's final event. It returns the sequence
// of the last event written. The caller detaches the owner.
//
// If the log closes before a final event arrives, Publish writes a synthetic
// SESSION_CLOSED terminal event so the client stream never just stops. A
// cancelled ctx or a failing writer ends Publish with that error; nothing more
// can be delivered in either case.
func Publish(ctx context.Context, o *Owner, w Writer) (uint64, error) {
	return deliver(ctx, o.log, o.Position(), w, func(uint64) (Event, error) {
		return o.Next(ctx)
	}, o.Ack)
}

// Observe follows log after the given cursor into w until the next final
// event, like Publish, but acknowledges nothing. Re-attached readers use it
// so that they never release events the owner has not delivered yet.
func Observe(ctx context.Context, log *Log, after uint64, w Writer) (uint64, error) {
	return deliver(ctx, log, after, w, func(cursor uint64) (Event, error) {
		return log.Next(ctx, cursor)
	}, func(uint64) {})
}

func deliver(ctx context.Context, log *Log, after uint64, w Writer, next func(uint64) (Event, error), ack func(uint64)) (uint64, error) {
	cursor := after
	for {
		ev, err := next(cursor)
		if err != nil {
			var message string
			switch {
			case errors.Is(err, ErrClosed):
				message = "session ended before the task finished"
			case errors.Is(err, ErrTurnEnded):
				message = "task events were evicted before delivery"
			default:
				return cursor, err
			}
			term := ClosedEvent(log, message)
			if werr := w.WriteEvent(ctx, term); werr != nil {
				return cursor, fmt.Errorf("write terminal event: %w", werr)
			}
			metrics.EventsPublishedTotal.WithLabelValues(string(term.Kind)).Inc()
			return term.Sequence, nil
		}
		if err := w.WriteEvent(ctx, ev); err != nil {
			return cursor, fmt.Errorf("write event %d: %w", ev.Sequence, err)
		}
		metrics.EventsPublishedTotal.WithLabelValues(string(ev.Kind)).Inc()
		cursor = ev.Sequence
		ack(cursor)
		if ev.Final {
			return cursor, nil
		}
	}
}

// ClosedEvent builds the terminal record sent when a log can no longer
// produce a final event. It is numbered after the last appended event but is
// not stored in the log.
func ClosedEvent(log *Log, message string) Event {
	return Event{
		Sequence:  log.LastSequence() + 1,
		SessionID: log.SessionID(),
		Kind:      KindError,
		Final:     true,
		Error: &ErrorInfo{
			Class:   ClassInternal,
			Code:    CodeSessionClosed,
			Message: message,
		},
		Time: log.nowFn(),
	}
}
