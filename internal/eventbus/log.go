package eventbus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/flitsinc/agent-relay/internal/metrics"
)

var (
	ErrClosed = errors.New("event log closed")
	// ErrTurnEnded is returned to an owner whose turn was overtaken by a
	// later turn before its final event could be read.
	ErrTurnEnded = errors.New("turn ended without a readable final event")
)

// Log is the per-session event log. It assigns sequence numbers in append
// order and retains events in a ring of fixed capacity until they are
// released.
//
// Events with Sequence in (acked, next) are retained. While owners are
// attached, an event is released once every owner has acknowledged it, and
// under OverflowBlock Append waits for room. A final event waits too, until
// its context ends, and then evicts the oldest retained event. With no owner
// attached nothing will acknowledge, so a full log evicts its oldest event
// under either policy.
type Log struct {
	sessionID string
	overflow  Overflow

	mu      sync.Mutex
	ring    []Event
	next    uint64
	acked   uint64
	dropped uint64
	closed  bool
	changed chan struct{}
	owners  map[*Owner]struct{}
	// high is the furthest any owner has acknowledged.
	high uint64
	// lastFinal outlives its release so that a reader behind it still ends
	// its stream.
	lastFinal Event

	nowFn func() time.Time
}

func NewLog(sessionID string, capacity int, overflow Overflow) *Log {
	if capacity <= 0 {
		capacity = 256
	}
	if overflow == "" {
		overflow = OverflowBlock
	}
	return &Log{
		sessionID: sessionID,
		overflow:  overflow,
		ring:      make([]Event, capacity),
		next:      1,
		changed:   make(chan struct{}),
		owners:    map[*Owner]struct{}{},
		nowFn:     func() time.Time { return time.Now().UTC() },
	}
}

func (l *Log) SessionID() string {
	return l.sessionID
}

// Append stamps ev with the next sequence number and stores it.
func (l *Log) Append(ctx context.Context, ev Event) (Event, error) {
	l.mu.Lock()
	for !l.closed && l.pendingLocked() >= uint64(len(l.ring)) {
		reason := ""
		switch {
		case len(l.owners) == 0:
			reason = "unattached"
		case l.overflow == OverflowDropOldest:
			reason = "overflow"
		case ev.Final && ctx.Err() != nil:
			reason = "final_overflow"
		}
		if reason != "" {
			l.evictLocked(reason)
			break
		}
		wait := l.changed
		l.mu.Unlock()
		select {
		case <-ctx.Done():
			if !ev.Final {
				return Event{}, ctx.Err()
			}
		case <-wait:
		}
		l.mu.Lock()
	}
	if l.closed {
		l.mu.Unlock()
		return Event{}, ErrClosed
	}

	ev.Sequence = l.next
	ev.SessionID = l.sessionID
	if ev.Time.IsZero() {
		ev.Time = l.nowFn()
	}
	l.ring[ev.Sequence%uint64(len(l.ring))] = ev
	if ev.Final {
		l.lastFinal = ev
		for o := range l.owners {
			if o.turnID != "" && o.turnID == ev.TurnID {
				final := ev
				o.final = &final
			}
		}
	}
	l.next++
	l.broadcastLocked()
	l.mu.Unlock()
	return ev, nil
}

// Next returns the first retained event with a sequence greater than after,
// waiting for one to be appended. Next never acknowledges, so any number of
// readers may follow the log without holding events in it. Released and
// evicted events are skipped, so readers may observe gaps but never
// reordering. The one exception is the latest final event: a reader whose
// cursor is behind it gets it even after it was released. Once the log is
// closed and drained Next returns ErrClosed.
func (l *Log) Next(ctx context.Context, after uint64) (Event, error) {
	l.mu.Lock()
	for {
		start := after + 1
		if start <= l.acked {
			start = l.acked + 1
			if final := l.lastFinal; final.Final && final.Sequence > after && final.Sequence < start {
				l.mu.Unlock()
				return final, nil
			}
		}
		if start < l.next {
			ev := l.ring[start%uint64(len(l.ring))]
			l.mu.Unlock()
			return ev, nil
		}
		if l.closed {
			l.mu.Unlock()
			return Event{}, ErrClosed
		}
		if err := l.waitLocked(ctx); err != nil {
			return Event{}, err
		}
	}
}

// Attach registers the owner of a turn whose events follow after. Until the
// owner detaches, no event after its cursor is released. Attaching also
// releases everything up to the slowest attached owner, which lets a new
// turn discard events that no one is left to read.
func (l *Log) Attach(turnID string, after uint64) *Owner {
	l.mu.Lock()
	defer l.mu.Unlock()
	if last := l.next - 1; after > last {
		after = last
	}
	o := &Owner{log: l, turnID: turnID, pos: after}
	l.owners[o] = struct{}{}
	l.releaseLocked()
	return o
}

// LastSequence is the sequence of the most recently appended event, or 0.
func (l *Log) LastSequence() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.next - 1
}

// Pending is the number of appended events not yet released.
func (l *Log) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int(l.pendingLocked())
}

// Dropped is the number of events evicted before release.
func (l *Log) Dropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// Owners is the number of attached owners.
func (l *Log) Owners() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.owners)
}

// Close wakes every waiter. Retained events can still be read.
func (l *Log) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	l.broadcastLocked()
}

func (l *Log) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Log) pendingLocked() uint64 {
	return l.next - 1 - l.acked
}

func (l *Log) evictLocked(reason string) {
	l.acked++
	l.dropped++
	metrics.IncEventDrop(reason)
}

// releaseLocked moves acked up to the slowest attached owner, or to the
// furthest acknowledgement once no owner is attached.
func (l *Log) releaseLocked() {
	low := l.high
	if len(l.owners) > 0 {
		low = l.next - 1
		for o := range l.owners {
			if o.pos < low {
				low = o.pos
			}
		}
	}
	if low > l.acked {
		l.acked = low
		l.broadcastLocked()
	}
}

// waitLocked waits for the next change with l.mu held on entry. It returns
// with l.mu held, or unlocked with ctx's error.
func (l *Log) waitLocked(ctx context.Context) error {
	wait := l.changed
	l.mu.Unlock()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-wait:
	}
	l.mu.Lock()
	return nil
}

func (l *Log) broadcastLocked() {
	close(l.changed)
	l.changed = make(chan struct{})
}

// Owner is the reader that a turn's events are delivered to. Its
// acknowledgements are what release events from the log.
type Owner struct {
	log    *Log
	turnID string

	// Guarded by log.mu.
	pos      uint64
	final    *Event
	detached bool
}

func (o *Owner) TurnID() string {
	return o.turnID
}

// Position is the sequence of the last event the owner acknowledged.
func (o *Owner) Position() uint64 {
	o.log.mu.Lock()
	defer o.log.mu.Unlock()
	return o.pos
}

// Next returns the owner's next event. It reads like Log.Next but stays
// within the owner's turn: if the turn's final event was evicted it is
// returned in place of the gap, and ErrTurnEnded is returned if a later
// turn's event comes up first.
func (o *Owner) Next(ctx context.Context) (Event, error) {
	l := o.log
	l.mu.Lock()
	for {
		start := o.pos + 1
		if start <= l.acked {
			start = l.acked + 1
			if o.final != nil && o.final.Sequence > o.pos && o.final.Sequence < start {
				ev := *o.final
				l.mu.Unlock()
				return ev, nil
			}
		}
		if start < l.next {
			ev := l.ring[start%uint64(len(l.ring))]
			if o.turnID != "" && ev.TurnID != "" && ev.TurnID != o.turnID {
				l.mu.Unlock()
				return Event{}, ErrTurnEnded
			}
			l.mu.Unlock()
			return ev, nil
		}
		if l.closed {
			l.mu.Unlock()
			return Event{}, ErrClosed
		}
		if err := l.waitLocked(ctx); err != nil {
			return Event{}, err
		}
	}
}

// Ack records that the owner has delivered every event up to and including
// seq.
func (o *Owner) Ack(seq uint64) {
	l := o.log
	l.mu.Lock()
	defer l.mu.Unlock()
	if last := l.next - 1; seq > last {
		seq = last
	}
	if o.detached || seq <= o.pos {
		return
	}
	o.pos = seq
	if seq > l.high {
		l.high = seq
	}
	l.releaseLocked()
}

// Detach stops the owner from holding events in the log. It is safe to call
// more than once.
func (o *Owner) Detach() {
	l := o.log
	l.mu.Lock()
	defer l.mu.Unlock()
	if o.detached {
		return
	}
	o.detached = true
	delete(l.owners, o)
	l.releaseLocked()
	// Appends waiting on this owner may now evict.
	l.broadcastLocked()
}
