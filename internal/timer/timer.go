// Package timer implements the five wall-clock timers the view-change,
// propagation and pre-commit engines arm (blame, view-transition,
// propagate/echo, ack, pre-commit), grounded on chainmaker-go's
// chainedbft/time_service.TimerService: a single event channel the core's
// driving loop selects on to reenter deterministically on fire.
package timer

import (
	"fmt"
	"sync"
	"time"
)

// Kind names one of the five timer classes from §5's timeout table.
type Kind byte

const (
	KindBlame Kind = iota
	KindViewTrans
	KindPropagate
	KindAck
	KindPreCommit
)

func (k Kind) String() string {
	switch k {
	case KindBlame:
		return "blame"
	case KindViewTrans:
		return "view_trans"
	case KindPropagate:
		return "propagate"
	case KindAck:
		return "ack"
	case KindPreCommit:
		return "pre_commit"
	default:
		return "unknown"
	}
}

// Event is delivered on Fired when a timer completes without being
// stopped first.
type Event struct {
	Kind    Kind
	Key     string // block hash hex, or "" for the singleton blame/view-trans timers
	Payload interface{}
}

// Service multiplexes every live timer into one channel so the replica's
// driving loop can select on a single source of timeout events, the way
// chainedbft's TimerService funnels pacemaker/blame/round timers.
type Service struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	fired  chan Event
	closed bool
}

// New creates a timer service with the given fired-event buffer size.
func New(buf int) *Service {
	return &Service{
		timers: make(map[string]*time.Timer),
		fired:  make(chan Event, buf),
	}
}

// Fired is the channel timeout events are delivered on.
func (s *Service) Fired() <-chan Event { return s.fired }

func compositeKey(k Kind, key string) string {
	return fmt.Sprintf("%d:%s", k, key)
}

// Start arms a timer for (kind, key), replacing any existing one for the
// same pair — starting a timer of the same kind for the same key always
// supersedes the prior one, per §5's cancellation rule.
func (s *Service) Start(k Kind, key string, d time.Duration, payload interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	ck := compositeKey(k, key)
	if old, ok := s.timers[ck]; ok {
		old.Stop()
	}
	ev := Event{Kind: k, Key: key, Payload: payload}
	s.timers[ck] = time.AfterFunc(d, func() {
		s.mu.Lock()
		_, stillArmed := s.timers[ck]
		if stillArmed {
			delete(s.timers, ck)
		}
		closed := s.closed
		s.mu.Unlock()
		if stillArmed && !closed {
			s.fired <- ev
		}
	})
}

// Stop cancels the timer for (kind, key) if armed. Idempotent: stopping an
// unarmed or already-fired timer is a no-op.
func (s *Service) Stop(k Kind, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ck := compositeKey(k, key)
	if t, ok := s.timers[ck]; ok {
		t.Stop()
		delete(s.timers, ck)
	}
}

// StopAll cancels every armed timer of the given kind, regardless of key —
// used by view-change entry to cancel all per-block commit timers at once.
func (s *Service) StopAll(k Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := fmt.Sprintf("%d:", k)
	for ck, t := range s.timers {
		if len(ck) >= len(prefix) && ck[:len(prefix)] == prefix {
			t.Stop()
			delete(s.timers, ck)
		}
	}
}

// IsArmed reports whether a timer for (kind, key) is currently pending —
// used by the is_propagate_timeout/is_ack_timeout predicates (the
// predicate is the negation: timed out means NOT armed).
func (s *Service) IsArmed(k Kind, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[compositeKey(k, key)]
	return ok
}

// Close stops every timer and prevents further firings from being
// delivered.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = make(map[string]*time.Timer)
}
