// Package session holds in-flight gating sessions and their state machine.
package session

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stellarlinkco/gatebot/internal/store"
)

type State int32

const (
	Created State = iota
	Polling
	Satisfied
	Delivering
	Delivered
	Expired
	Superseded
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Polling:
		return "polling"
	case Satisfied:
		return "satisfied"
	case Delivering:
		return "delivering"
	case Delivered:
		return "delivered"
	case Expired:
		return "expired"
	case Superseded:
		return "superseded"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Retired reports whether the session can no longer change state.
func (s State) Retired() bool {
	return s == Delivered || s == Expired || s == Superseded
}

var edges = map[State][]State{
	Created:    {Polling, Satisfied, Superseded},
	Polling:    {Satisfied, Expired, Superseded},
	Satisfied:  {Delivering},
	Delivering: {Delivered},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to State) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Key identifies a session: one live session per user and content item.
type Key struct {
	UserID    int64
	ContentID int
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d", k.UserID, k.ContentID)
}

// Session is one gating attempt. State changes go through Transition only;
// the remaining mutable fields are guarded by mu.
type Session struct {
	ID           string
	Key          Key
	ChatID       int64
	Item         store.ContentItem
	AttemptLimit int
	CreatedAt    time.Time

	state     atomic.Int32
	retiredAt atomic.Int64

	// fence serialises prompt edits against supersession.
	fence sync.Mutex

	mu       sync.Mutex
	promptID int
	attempts int
	blocking []store.GateChannel
}

func New(id string, key Key, chatID int64, item store.ContentItem, attemptLimit int) *Session {
	return &Session{
		ID:           id,
		Key:          key,
		ChatID:       chatID,
		Item:         item,
		AttemptLimit: attemptLimit,
		CreatedAt:    time.Now(),
	}
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// Transition atomically moves the session from one state to another. It
// returns false when the edge is not allowed or the session is no longer in
// from; exactly one of several concurrent callers with the same edge wins.
func (s *Session) Transition(from, to State) bool {
	if !CanTransition(from, to) {
		return false
	}
	if !s.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	if to.Retired() {
		s.retiredAt.Store(time.Now().UnixNano())
	}
	return true
}

// WhileIn runs fn only if the session is in want, and keeps Fence callers
// waiting until fn returns. fn must not call Transition.
func (s *Session) WhileIn(want State, fn func()) bool {
	s.fence.Lock()
	defer s.fence.Unlock()
	if s.State() != want {
		return false
	}
	fn()
	return true
}

// Fence waits for any WhileIn call in progress. After a transition followed
// by Fence, no WhileIn for the old state can still be running.
func (s *Session) Fence() {
	s.fence.Lock()
	s.fence.Unlock() //nolint:staticcheck
}

// RetiredAt returns when the session entered a retired state.
func (s *Session) RetiredAt() (time.Time, bool) {
	n := s.retiredAt.Load()
	if n == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, n), true
}

func (s *Session) PromptID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.promptID
}

func (s *Session) SetPromptID(id int) {
	s.mu.Lock()
	s.promptID = id
	s.mu.Unlock()
}

// NextAttempt increments and returns the attempt count.
func (s *Session) NextAttempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	return s.attempts
}

func (s *Session) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// SetBlocking records the blocking channels from the last evaluation.
func (s *Session) SetBlocking(chs []store.GateChannel) {
	cp := append([]store.GateChannel(nil), chs...)
	s.mu.Lock()
	s.blocking = cp
	s.mu.Unlock()
}

func (s *Session) Blocking() []store.GateChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.GateChannel(nil), s.blocking...)
}

// BlockingIDs returns the channel ids of Blocking, for events and logs.
func (s *Session) BlockingIDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.blocking))
	for _, ch := range s.blocking {
		ids = append(ids, ch.ChannelID)
	}
	return ids
}
