package engine

import (
	"context"
	"log"

	"github.com/stellarlinkco/gatebot/internal/events"
	"github.com/stellarlinkco/gatebot/internal/session"
)

func pollJobName(s *session.Session) string {
	return "poll:" + s.ID
}

func (e *Engine) stopPolling(s *session.Session) {
	e.sched.Cancel(pollJobName(s))
}

// pollTick is one reconciliation pass for a polling session. It runs on the
// scheduler's goroutine; runs for the same session never overlap.
func (e *Engine) pollTick(s *session.Session) {
	if s.State() != session.Polling {
		e.stopPolling(s)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), tickTimeout)
	defer cancel()

	attempt := s.NextAttempt()
	log.Printf("[poller] session %s attempt %d/%d", s.ID, attempt, s.AttemptLimit)

	blocking := s.Blocking()
	channels, err := e.catalog.ListActiveGateChannels(ctx)
	total := len(channels)
	if err != nil {
		log.Printf("[poller] list gate channels for session %s: %v", s.ID, err)
		total = len(blocking)
	} else {
		blocking = e.eval.Evaluate(ctx, channels, s.Key.UserID)
	}

	if err == nil && len(blocking) == 0 {
		if !s.Transition(session.Polling, session.Satisfied) {
			e.stopPolling(s)
			return
		}
		e.stopPolling(s)
		e.publishSession(events.TopicSessionSatisfied, s)
		log.Printf("[poller] session %s satisfied on attempt %d", s.ID, attempt)

		dctx, dcancel := context.WithTimeout(context.Background(), deliveryTimeout)
		defer dcancel()
		e.tryDeliver(dctx, s, true)
		return
	}

	s.SetBlocking(blocking)

	if attempt >= s.AttemptLimit {
		if !s.Transition(session.Polling, session.Expired) {
			e.stopPolling(s)
			return
		}
		e.stopPolling(s)
		e.publishSession(events.TopicSessionExpired, s)
		log.Printf("[poller] session %s expired after %d attempts", s.ID, attempt)

		if p := s.PromptID(); p != 0 {
			text := e.renderExpired(ctx, attempt)
			kb := e.promptKeyboard(ctx, s, blocking)
			s.WhileIn(session.Expired, func() {
				// A recheck may already have handed the prompt to a new session.
				if e.sessions.Get(s.Key) != s {
					return
				}
				if err := e.msgr.EditText(ctx, s.ChatID, p, text, kb); err != nil {
					log.Printf("[poller] edit expired prompt %d: %v", p, err)
				}
			})
		}
		return
	}

	p := s.PromptID()
	if p == 0 {
		return
	}
	text := e.renderPollStatus(ctx, blocking, total, attempt, s.AttemptLimit)
	kb := e.promptKeyboard(ctx, s, blocking)
	if !s.WhileIn(session.Polling, func() {
		if err := e.msgr.EditText(ctx, s.ChatID, p, text, kb); err != nil {
			log.Printf("[poller] edit prompt %d for session %s: %v", p, s.ID, err)
		}
	}) {
		e.stopPolling(s)
	}
}
