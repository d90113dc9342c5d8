package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/stellarlinkco/gatebot/internal/events"
	"github.com/stellarlinkco/gatebot/internal/session"
	"github.com/stellarlinkco/gatebot/internal/store"
)

// tryDeliver copies the session's content to the user at most once. Only the
// caller that moves the session from Satisfied to Delivering does any work;
// every other caller gets OutcomeAlreadyDelivered and touches nothing.
func (e *Engine) tryDeliver(ctx context.Context, s *session.Session, auto bool) Result {
	if !s.Transition(session.Satisfied, session.Delivering) {
		return Result{Outcome: OutcomeAlreadyDelivered, SessionID: s.ID}
	}

	userID, chatID := s.Key.UserID, s.ChatID
	item := s.Item

	if p := s.PromptID(); p != 0 {
		if err := e.msgr.DeleteMessage(ctx, chatID, p); err != nil {
			log.Printf("[engine] delete prompt %d: %v", p, err)
		}
	}

	protect := store.BoolSetting(ctx, e.catalog, store.SettingProtectContent, true)
	msgID, err := e.msgr.CopyContent(ctx, chatID, item.SourceChannelID, item.SourceMessageID, protect)

	var failure error
	switch {
	case err == nil:
		e.messages.Track(userID, chatID, msgID)
		if err := e.catalog.IncrementViews(ctx, item.SourceChannelID, item.SourceMessageID); err != nil {
			log.Printf("[engine] increment views for content %d: %v", item.SourceMessageID, err)
		}
		e.sendTracked(ctx, userID, chatID, e.template(ctx, store.TemplateAfterVideo), e.afterDeliveryKeyboard(ctx))
		if auto {
			e.sendTracked(ctx, userID, chatID, e.template(ctx, store.TemplateAutoUnlocked), nil)
		}
		log.Printf("[engine] content %d delivered to user %d (session %s)", item.SourceMessageID, userID, s.ID)
	case errors.Is(err, ErrSourceMissing):
		failure = err
		log.Printf("[engine] content %d source missing for session %s", item.SourceMessageID, s.ID)
		e.sendTracked(ctx, userID, chatID, e.template(ctx, store.TemplateUnavailable), nil)
	default:
		failure = fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
		log.Printf("[engine] copy content %d for session %s: %v", item.SourceMessageID, s.ID, err)
		e.sendTracked(ctx, userID, chatID, e.template(ctx, store.TemplateDeliveryError), nil)
	}

	// Finalise even on failure so the session is never retried.
	s.Transition(session.Delivering, session.Delivered)

	outcome := "delivered"
	switch {
	case errors.Is(failure, ErrSourceMissing):
		outcome = "source_missing"
	case failure != nil:
		outcome = "failed"
	}
	ev := events.DeliveryEvent{
		SessionID: s.ID,
		UserID:    userID,
		ContentID: item.SourceMessageID,
		ChannelID: item.SourceChannelID,
		Outcome:   outcome,
		AutoCheck: auto,
		At:        time.Now(),
	}
	if err := e.events.Publish(context.Background(), events.TopicSessionDelivered, ev); err != nil {
		log.Printf("[engine] publish %s: %v", events.TopicSessionDelivered, err)
	}

	return Result{Outcome: OutcomeDelivered, SessionID: s.ID, Failure: failure}
}
