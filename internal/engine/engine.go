// Package engine gates content delivery behind gate channel membership.
//
// A request that is blocked opens a gating session, shows a prompt and
// schedules a poller. Either the poller or a manual recheck can satisfy the
// session; the delivery guard makes sure only one of them delivers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/stellarlinkco/gatebot/internal/events"
	"github.com/stellarlinkco/gatebot/internal/gate"
	"github.com/stellarlinkco/gatebot/internal/idgen"
	"github.com/stellarlinkco/gatebot/internal/msglog"
	"github.com/stellarlinkco/gatebot/internal/session"
	"github.com/stellarlinkco/gatebot/internal/store"
)

var (
	// ErrContentNotFound means the requested content id is invalid or purged.
	ErrContentNotFound = errors.New("content not found")
	// ErrSourceMissing is returned by Messenger.CopyContent when the source
	// post no longer exists.
	ErrSourceMissing = errors.New("source message missing")
	// ErrDeliveryFailed marks a copy that failed for any other reason.
	ErrDeliveryFailed = errors.New("delivery failed")

	// errSessionMoved means another caller replaced the retired session first.
	errSessionMoved = errors.New("session moved on")
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultAttemptLimit = 6

	tickTimeout     = 30 * time.Second
	deliveryTimeout = 30 * time.Second
)

type Outcome int

const (
	OutcomeBlocked Outcome = iota
	OutcomeDelivered
	OutcomeAlreadyDelivered
	OutcomeNotFound
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeAlreadyDelivered:
		return "already_delivered"
	case OutcomeNotFound:
		return "not_found"
	default:
		return "blocked"
	}
}

// Result tells the command layer what happened. Messages have already been
// sent by the engine.
type Result struct {
	Outcome   Outcome
	SessionID string
	Blocking  []store.GateChannel
	// Failure is set when a delivery finalised without the content reaching
	// the user (ErrSourceMissing or ErrDeliveryFailed).
	Failure error
}

// Messenger is the chat transport.
type Messenger interface {
	SendText(ctx context.Context, chatID int64, text string, kb Keyboard) (int, error)
	EditText(ctx context.Context, chatID int64, messageID int, text string, kb Keyboard) error
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error
	CopyContent(ctx context.Context, chatID, fromChatID int64, messageID int, protect bool) (int, error)
	SendMedia(ctx context.Context, chatID int64, kind store.MediaKind, fileID string) (int, error)
}

// Catalog is the slice of the store the engine reads and writes.
type Catalog interface {
	GetContentItem(ctx context.Context, messageID int) (*store.ContentItem, error)
	IncrementViews(ctx context.Context, sourceChannelID int64, messageID int) error
	ListActiveGateChannels(ctx context.Context) ([]store.GateChannel, error)
	GetSetting(ctx context.Context, key string) (string, error)
	GetTemplate(ctx context.Context, key string) (string, error)
	ListButtons(ctx context.Context, location string) ([]store.Button, error)
}

// Scheduler runs named repeating jobs.
type Scheduler interface {
	Every(name string, interval time.Duration, fn func()) error
	Cancel(name string) bool
}

type Options struct {
	PollInterval time.Duration
	AttemptLimit int
}

type Deps struct {
	Catalog   Catalog
	Querier   gate.StatusQuerier
	Messenger Messenger
	Scheduler Scheduler
	Events    events.Publisher
	Sessions  *session.Store
	Messages  *msglog.Log
}

type Engine struct {
	catalog  Catalog
	eval     *gate.Evaluator
	msgr     Messenger
	sched    Scheduler
	events   events.Publisher
	sessions *session.Store
	messages *msglog.Log

	interval     time.Duration
	attemptLimit int
	newID        func() (string, error)
}

func New(deps Deps, opts Options) *Engine {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.AttemptLimit <= 0 {
		opts.AttemptLimit = DefaultAttemptLimit
	}
	if deps.Events == nil {
		deps.Events = events.NoopPublisher{}
	}
	if deps.Sessions == nil {
		deps.Sessions = session.NewStore()
	}
	if deps.Messages == nil {
		deps.Messages = msglog.New()
	}
	return &Engine{
		catalog:      deps.Catalog,
		eval:         gate.NewEvaluator(deps.Querier),
		msgr:         deps.Messenger,
		sched:        deps.Scheduler,
		events:       deps.Events,
		sessions:     deps.Sessions,
		messages:     deps.Messages,
		interval:     opts.PollInterval,
		attemptLimit: opts.AttemptLimit,
		newID:        idgen.Session,
	}
}

// Sessions exposes the session table for housekeeping and status.
func (e *Engine) Sessions() *session.Store {
	return e.sessions
}

// Flush clears the user's earlier bot messages. Call it only at the start of
// a new top-level interaction; it is a no-op when cleanup is disabled.
func (e *Engine) Flush(ctx context.Context, userID int64) int {
	if !store.BoolSetting(ctx, e.catalog, store.SettingCleanupEnabled, true) {
		return 0
	}
	return e.messages.Flush(ctx, e.msgr, userID)
}

// Request identifies a top-level content request.
type Request struct {
	UserID     int64
	ChatID     int64
	ContentRef string
}

// RequestContent handles a deep-link content request: it cleans up earlier
// messages, then delivers immediately or opens a gating session.
func (e *Engine) RequestContent(ctx context.Context, req Request) (Result, error) {
	e.Flush(ctx, req.UserID)

	item, err := e.lookup(ctx, req.ContentRef)
	if err != nil {
		if errors.Is(err, ErrContentNotFound) {
			log.Printf("[engine] user %d requested unknown content %q", req.UserID, req.ContentRef)
			e.sendTracked(ctx, req.UserID, req.ChatID, e.template(ctx, store.TemplateNotFound), nil)
			return Result{Outcome: OutcomeNotFound}, nil
		}
		return Result{}, err
	}
	return e.open(ctx, req.UserID, req.ChatID, item, takeover{})
}

// RecheckRequest is a user pressing the recheck button on a prompt.
type RecheckRequest struct {
	UserID    int64
	ChatID    int64
	ContentID int
	SessionID string
	MessageID int
}

// Recheck evaluates the gate outside the poll cadence. A live session is
// rechecked in place; a retired one is replaced by a new session that takes
// over the clicked prompt.
func (e *Engine) Recheck(ctx context.Context, req RecheckRequest) (Result, error) {
	key := session.Key{UserID: req.UserID, ContentID: req.ContentID}
	s := e.sessions.Get(key)
	if s != nil && req.SessionID != "" && s.ID != req.SessionID {
		log.Printf("[engine] recheck for session %s resolved to current session %s (%s)", req.SessionID, s.ID, s.State())
	}

	if s != nil {
		switch s.State() {
		case session.Created, session.Polling:
			return e.recheckLive(ctx, s, req)
		case session.Satisfied, session.Delivering, session.Delivered:
			e.dismiss(ctx, req.ChatID, req.MessageID, s)
			return Result{Outcome: OutcomeAlreadyDelivered, SessionID: s.ID}, nil
		}
	}

	item, err := e.catalog.GetContentItem(ctx, req.ContentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			if req.MessageID != 0 {
				if err := e.msgr.EditText(ctx, req.ChatID, req.MessageID, e.template(ctx, store.TemplateNotFound), nil); err != nil {
					log.Printf("[engine] edit prompt %d: %v", req.MessageID, err)
				}
			}
			return Result{Outcome: OutcomeNotFound}, nil
		}
		return Result{}, fmt.Errorf("get content item %d: %w", req.ContentID, err)
	}
	res, err := e.open(ctx, req.UserID, req.ChatID, item, takeover{promptID: req.MessageID, recheck: true, retired: s})
	if errors.Is(err, errSessionMoved) {
		// A concurrent recheck on the same prompt got there first; resolve
		// against its session instead.
		return e.Recheck(ctx, req)
	}
	return res, err
}

func (e *Engine) recheckLive(ctx context.Context, s *session.Session, req RecheckRequest) (Result, error) {
	channels, err := e.catalog.ListActiveGateChannels(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list gate channels: %w", err)
	}
	blocking := e.eval.Evaluate(ctx, channels, s.Key.UserID)

	if len(blocking) == 0 {
		if !markSatisfied(s) {
			return e.lostRace(ctx, s, req)
		}
		e.stopPolling(s)
		e.publishSession(events.TopicSessionSatisfied, s)
		log.Printf("[engine] session %s satisfied by recheck", s.ID)
		return e.tryDeliver(ctx, s, false), nil
	}

	s.SetBlocking(blocking)
	text := e.renderRecheck(ctx, blocking, len(channels))
	kb := e.promptKeyboard(ctx, s, blocking)
	if p := s.PromptID(); p != 0 {
		s.WhileIn(session.Polling, func() {
			if err := e.msgr.EditText(ctx, s.ChatID, p, text, kb); err != nil {
				log.Printf("[engine] edit prompt %d for session %s: %v", p, s.ID, err)
			}
		})
	}
	return Result{Outcome: OutcomeBlocked, SessionID: s.ID, Blocking: blocking}, nil
}

// lostRace resolves a recheck whose transition to Satisfied was beaten by a
// concurrent caller.
func (e *Engine) lostRace(ctx context.Context, s *session.Session, req RecheckRequest) (Result, error) {
	switch s.State() {
	case session.Satisfied, session.Delivering, session.Delivered:
		return Result{Outcome: OutcomeAlreadyDelivered, SessionID: s.ID}, nil
	}
	return e.Recheck(ctx, req)
}

// takeover says how a new session claims its key.
type takeover struct {
	// promptID is an existing prompt to adopt instead of sending a new one.
	promptID int

	// recheck installs only while the key still maps to retired (nil for
	// none); a top-level request supersedes whatever is there.
	recheck bool
	retired *session.Session
}

// open evaluates the gate for item and either delivers or starts a polling
// session.
func (e *Engine) open(ctx context.Context, userID, chatID int64, item *store.ContentItem, tk takeover) (Result, error) {
	promptID := tk.promptID
	channels, err := e.catalog.ListActiveGateChannels(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list gate channels: %w", err)
	}
	blocking := e.eval.Evaluate(ctx, channels, userID)

	id, err := e.newID()
	if err != nil {
		return Result{}, err
	}
	key := session.Key{UserID: userID, ContentID: item.SourceMessageID}
	s := session.New(id, key, chatID, *item, e.attemptLimit)
	s.SetBlocking(blocking)
	if promptID != 0 {
		s.SetPromptID(promptID)
	}

	if tk.recheck {
		if !e.sessions.Replace(tk.retired, s) {
			return Result{}, errSessionMoved
		}
		if tk.retired != nil {
			// Wait out an expiry edit of the old session on the same prompt.
			tk.retired.Fence()
		}
	} else if prev := e.sessions.Install(s); prev != nil {
		e.stopPolling(prev)
		prev.Fence()
		e.publishSession(events.TopicSessionSuperseded, prev)
		log.Printf("[engine] session %s superseded by %s", prev.ID, s.ID)
	}

	if len(blocking) == 0 {
		if !s.Transition(session.Created, session.Satisfied) {
			return Result{Outcome: OutcomeAlreadyDelivered, SessionID: s.ID}, nil
		}
		e.publishSession(events.TopicSessionSatisfied, s)
		return e.tryDeliver(ctx, s, false), nil
	}

	text := e.template(ctx, store.TemplateForceJoin)
	kb := e.promptKeyboard(ctx, s, blocking)
	if promptID == 0 {
		msgID, err := e.msgr.SendText(ctx, chatID, text, kb)
		if err != nil {
			log.Printf("[engine] send prompt to user %d: %v", userID, err)
		} else {
			s.SetPromptID(msgID)
			e.messages.Track(userID, chatID, msgID)
		}
	} else {
		text = e.renderRecheck(ctx, blocking, len(channels))
		if err := e.msgr.EditText(ctx, chatID, promptID, text, kb); err != nil {
			log.Printf("[engine] edit prompt %d for user %d: %v", promptID, userID, err)
		}
	}

	if !s.Transition(session.Created, session.Polling) {
		// A concurrent recheck already moved the session on.
		return Result{Outcome: OutcomeBlocked, SessionID: s.ID, Blocking: blocking}, nil
	}
	e.publishSession(events.TopicSessionCreated, s)

	if err := e.sched.Every(pollJobName(s), e.interval, func() { e.pollTick(s) }); err != nil {
		log.Printf("[engine] schedule poller for session %s: %v", s.ID, err)
		if s.Transition(session.Polling, session.Expired) {
			e.publishSession(events.TopicSessionExpired, s)
		}
	} else {
		log.Printf("[engine] session %s polling for user %d, content %d (%d blocking)", s.ID, userID, key.ContentID, len(blocking))
	}
	return Result{Outcome: OutcomeBlocked, SessionID: s.ID, Blocking: blocking}, nil
}

func (e *Engine) lookup(ctx context.Context, ref string) (*store.ContentItem, error) {
	id, err := strconv.Atoi(strings.TrimSpace(ref))
	if err != nil || id <= 0 {
		return nil, ErrContentNotFound
	}
	item, err := e.catalog.GetContentItem(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrContentNotFound
		}
		return nil, fmt.Errorf("get content item %d: %w", id, err)
	}
	return item, nil
}

// dismiss removes a prompt whose session was already served elsewhere.
func (e *Engine) dismiss(ctx context.Context, chatID int64, messageID int, s *session.Session) {
	// The session's own prompt is removed by the delivery guard.
	if messageID == 0 || messageID == s.PromptID() {
		return
	}
	if err := e.msgr.DeleteMessage(ctx, chatID, messageID); err != nil {
		log.Printf("[engine] dismiss prompt %d: %v", messageID, err)
	}
}

// SendTracked sends a message and records it for the next cleanup.
func (e *Engine) SendTracked(ctx context.Context, userID, chatID int64, text string, kb Keyboard) (int, error) {
	msgID, err := e.msgr.SendText(ctx, chatID, text, kb)
	if err != nil {
		return 0, err
	}
	e.messages.Track(userID, chatID, msgID)
	return msgID, nil
}

func (e *Engine) sendTracked(ctx context.Context, userID, chatID int64, text string, kb Keyboard) int {
	msgID, err := e.SendTracked(ctx, userID, chatID, text, kb)
	if err != nil {
		log.Printf("[engine] send to user %d: %v", userID, err)
	}
	return msgID
}

func markSatisfied(s *session.Session) bool {
	return s.Transition(session.Polling, session.Satisfied) ||
		s.Transition(session.Created, session.Satisfied)
}

func (e *Engine) publishSession(topic string, s *session.Session) {
	ev := events.SessionEvent{
		SessionID: s.ID,
		UserID:    s.Key.UserID,
		ContentID: s.Key.ContentID,
		State:     s.State().String(),
		Attempts:  s.Attempts(),
		Blocking:  s.BlockingIDs(),
		At:        time.Now(),
	}
	if err := e.events.Publish(context.Background(), topic, ev); err != nil {
		log.Printf("[engine] publish %s: %v", topic, err)
	}
}
