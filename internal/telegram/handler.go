package telegram

import (
	"context"
	"fmt"
	"html"
	"log"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stellarlinkco/gatebot/internal/engine"
	"github.com/stellarlinkco/gatebot/internal/events"
	"github.com/stellarlinkco/gatebot/internal/session"
	"github.com/stellarlinkco/gatebot/internal/store"
)

// Engine is the gating surface the handler drives.
type Engine interface {
	RequestContent(ctx context.Context, req engine.Request) (engine.Result, error)
	Recheck(ctx context.Context, req engine.RecheckRequest) (engine.Result, error)
	Welcome(ctx context.Context, userID, chatID int64, firstName string) (int, error)
	Help(ctx context.Context, userID, chatID int64) (int, error)
	AutoReply(ctx context.Context, userID, chatID int64) (int, error)
}

// Registry is the part of the store the handler writes to.
type Registry interface {
	SaveUser(ctx context.Context, u *store.User) error
	SaveContentItem(ctx context.Context, item *store.ContentItem) error
	Stats(ctx context.Context) (*store.Stats, error)
}

type HandlerConfig struct {
	SourceChannels []int64
	AdminIDs       []int64
	UpdateTimeout  int
}

// Handler receives updates from the bot and routes them to the engine.
type Handler struct {
	bot      TelegramBot
	client   *Client
	engine   Engine
	registry Registry
	events   events.Publisher
	sessions *session.Store

	sources map[int64]bool
	admins  map[int64]bool
	timeout int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewHandler(bot TelegramBot, eng Engine, registry Registry, pub events.Publisher, sessions *session.Store, cfg HandlerConfig) *Handler {
	if pub == nil {
		pub = events.NoopPublisher{}
	}
	h := &Handler{
		bot:      bot,
		client:   NewClient(bot),
		engine:   eng,
		registry: registry,
		events:   pub,
		sessions: sessions,
		sources:  make(map[int64]bool),
		admins:   make(map[int64]bool),
		timeout:  cfg.UpdateTimeout,
	}
	for _, id := range cfg.SourceChannels {
		h.sources[id] = true
	}
	for _, id := range cfg.AdminIDs {
		h.admins[id] = true
	}
	if h.timeout <= 0 {
		h.timeout = 30
	}
	return h
}

// Start begins long polling. Updates are handled concurrently; a slow
// recheck never holds up other users.
func (h *Handler) Start(ctx context.Context) error {
	ctx, h.cancel = context.WithCancel(ctx)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = h.timeout
	u.AllowedUpdates = []string{"message", "callback_query", "channel_post"}
	updates := h.bot.GetUpdatesChan(u)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			select {
			case update, ok := <-updates:
				if !ok {
					return
				}
				h.wg.Add(1)
				go func() {
					defer h.wg.Done()
					h.HandleUpdate(ctx, update)
				}()
			case <-ctx.Done():
				return
			}
		}
	}()

	log.Printf("[telegram] polling started as @%s", h.bot.GetSelf().UserName)
	return nil
}

func (h *Handler) Stop() error {
	if h.cancel != nil {
		h.cancel()
	}
	h.bot.StopReceivingUpdates()
	h.wg.Wait()
	log.Printf("[telegram] stopped")
	return nil
}

// HandleUpdate routes a single update.
func (h *Handler) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.ChannelPost != nil:
		h.handleChannelPost(ctx, update.ChannelPost)
	case update.CallbackQuery != nil:
		h.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil:
		h.handleMessage(ctx, update.Message)
	}
}

func (h *Handler) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil || msg.Chat == nil {
		return
	}
	if !msg.IsCommand() {
		h.handleText(ctx, msg)
		return
	}
	switch msg.Command() {
	case "start":
		h.handleStart(ctx, msg)
	case "help":
		h.saveUser(ctx, msg.From)
		if _, err := h.engine.Help(ctx, msg.From.ID, msg.Chat.ID); err != nil {
			log.Printf("[telegram] send help to %d: %v", msg.From.ID, err)
		}
	case "stats":
		h.handleStats(ctx, msg)
	}
}

// handleText answers plain private text from users. Admins and groups get
// nothing.
func (h *Handler) handleText(ctx context.Context, msg *tgbotapi.Message) {
	if msg.Text == "" || !msg.Chat.IsPrivate() || h.admins[msg.From.ID] {
		return
	}
	if _, err := h.engine.AutoReply(ctx, msg.From.ID, msg.Chat.ID); err != nil {
		log.Printf("[telegram] auto reply to %d: %v", msg.From.ID, err)
	}
}

func (h *Handler) handleStart(ctx context.Context, msg *tgbotapi.Message) {
	user := msg.From
	h.saveUser(ctx, user)

	ref := strings.TrimSpace(msg.CommandArguments())
	if ref == "" {
		if _, err := h.engine.Welcome(ctx, user.ID, msg.Chat.ID, user.FirstName); err != nil {
			log.Printf("[telegram] send welcome to %d: %v", user.ID, err)
		}
		return
	}

	res, err := h.engine.RequestContent(ctx, engine.Request{UserID: user.ID, ChatID: msg.Chat.ID, ContentRef: ref})
	if err != nil {
		log.Printf("[telegram] content request %q from %d: %v", ref, user.ID, err)
		h.reply(msg.Chat.ID, "⚠️ Something went wrong. Please try again in a moment.")
		return
	}
	log.Printf("[telegram] content request %q from %d: %s", ref, user.ID, res.Outcome)
}

func (h *Handler) handleStats(ctx context.Context, msg *tgbotapi.Message) {
	if !h.admins[msg.From.ID] {
		return
	}
	stats, err := h.registry.Stats(ctx)
	if err != nil {
		log.Printf("[telegram] stats: %v", err)
		h.reply(msg.Chat.ID, "⚠️ Could not load stats.")
		return
	}
	live, held := 0, 0
	if h.sessions != nil {
		live, held = h.sessions.Active(), h.sessions.Len()
	}
	h.reply(msg.Chat.ID, fmt.Sprintf(
		"📊 Stats\n\nContent items: %d\nTotal views: %d\nGate channels: %d\nUsers: %d\nLive sessions: %d (%d held)",
		stats.ContentItems, stats.TotalViews, stats.GateChannels, stats.Users, live, held))
}

func (h *Handler) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	toast := ""
	defer func() {
		if err := h.client.AnswerCallback(cb.ID, toast); err != nil {
			log.Printf("[telegram] %v", err)
		}
	}()
	if cb.From == nil {
		return
	}

	if cb.Data == engine.CallbackHelp {
		chatID := cb.From.ID
		if cb.Message != nil && cb.Message.Chat != nil {
			chatID = cb.Message.Chat.ID
		}
		if _, err := h.engine.Help(ctx, cb.From.ID, chatID); err != nil {
			log.Printf("[telegram] send help to %d: %v", cb.From.ID, err)
		}
		return
	}

	contentID, sessionID, ok := engine.ParseVerifyData(cb.Data)
	if !ok || cb.Message == nil || cb.Message.Chat == nil {
		log.Printf("[telegram] ignoring callback %q from %d", cb.Data, cb.From.ID)
		return
	}

	res, err := h.engine.Recheck(ctx, engine.RecheckRequest{
		UserID:    cb.From.ID,
		ChatID:    cb.Message.Chat.ID,
		ContentID: contentID,
		SessionID: sessionID,
		MessageID: cb.Message.MessageID,
	})
	if err != nil {
		log.Printf("[telegram] recheck content %d for %d: %v", contentID, cb.From.ID, err)
		toast = "⚠️ Please try again."
		return
	}
	switch res.Outcome {
	case engine.OutcomeBlocked:
		toast = fmt.Sprintf("❌ Join %d more channel(s) first.", len(res.Blocking))
	case engine.OutcomeAlreadyDelivered:
		toast = "✅ Already unlocked."
	case engine.OutcomeNotFound:
		toast = "❌ Video not found."
	}
}

// handleChannelPost ingests media posts from configured source channels.
func (h *Handler) handleChannelPost(ctx context.Context, post *tgbotapi.Message) {
	if post.Chat == nil || !h.sources[post.Chat.ID] {
		return
	}
	kind, ok := mediaKind(post)
	if !ok {
		return
	}

	item := &store.ContentItem{
		SourceChannelID: post.Chat.ID,
		SourceMessageID: post.MessageID,
		ChannelName:     post.Chat.Title,
		Kind:            kind,
	}
	if err := h.registry.SaveContentItem(ctx, item); err != nil {
		log.Printf("[telegram] save content %d from %d: %v", post.MessageID, post.Chat.ID, err)
		return
	}
	log.Printf("[telegram] ingested %s %d from %s", kind, post.MessageID, post.Chat.Title)

	ev := events.ContentIngested{ChannelID: post.Chat.ID, MessageID: post.MessageID, Kind: string(kind), At: time.Now()}
	if err := h.events.Publish(ctx, events.TopicContentIngested, ev); err != nil {
		log.Printf("[telegram] publish %s: %v", events.TopicContentIngested, err)
	}

	h.notifyAdmins(item)
}

func (h *Handler) notifyAdmins(item *store.ContentItem) {
	if len(h.admins) == 0 {
		return
	}
	link := DeepLink(h.bot.GetSelf().UserName, item.SourceMessageID)
	text := fmt.Sprintf("📥 <b>New %s saved</b>\n\nChannel: %s\nMessage ID: <code>%d</code>\n\n%s",
		item.Kind, html.EscapeString(item.ChannelName), item.SourceMessageID, link)
	for id := range h.admins {
		msg := tgbotapi.NewMessage(id, text)
		msg.ParseMode = tgbotapi.ModeHTML
		msg.DisableWebPagePreview = true
		if _, err := h.bot.Send(msg); err != nil {
			log.Printf("[telegram] notify admin %d: %v", id, err)
		}
	}
}

// DeepLink returns the link that opens the bot with a content request.
func DeepLink(botUsername string, contentID int) string {
	return fmt.Sprintf("https://t.me/%s?start=%d", botUsername, contentID)
}

func mediaKind(msg *tgbotapi.Message) (store.MediaKind, bool) {
	switch {
	case len(msg.Photo) > 0:
		return store.MediaPhoto, true
	case msg.Animation != nil:
		return store.MediaAnimation, true
	case msg.Video != nil:
		return store.MediaVideo, true
	case msg.Document != nil:
		return store.MediaDocument, true
	}
	return "", false
}

func (h *Handler) saveUser(ctx context.Context, u *tgbotapi.User) {
	now := time.Now()
	err := h.registry.SaveUser(ctx, &store.User{
		ID:        u.ID,
		Username:  u.UserName,
		FirstName: u.FirstName,
		FirstSeen: now,
		LastSeen:  now,
	})
	if err != nil {
		log.Printf("[telegram] save user %d: %v", u.ID, err)
	}
}

func (h *Handler) reply(chatID int64, text string) {
	if _, err := h.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		log.Printf("[telegram] send to %d: %v", chatID, err)
	}
}
