package engine

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/stellarlinkco/gatebot/internal/session"
	"github.com/stellarlinkco/gatebot/internal/store"
)

// Button is a transport-neutral inline button. Exactly one of URL or Data is set.
type Button struct {
	Text   string
	URL    string
	Data   string
	WebApp bool
}

// Keyboard is rows of inline buttons. A nil Keyboard sends no markup.
type Keyboard [][]Button

// CallbackHelp is the callback data of the welcome help button.
const CallbackHelp = "help"

const callbackVerifyPrefix = "verify:"

// VerifyData builds the recheck button payload.
func VerifyData(contentID int, sessionID string) string {
	return callbackVerifyPrefix + strconv.Itoa(contentID) + ":" + sessionID
}

// ParseVerifyData parses a recheck payload. The session id may be empty for
// prompts created before ids were attached.
func ParseVerifyData(data string) (contentID int, sessionID string, ok bool) {
	rest, found := strings.CutPrefix(data, callbackVerifyPrefix)
	if !found {
		return 0, "", false
	}
	idPart, sessionID, _ := strings.Cut(rest, ":")
	contentID, err := strconv.Atoi(idPart)
	if err != nil || contentID <= 0 {
		return 0, "", false
	}
	return contentID, sessionID, true
}

var defaultTemplates = map[string]string{
	store.TemplateWelcome: "👋 Hello {name}!\n\nOpen a video link from the app and I will send it here.",
	store.TemplateHelp: "❓ *How it works*\n\n" +
		"1. Tap a video link in the app.\n" +
		"2. Join the channels I show you. A join request is enough for private channels.\n" +
		"3. Wait a few seconds or tap \"I joined\". The video unlocks automatically.",
	store.TemplateForceJoin: "🔒 *Join the channels to watch this video*\n\n" +
		"Tap each button below and join, or send a join request for private channels.\n" +
		"The video unlocks automatically a few seconds after you join.\n\n" +
		"⚡ In a hurry? Tap \"I joined\" once you are done.",
	store.TemplateAfterVideo:    "🎬 *Enjoy the video!*\n\nWant more? Head back to the app for new content every day.",
	store.TemplateNotFound:      "❌ *Video not found*\n\nThis video is no longer available or the link is incorrect.",
	store.TemplateAutoUnlocked:  "✅ *Video unlocked!*\n\nWe detected that you joined the channels. Enjoy! 🍿",
	store.TemplateUnavailable:   "⚠️ *Content unavailable*\n\nThis video was removed from its source channel.",
	store.TemplateDeliveryError: "❌ Error unlocking the video. Please try again using /start",
	store.TemplateAutoReply:     "👋 *Hello!*\n\nI'm a video bot. Open a video link from the app to watch it here.\n\n👇 Use /start to open the app.",
}

// DefaultTemplate returns the built-in text for a template key.
func DefaultTemplate(key string) string {
	return defaultTemplates[key]
}

func (e *Engine) template(ctx context.Context, key string) string {
	if body, err := e.catalog.GetTemplate(ctx, key); err == nil && strings.TrimSpace(body) != "" {
		return body
	}
	return defaultTemplates[key]
}

// channelNames labels blocking channels for status text. Private channels
// are numbered in order so several of them stay distinguishable.
func channelNames(blocking []store.GateChannel) []string {
	names := make([]string, 0, len(blocking))
	private := 1
	for _, ch := range blocking {
		switch {
		case ch.IsPrivate():
			names = append(names, fmt.Sprintf("🔒 Private channel %d", private))
			private++
		case ch.Handle != "":
			names = append(names, "@"+strings.TrimPrefix(ch.Handle, "@"))
		default:
			names = append(names, ch.Label())
		}
	}
	return names
}

func (e *Engine) promptKeyboard(ctx context.Context, s *session.Session, blocking []store.GateChannel) Keyboard {
	var kb Keyboard

	folderURL := store.StringSetting(ctx, e.catalog, store.SettingFolderURL, "")
	if store.BoolSetting(ctx, e.catalog, store.SettingFolderEnabled, false) && folderURL != "" {
		kb = append(kb, []Button{{Text: "📁 Join all channels (1 click)", URL: folderURL}})
	} else {
		private := 1
		for _, ch := range blocking {
			url := ch.JoinURL()
			if url == "" {
				continue
			}
			text := "📢 Join @" + strings.TrimPrefix(ch.Handle, "@")
			if ch.IsPrivate() {
				text = fmt.Sprintf("🔒 Join private channel %d", private)
				private++
			}
			kb = append(kb, []Button{{Text: text, URL: url}})
		}
	}

	kb = append(kb, []Button{{Text: "✅ I joined - unlock now", Data: VerifyData(s.Key.ContentID, s.ID)}})
	return kb
}

func (e *Engine) renderPollStatus(ctx context.Context, blocking []store.GateChannel, total, attempt, limit int) string {
	var b strings.Builder
	b.WriteString(e.template(ctx, store.TemplateForceJoin))
	b.WriteString("\n\n*📊 Status:*\nWaiting for you to join:\n")
	for _, name := range channelNames(blocking) {
		b.WriteString("❌ " + name + "\n")
	}
	if total > 0 {
		fmt.Fprintf(&b, "\nJoined %d/%d channels", total-len(blocking), total)
	}
	fmt.Fprintf(&b, "\n⏱️ Auto-checking... (%d/%d)", attempt, limit)
	return b.String()
}

func (e *Engine) renderRecheck(ctx context.Context, blocking []store.GateChannel, total int) string {
	var b strings.Builder
	switch n := len(blocking); {
	case n == 1:
		b.WriteString("❌ *1 more channel needed!*")
	case n == total:
		b.WriteString("❌ *Join all channels!*")
	default:
		fmt.Fprintf(&b, "❌ *%d more channels needed!*", n)
	}
	if total > 0 {
		fmt.Fprintf(&b, "\n\n📊 *Progress: %d/%d channels joined*", total-len(blocking), total)
	}
	b.WriteString("\n\n📍 *Please join:*\n")
	b.WriteString(strings.Join(channelNames(blocking), "\n"))
	b.WriteString("\n\nJoin or send a request, then tap \"I joined\" again.")
	return b.String()
}

func (e *Engine) renderExpired(ctx context.Context, attempts int) string {
	return e.template(ctx, store.TemplateForceJoin) +
		fmt.Sprintf("\n\n⏱️ Auto-check stopped after %d attempts. Tap \"I joined\" once you have joined.", attempts)
}

func (e *Engine) buttons(ctx context.Context, location string) Keyboard {
	btns, err := e.catalog.ListButtons(ctx, location)
	if err != nil {
		log.Printf("[engine] list %s buttons: %v", location, err)
		return nil
	}
	var kb Keyboard
	for _, b := range btns {
		kb = append(kb, []Button{{Text: b.Text, URL: b.URL, WebApp: b.Kind == store.ButtonWebApp}})
	}
	return kb
}

func (e *Engine) afterDeliveryKeyboard(ctx context.Context) Keyboard {
	if kb := e.buttons(ctx, store.LocationAfterVideo); len(kb) > 0 {
		return kb
	}
	if url := store.StringSetting(ctx, e.catalog, store.SettingMiniAppURL, ""); url != "" {
		return Keyboard{{{Text: "🔙 Back to app", URL: url, WebApp: true}}}
	}
	return nil
}

// Welcome greets a user who opened the bot without a content link. It
// starts a new interaction, so earlier messages are cleaned up first.
func (e *Engine) Welcome(ctx context.Context, userID, chatID int64, firstName string) (int, error) {
	e.Flush(ctx, userID)
	e.sendWelcomeMedia(ctx, userID, chatID)

	kb := e.buttons(ctx, store.LocationWelcome)
	if len(kb) == 0 {
		if url := store.StringSetting(ctx, e.catalog, store.SettingMiniAppURL, ""); url != "" {
			name := store.StringSetting(ctx, e.catalog, store.SettingBotName, "the app")
			kb = append(kb, []Button{{Text: "🎮 Open " + name, URL: url, WebApp: true}})
		}
		kb = append(kb, []Button{{Text: "❓ Help", Data: CallbackHelp}})
	}

	text := strings.ReplaceAll(e.template(ctx, store.TemplateWelcome), "{name}", firstName)
	return e.SendTracked(ctx, userID, chatID, text, kb)
}

// sendWelcomeMedia sends the configured photo, animation or video ahead of
// the welcome text. Failures are logged and the welcome goes on without it.
func (e *Engine) sendWelcomeMedia(ctx context.Context, userID, chatID int64) {
	if !store.BoolSetting(ctx, e.catalog, store.SettingWelcomeMediaEnabled, false) {
		return
	}
	fileID := store.StringSetting(ctx, e.catalog, store.SettingWelcomeMediaFileID, "")
	kind := store.MediaKind(store.StringSetting(ctx, e.catalog, store.SettingWelcomeMediaKind, ""))
	if fileID == "" {
		return
	}
	switch kind {
	case store.MediaPhoto, store.MediaAnimation, store.MediaVideo:
	default:
		log.Printf("[engine] welcome media kind %q not supported", kind)
		return
	}
	msgID, err := e.msgr.SendMedia(ctx, chatID, kind, fileID)
	if err != nil {
		log.Printf("[engine] send welcome %s to user %d: %v", kind, userID, err)
		return
	}
	e.messages.Track(userID, chatID, msgID)
}

// AutoReply answers plain text from a user with the auto_reply template. It
// sends nothing and returns 0 when auto replies are switched off.
func (e *Engine) AutoReply(ctx context.Context, userID, chatID int64) (int, error) {
	if !store.BoolSetting(ctx, e.catalog, store.SettingAutoReplyEnabled, true) {
		return 0, nil
	}
	var kb Keyboard
	if url := store.StringSetting(ctx, e.catalog, store.SettingMiniAppURL, ""); url != "" {
		kb = Keyboard{{{Text: "🎮 Open Mini App", URL: url, WebApp: true}}}
	}
	return e.SendTracked(ctx, userID, chatID, e.template(ctx, store.TemplateAutoReply), kb)
}

// Help sends the help text.
func (e *Engine) Help(ctx context.Context, userID, chatID int64) (int, error) {
	return e.SendTracked(ctx, userID, chatID, e.template(ctx, store.TemplateHelp), nil)
}
