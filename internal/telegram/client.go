package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stellarlinkco/gatebot/internal/engine"
	"github.com/stellarlinkco/gatebot/internal/gate"
	"github.com/stellarlinkco/gatebot/internal/store"
)

// Client adapts a TelegramBot to the engine's membership querier and messenger.
type Client struct {
	bot       TelegramBot
	parseMode string
}

func NewClient(bot TelegramBot) *Client {
	return &Client{bot: bot, parseMode: tgbotapi.ModeMarkdown}
}

var (
	_ gate.StatusQuerier = (*Client)(nil)
	_ engine.Messenger   = (*Client)(nil)
)

type chatMember struct {
	Status   string `json:"status"`
	IsMember *bool  `json:"is_member,omitempty"`
}

// MemberStatus calls getChatMember. is_member is decoded as a pointer so a
// restricted status without it can be told apart from an explicit false.
func (c *Client) MemberStatus(_ context.Context, channelID, userID int64) (gate.Status, error) {
	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", channelID)
	params.AddNonZero64("user_id", userID)

	resp, err := c.bot.MakeRequest("getChatMember", params)
	if err != nil {
		return gate.Status{}, fmt.Errorf("get chat member %d in %d: %w", userID, channelID, mapError(err))
	}
	var m chatMember
	if err := json.Unmarshal(resp.Result, &m); err != nil {
		return gate.Status{}, fmt.Errorf("decode chat member: %w", err)
	}
	return gate.Status{Raw: m.Status, IsMember: m.IsMember}, nil
}

func (c *Client) SendText(_ context.Context, chatID int64, text string, kb engine.Keyboard) (int, error) {
	if hasWebApp(kb) {
		return c.sendRaw(chatID, text, kb)
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = c.parseMode
	if markup := toMarkup(kb); markup != nil {
		msg.ReplyMarkup = *markup
	}
	sent, err := c.bot.Send(msg)
	if err != nil {
		// Retry without markdown; admin-edited templates may not parse.
		msg.ParseMode = ""
		sent, err = c.bot.Send(msg)
		if err != nil {
			return 0, fmt.Errorf("send message: %w", err)
		}
	}
	return sent.MessageID, nil
}

func (c *Client) EditText(_ context.Context, chatID int64, messageID int, text string, kb engine.Keyboard) error {
	if hasWebApp(kb) {
		return c.editRaw(chatID, messageID, text, kb)
	}
	var edit tgbotapi.EditMessageTextConfig
	if markup := toMarkup(kb); markup != nil {
		edit = tgbotapi.NewEditMessageTextAndMarkup(chatID, messageID, text, *markup)
	} else {
		edit = tgbotapi.NewEditMessageText(chatID, messageID, text)
	}
	edit.ParseMode = c.parseMode
	_, err := c.bot.Request(edit)
	if err != nil && isParseError(err) {
		// Channel handles and admin templates can break markdown.
		edit.ParseMode = ""
		_, err = c.bot.Request(edit)
	}
	if err != nil {
		if isNotModified(err) {
			return nil
		}
		return fmt.Errorf("edit message %d: %w", messageID, err)
	}
	return nil
}

// SendMedia sends a photo, animation or video by Telegram file id.
func (c *Client) SendMedia(_ context.Context, chatID int64, kind store.MediaKind, fileID string) (int, error) {
	file := tgbotapi.FileID(fileID)
	var cfg tgbotapi.Chattable
	switch kind {
	case store.MediaPhoto:
		cfg = tgbotapi.NewPhoto(chatID, file)
	case store.MediaAnimation:
		cfg = tgbotapi.NewAnimation(chatID, file)
	case store.MediaVideo:
		cfg = tgbotapi.NewVideo(chatID, file)
	default:
		return 0, fmt.Errorf("send media: unsupported kind %q", kind)
	}
	sent, err := c.bot.Send(cfg)
	if err != nil {
		return 0, fmt.Errorf("send %s: %w", kind, err)
	}
	return sent.MessageID, nil
}

// sendRaw sends a message through sendMessage directly so web_app buttons
// survive, retrying without markdown like SendText.
func (c *Client) sendRaw(chatID int64, text string, kb engine.Keyboard) (int, error) {
	params, err := c.textParams(chatID, 0, text, kb)
	if err != nil {
		return 0, err
	}
	resp, err := c.bot.MakeRequest("sendMessage", params)
	if err != nil {
		resp, err = c.bot.MakeRequest("sendMessage", withoutParseMode(params))
		if err != nil {
			return 0, fmt.Errorf("send message: %w", err)
		}
	}
	var sent struct {
		MessageID int `json:"message_id"`
	}
	if err := json.Unmarshal(resp.Result, &sent); err != nil {
		return 0, fmt.Errorf("decode sent message: %w", err)
	}
	return sent.MessageID, nil
}

func (c *Client) editRaw(chatID int64, messageID int, text string, kb engine.Keyboard) error {
	params, err := c.textParams(chatID, messageID, text, kb)
	if err != nil {
		return err
	}
	_, err = c.bot.MakeRequest("editMessageText", params)
	if err != nil && isParseError(err) {
		_, err = c.bot.MakeRequest("editMessageText", withoutParseMode(params))
	}
	if err != nil {
		if isNotModified(err) {
			return nil
		}
		return fmt.Errorf("edit message %d: %w", messageID, err)
	}
	return nil
}

func (c *Client) textParams(chatID int64, messageID int, text string, kb engine.Keyboard) (tgbotapi.Params, error) {
	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", chatID)
	params.AddNonZero("message_id", messageID)
	params["text"] = text
	params.AddNonEmpty("parse_mode", c.parseMode)
	if err := params.AddInterface("reply_markup", rawMarkup(kb)); err != nil {
		return nil, fmt.Errorf("encode reply markup: %w", err)
	}
	return params, nil
}

func withoutParseMode(params tgbotapi.Params) tgbotapi.Params {
	out := make(tgbotapi.Params, len(params))
	for k, v := range params {
		if k != "parse_mode" {
			out[k] = v
		}
	}
	return out
}

func (c *Client) DeleteMessage(_ context.Context, chatID int64, messageID int) error {
	if _, err := c.bot.Request(tgbotapi.NewDeleteMessage(chatID, messageID)); err != nil {
		return fmt.Errorf("delete message %d: %w", messageID, err)
	}
	return nil
}

// CopyContent copies a channel post into chatID. protect_content is sent as a
// raw parameter.
func (c *Client) CopyContent(_ context.Context, chatID, fromChatID int64, messageID int, protect bool) (int, error) {
	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", chatID)
	params.AddNonZero64("from_chat_id", fromChatID)
	params.AddNonZero("message_id", messageID)
	params.AddBool("protect_content", protect)

	resp, err := c.bot.MakeRequest("copyMessage", params)
	if err != nil {
		return 0, fmt.Errorf("copy message %d from %d: %w", messageID, fromChatID, mapError(err))
	}
	var id struct {
		MessageID int `json:"message_id"`
	}
	if err := json.Unmarshal(resp.Result, &id); err != nil {
		return 0, fmt.Errorf("decode copied message id: %w", err)
	}
	return id.MessageID, nil
}

// AnswerCallback acknowledges a callback query, optionally with a toast.
func (c *Client) AnswerCallback(callbackID, text string) error {
	if _, err := c.bot.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		return fmt.Errorf("answer callback: %w", err)
	}
	return nil
}

// mapError turns Bot API errors the engine cares about into sentinels.
func mapError(err error) error {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	msg := strings.ToLower(apiErr.Message)
	switch {
	case strings.Contains(msg, "chat not found"):
		return fmt.Errorf("%w: %s", gate.ErrChannelUnreachable, apiErr.Message)
	case strings.Contains(msg, "message to copy not found"):
		return fmt.Errorf("%w: %s", engine.ErrSourceMissing, apiErr.Message)
	}
	return err
}

func isParseError(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "can't parse entities")
}

func isNotModified(err error) bool {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return strings.Contains(strings.ToLower(apiErr.Message), "message is not modified")
	}
	return strings.Contains(strings.ToLower(err.Error()), "message is not modified")
}

// toMarkup converts an engine keyboard without web app buttons; those go
// through rawMarkup.
func toMarkup(kb engine.Keyboard) *tgbotapi.InlineKeyboardMarkup {
	if len(kb) == 0 {
		return nil
	}
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(kb))
	for _, row := range kb {
		var buttons []tgbotapi.InlineKeyboardButton
		for _, b := range row {
			if b.Data != "" {
				buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Data))
			} else if b.URL != "" {
				buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonURL(b.Text, b.URL))
			}
		}
		if len(buttons) > 0 {
			rows = append(rows, buttons)
		}
	}
	if len(rows) == 0 {
		return nil
	}
	markup := tgbotapi.NewInlineKeyboardMarkup(rows...)
	return &markup
}

// inlineMarkup is the inline keyboard as the Bot API takes it. The library's
// InlineKeyboardButton has no web_app field.
type inlineMarkup struct {
	InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
}

type inlineButton struct {
	Text         string      `json:"text"`
	URL          string      `json:"url,omitempty"`
	CallbackData string      `json:"callback_data,omitempty"`
	WebApp       *webAppInfo `json:"web_app,omitempty"`
}

type webAppInfo struct {
	URL string `json:"url"`
}

func hasWebApp(kb engine.Keyboard) bool {
	for _, row := range kb {
		for _, b := range row {
			if b.WebApp && b.URL != "" {
				return true
			}
		}
	}
	return false
}

func rawMarkup(kb engine.Keyboard) inlineMarkup {
	markup := inlineMarkup{InlineKeyboard: [][]inlineButton{}}
	for _, row := range kb {
		var buttons []inlineButton
		for _, b := range row {
			switch {
			case b.Data != "":
				buttons = append(buttons, inlineButton{Text: b.Text, CallbackData: b.Data})
			case b.WebApp && b.URL != "":
				buttons = append(buttons, inlineButton{Text: b.Text, WebApp: &webAppInfo{URL: b.URL}})
			case b.URL != "":
				buttons = append(buttons, inlineButton{Text: b.Text, URL: b.URL})
			}
		}
		if len(buttons) > 0 {
			markup.InlineKeyboard = append(markup.InlineKeyboard, buttons)
		}
	}
	return markup
}
