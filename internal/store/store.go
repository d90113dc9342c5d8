// Package store persists the collaborator data the gating engine reads:
// content items, gate channels, settings, message templates, buttons and users.
package store

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

type MediaKind string

const (
	MediaVideo     MediaKind = "video"
	MediaPhoto     MediaKind = "photo"
	MediaAnimation MediaKind = "animation"
	MediaDocument  MediaKind = "document"
)

// ContentItem is a channel post that can be copied to users.
// Identity is (SourceChannelID, SourceMessageID); deep links carry the message id.
type ContentItem struct {
	ID              int64
	SourceChannelID int64
	SourceMessageID int
	ChannelName     string
	Kind            MediaKind
	Views           int64
	SavedAt         time.Time
}

// GateChannel is a channel whose membership unlocks content.
type GateChannel struct {
	ChannelID  int64
	Handle     string // public @handle without the @, may be empty
	InviteLink string // private invite link, may be empty
	Active     bool
	AddedAt    time.Time
}

// JoinURL returns the link a user follows to join the channel.
func (c GateChannel) JoinURL() string {
	if c.InviteLink != "" {
		return c.InviteLink
	}
	if c.Handle != "" {
		return "https://t.me/" + strings.TrimPrefix(c.Handle, "@")
	}
	return ""
}

// Label is a human readable channel name for logs and listings.
func (c GateChannel) Label() string {
	if c.Handle != "" {
		return "@" + strings.TrimPrefix(c.Handle, "@")
	}
	return strconv.FormatInt(c.ChannelID, 10)
}

// IsPrivate reports whether joining goes through an invite link.
func (c GateChannel) IsPrivate() bool {
	return c.InviteLink != ""
}

type ButtonKind string

const (
	ButtonURL    ButtonKind = "url"
	ButtonWebApp ButtonKind = "web_app"
)

// Button locations.
const (
	LocationWelcome    = "welcome"
	LocationAfterVideo = "after_video"
)

type Button struct {
	ID       int64
	Location string
	Text     string
	URL      string
	Kind     ButtonKind
	Position int
}

type User struct {
	ID        int64
	Username  string
	FirstName string
	FirstSeen time.Time
	LastSeen  time.Time
}

type Stats struct {
	ContentItems int64
	TotalViews   int64
	GateChannels int64
	Users        int64
}

// Setting keys.
const (
	SettingMiniAppURL     = "mini_app_url"
	SettingProtectContent = "video_protection"
	SettingCleanupEnabled = "message_cleanup_enabled"
	SettingFolderEnabled  = "folder_link_enabled"
	SettingFolderURL      = "folder_link_url"
	SettingBotName        = "bot_name"

	SettingAutoReplyEnabled    = "auto_reply_enabled"
	SettingWelcomeMediaEnabled = "welcome_media_enabled"
	SettingWelcomeMediaFileID  = "welcome_media_file_id"
	SettingWelcomeMediaKind    = "welcome_media_type" // photo, animation or video
)

// Template keys.
const (
	TemplateWelcome       = "welcome"
	TemplateHelp          = "help"
	TemplateForceJoin     = "force_join"
	TemplateAfterVideo    = "after_video"
	TemplateNotFound      = "video_not_found"
	TemplateAutoUnlocked  = "auto_unlocked"
	TemplateUnavailable   = "content_unavailable"
	TemplateDeliveryError = "delivery_error"
	TemplateAutoReply     = "auto_reply"
)

// Store defines the persistence interface used by the bot.
type Store interface {
	// Content items
	SaveContentItem(ctx context.Context, item *ContentItem) error
	GetContentItem(ctx context.Context, messageID int) (*ContentItem, error)
	ListContentItems(ctx context.Context, limit int) ([]*ContentItem, error)
	IncrementViews(ctx context.Context, sourceChannelID int64, messageID int) error

	// Gate channels
	AddGateChannel(ctx context.Context, ch *GateChannel) error
	RemoveGateChannel(ctx context.Context, channelID int64) error
	ListGateChannels(ctx context.Context) ([]GateChannel, error)
	ListActiveGateChannels(ctx context.Context) ([]GateChannel, error)

	// Settings and templates (last write wins)
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
	GetTemplate(ctx context.Context, key string) (string, error)
	SetTemplate(ctx context.Context, key, body string) error

	// Buttons
	ListButtons(ctx context.Context, location string) ([]Button, error)
	AddButton(ctx context.Context, btn *Button) error
	RemoveButton(ctx context.Context, id int64) error

	// Users
	SaveUser(ctx context.Context, u *User) error
	ListUserIDs(ctx context.Context) ([]int64, error)

	Stats(ctx context.Context) (*Stats, error)
	Close() error
}

// SettingReader is the read side of settings, enough for the helpers below.
type SettingReader interface {
	GetSetting(ctx context.Context, key string) (string, error)
}

// BoolSetting reads a boolean setting, returning def when it is unset or unparsable.
func BoolSetting(ctx context.Context, s SettingReader, key string, def bool) bool {
	v, err := s.GetSetting(ctx, key)
	if err != nil {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return b
}

// StringSetting reads a string setting, returning def when it is unset or empty.
func StringSetting(ctx context.Context, s SettingReader, key, def string) string {
	v, err := s.GetSetting(ctx, key)
	if err != nil || strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
