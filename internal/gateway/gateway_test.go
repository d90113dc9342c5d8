package gateway

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stellarlinkco/gatebot/internal/config"
	"github.com/stellarlinkco/gatebot/internal/events"
	"github.com/stellarlinkco/gatebot/internal/session"
	"github.com/stellarlinkco/gatebot/internal/store"
	"github.com/stellarlinkco/gatebot/internal/telegram"
)

// stubBot implements telegram.TelegramBot without network access.
type stubBot struct {
	updates chan tgbotapi.Update
}

func (b *stubBot) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel { return b.updates }
func (b *stubBot) StopReceivingUpdates()                                        {}
func (b *stubBot) Send(tgbotapi.Chattable) (tgbotapi.Message, error) {
	return tgbotapi.Message{MessageID: 1}, nil
}
func (b *stubBot) Request(tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	return &tgbotapi.APIResponse{Ok: true}, nil
}
func (b *stubBot) MakeRequest(string, tgbotapi.Params) (*tgbotapi.APIResponse, error) {
	return &tgbotapi.APIResponse{Ok: true}, nil
}
func (b *stubBot) GetSelf() tgbotapi.User { return tgbotapi.User{UserName: "gate_bot"} }

func stubFactory(string, string, *http.Client) (telegram.TelegramBot, error) {
	return &stubBot{updates: make(chan tgbotapi.Update)}, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Telegram.Token = "test-token"
	cfg.Storage.DSN = filepath.Join(t.TempDir(), "gatebot.db")
	return cfg
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Telegram.Token = ""
	if _, err := NewWithOptions(cfg, Options{BotFactory: stubFactory}); err == nil {
		t.Error("expected error for missing token")
	}
}

func TestNew_BotFactoryError(t *testing.T) {
	cfg := testConfig(t)
	failing := func(string, string, *http.Client) (telegram.TelegramBot, error) {
		return nil, errors.New("unauthorized")
	}
	if _, err := NewWithOptions(cfg, Options{BotFactory: failing}); err == nil {
		t.Error("expected error from bot factory")
	}
}

func TestNew_BadNATSURL(t *testing.T) {
	cfg := testConfig(t)
	cfg.Events.NATSURL = "nats://127.0.0.1:1"
	if _, err := NewWithOptions(cfg, Options{BotFactory: stubFactory}); err == nil {
		t.Error("expected error for unreachable nats")
	}
}

func TestNewPublisher_DefaultsToNoop(t *testing.T) {
	pub, err := newPublisher(config.EventsConfig{})
	if err != nil {
		t.Fatalf("newPublisher error: %v", err)
	}
	if _, ok := pub.(events.NoopPublisher); !ok {
		t.Errorf("publisher = %T, want NoopPublisher", pub)
	}
}

func TestGateway_RunAndSignal(t *testing.T) {
	sigCh := make(chan os.Signal, 1)
	g, err := NewWithOptions(testConfig(t), Options{BotFactory: stubFactory, SignalChan: sigCh})
	if err != nil {
		t.Fatalf("NewWithOptions error: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- g.Run(context.Background()) }()

	sigCh <- syscall.SIGINT
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after signal")
	}
	if !g.cron.Cancel(sweepJobName) {
		t.Error("sweep job was not registered")
	}
}

func TestGateway_RunStopsOnContextCancel(t *testing.T) {
	g, err := NewWithOptions(testConfig(t), Options{BotFactory: stubFactory, SignalChan: make(chan os.Signal)})
	if err != nil {
		t.Fatalf("NewWithOptions error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestGateway_Sweep(t *testing.T) {
	cfg := testConfig(t)
	cfg.Gate.SessionRetention = "1ns"
	g, err := NewWithOptions(cfg, Options{BotFactory: stubFactory})
	if err != nil {
		t.Fatalf("NewWithOptions error: %v", err)
	}
	defer g.Shutdown()

	sessions := g.engine.Sessions()
	retired := session.New("gs-1", session.Key{UserID: 1, ContentID: 42}, 1, store.ContentItem{}, 6)
	live := session.New("gs-2", session.Key{UserID: 2, ContentID: 42}, 2, store.ContentItem{}, 6)
	sessions.Install(retired)
	sessions.Install(live)
	retired.Transition(session.Created, session.Polling)
	retired.Transition(session.Polling, session.Expired)
	live.Transition(session.Created, session.Polling)

	time.Sleep(5 * time.Millisecond)
	g.sweep()

	if sessions.Len() != 1 {
		t.Errorf("Len = %d, want 1", sessions.Len())
	}
	if sessions.Get(live.Key) != live {
		t.Error("live session should survive the sweep")
	}
}

func TestGateway_StoreIsShared(t *testing.T) {
	cfg := testConfig(t)
	g, err := NewWithOptions(cfg, Options{BotFactory: stubFactory})
	if err != nil {
		t.Fatalf("NewWithOptions error: %v", err)
	}
	defer g.Shutdown()

	ctx := context.Background()
	if err := g.store.AddGateChannel(ctx, &store.GateChannel{ChannelID: -100, Handle: "alpha", Active: true}); err != nil {
		t.Fatalf("AddGateChannel error: %v", err)
	}
	chs, err := g.store.ListActiveGateChannels(ctx)
	if err != nil || len(chs) != 1 {
		t.Errorf("channels = %v, %v", chs, err)
	}
}
