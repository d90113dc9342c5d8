package telegram

import (
	"context"
	"encoding/json"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stellarlinkco/gatebot/internal/engine"
	"github.com/stellarlinkco/gatebot/internal/store"
)

type apiCall struct {
	Endpoint string
	Params   tgbotapi.Params
}

// mockBot implements TelegramBot for testing.
type mockBot struct {
	mu        sync.Mutex
	updates   chan tgbotapi.Update
	sent      []tgbotapi.Chattable
	requested []tgbotapi.Chattable
	calls     []apiCall
	nextID    int
	stopped   bool

	sendErrs    []error
	requestErrs []error
	requestErr  error
	respond     func(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error)
}

func newMockBot() *mockBot {
	return &mockBot{updates: make(chan tgbotapi.Update, 10), nextID: 100}
}

func (m *mockBot) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return m.updates
}

func (m *mockBot) StopReceivingUpdates() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
}

func (m *mockBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, c)
	if len(m.sendErrs) > 0 {
		err := m.sendErrs[0]
		m.sendErrs = m.sendErrs[1:]
		if err != nil {
			return tgbotapi.Message{}, err
		}
	}
	m.nextID++
	return tgbotapi.Message{MessageID: m.nextID}, nil
}

func (m *mockBot) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requested = append(m.requested, c)
	if len(m.requestErrs) > 0 {
		err := m.requestErrs[0]
		m.requestErrs = m.requestErrs[1:]
		if err != nil {
			return &tgbotapi.APIResponse{}, err
		}
		return &tgbotapi.APIResponse{Ok: true, Result: json.RawMessage("true")}, nil
	}
	if m.requestErr != nil {
		return &tgbotapi.APIResponse{}, m.requestErr
	}
	return &tgbotapi.APIResponse{Ok: true, Result: json.RawMessage("true")}, nil
}

func (m *mockBot) MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error) {
	m.mu.Lock()
	m.calls = append(m.calls, apiCall{Endpoint: endpoint, Params: params})
	respond := m.respond
	m.mu.Unlock()
	if respond != nil {
		return respond(endpoint, params)
	}
	return &tgbotapi.APIResponse{Ok: true, Result: json.RawMessage(`{}`)}, nil
}

func (m *mockBot) GetSelf() tgbotapi.User {
	return tgbotapi.User{ID: 1, UserName: "gate_bot"}
}

func (m *mockBot) sentMessages() []tgbotapi.MessageConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []tgbotapi.MessageConfig
	for _, c := range m.sent {
		if msg, ok := c.(tgbotapi.MessageConfig); ok {
			out = append(out, msg)
		}
	}
	return out
}

func (m *mockBot) callbacks() []tgbotapi.CallbackConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []tgbotapi.CallbackConfig
	for _, c := range m.requested {
		if cb, ok := c.(tgbotapi.CallbackConfig); ok {
			out = append(out, cb)
		}
	}
	return out
}

func result(v string) func(string, tgbotapi.Params) (*tgbotapi.APIResponse, error) {
	return func(string, tgbotapi.Params) (*tgbotapi.APIResponse, error) {
		return &tgbotapi.APIResponse{Ok: true, Result: json.RawMessage(v)}, nil
	}
}

func apiError(msg string) func(string, tgbotapi.Params) (*tgbotapi.APIResponse, error) {
	return func(string, tgbotapi.Params) (*tgbotapi.APIResponse, error) {
		return &tgbotapi.APIResponse{Ok: false, Description: msg}, &tgbotapi.Error{Code: 400, Message: msg}
	}
}

type fakeEngine struct {
	mu       sync.Mutex
	requests []engine.Request
	rechecks []engine.RecheckRequest
	welcomes []string
	helps    int
	replies  []int64

	result engine.Result
	err    error
	called chan struct{}
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{called: make(chan struct{}, 10)}
}

func (f *fakeEngine) RequestContent(_ context.Context, req engine.Request) (engine.Result, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	f.called <- struct{}{}
	return f.result, f.err
}

func (f *fakeEngine) Recheck(_ context.Context, req engine.RecheckRequest) (engine.Result, error) {
	f.mu.Lock()
	f.rechecks = append(f.rechecks, req)
	f.mu.Unlock()
	f.called <- struct{}{}
	return f.result, f.err
}

func (f *fakeEngine) Welcome(_ context.Context, _, _ int64, firstName string) (int, error) {
	f.mu.Lock()
	f.welcomes = append(f.welcomes, firstName)
	f.mu.Unlock()
	f.called <- struct{}{}
	return 1, nil
}

func (f *fakeEngine) AutoReply(_ context.Context, userID, _ int64) (int, error) {
	f.mu.Lock()
	f.replies = append(f.replies, userID)
	f.mu.Unlock()
	f.called <- struct{}{}
	return 1, nil
}

func (f *fakeEngine) Help(context.Context, int64, int64) (int, error) {
	f.mu.Lock()
	f.helps++
	f.mu.Unlock()
	f.called <- struct{}{}
	return 1, nil
}

type fakeRegistry struct {
	mu    sync.Mutex
	users []store.User
	items []store.ContentItem
	stats store.Stats
}

func (r *fakeRegistry) SaveUser(_ context.Context, u *store.User) error {
	r.mu.Lock()
	r.users = append(r.users, *u)
	r.mu.Unlock()
	return nil
}

func (r *fakeRegistry) SaveContentItem(_ context.Context, item *store.ContentItem) error {
	r.mu.Lock()
	r.items = append(r.items, *item)
	r.mu.Unlock()
	return nil
}

func (r *fakeRegistry) Stats(context.Context) (*store.Stats, error) {
	s := r.stats
	return &s, nil
}
