package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stellarlinkco/gatebot/internal/gate"
	"github.com/stellarlinkco/gatebot/internal/msglog"
	"github.com/stellarlinkco/gatebot/internal/session"
	"github.com/stellarlinkco/gatebot/internal/store"
)

type fakeCatalog struct {
	mu        sync.Mutex
	items     map[int]*store.ContentItem
	channels  []store.GateChannel
	settings  map[string]string
	templates map[string]string
	buttons   map[string][]store.Button
	views     map[int]int
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		items:     make(map[int]*store.ContentItem),
		settings:  make(map[string]string),
		templates: make(map[string]string),
		buttons:   make(map[string][]store.Button),
		views:     make(map[int]int),
	}
}

func (c *fakeCatalog) GetContentItem(_ context.Context, id int) (*store.ContentItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.items[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *item
	return &cp, nil
}

func (c *fakeCatalog) IncrementViews(_ context.Context, _ int64, id int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.views[id]++
	return nil
}

func (c *fakeCatalog) ListActiveGateChannels(context.Context) ([]store.GateChannel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]store.GateChannel(nil), c.channels...), nil
}

func (c *fakeCatalog) GetSetting(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.settings[key]
	if !ok {
		return "", store.ErrNotFound
	}
	return v, nil
}

func (c *fakeCatalog) GetTemplate(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.templates[key]
	if !ok {
		return "", store.ErrNotFound
	}
	return v, nil
}

func (c *fakeCatalog) ListButtons(_ context.Context, location string) ([]store.Button, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buttons[location], nil
}

func (c *fakeCatalog) viewCount(id int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.views[id]
}

type statusResult struct {
	status gate.Status
	err    error
}

// fakeQuerier answers membership lookups from a mutable table; channels not
// in the table report "left".
type fakeQuerier struct {
	mu      sync.Mutex
	results map[int64]statusResult
	delay   time.Duration
}

func newFakeQuerier() *fakeQuerier {
	return &fakeQuerier{results: make(map[int64]statusResult)}
}

func (q *fakeQuerier) set(channelID int64, st gate.Status, err error) {
	q.mu.Lock()
	q.results[channelID] = statusResult{status: st, err: err}
	q.mu.Unlock()
}

func (q *fakeQuerier) MemberStatus(_ context.Context, channelID, _ int64) (gate.Status, error) {
	q.mu.Lock()
	delay := q.delay
	q.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.results[channelID]
	if !ok {
		return gate.Status{Raw: gate.StatusLeft}, nil
	}
	return r.status, r.err
}

type sentMsg struct {
	ChatID int64
	ID     int
	Text   string
	KB     Keyboard
}

type editMsg struct {
	ChatID int64
	ID     int
	Text   string
	KB     Keyboard
}

type copyCall struct {
	ChatID, From int64
	MessageID    int
	Protect      bool
}

type mediaMsg struct {
	ChatID int64
	ID     int
	Kind   store.MediaKind
	FileID string
}

type fakeMessenger struct {
	mu       sync.Mutex
	nextID   int
	sent     []sentMsg
	edits    []editMsg
	deleted  []int
	copies   []copyCall
	media    []mediaMsg
	mediaErr error
	copyErr  error
	copyWait chan struct{}
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{nextID: 1000}
}

func (m *fakeMessenger) SendText(_ context.Context, chatID int64, text string, kb Keyboard) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.sent = append(m.sent, sentMsg{ChatID: chatID, ID: m.nextID, Text: text, KB: kb})
	return m.nextID, nil
}

func (m *fakeMessenger) EditText(_ context.Context, chatID int64, messageID int, text string, kb Keyboard) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edits = append(m.edits, editMsg{ChatID: chatID, ID: messageID, Text: text, KB: kb})
	return nil
}

func (m *fakeMessenger) DeleteMessage(_ context.Context, _ int64, messageID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, messageID)
	return nil
}

func (m *fakeMessenger) CopyContent(_ context.Context, chatID, from int64, messageID int, protect bool) (int, error) {
	if m.copyWait != nil {
		<-m.copyWait
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.copies = append(m.copies, copyCall{ChatID: chatID, From: from, MessageID: messageID, Protect: protect})
	if m.copyErr != nil {
		return 0, m.copyErr
	}
	m.nextID++
	return m.nextID, nil
}

func (m *fakeMessenger) SendMedia(_ context.Context, chatID int64, kind store.MediaKind, fileID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mediaErr != nil {
		return 0, m.mediaErr
	}
	m.nextID++
	m.media = append(m.media, mediaMsg{ChatID: chatID, ID: m.nextID, Kind: kind, FileID: fileID})
	return m.nextID, nil
}

func (m *fakeMessenger) copyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.copies)
}

func (m *fakeMessenger) editCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.edits)
}

func (m *fakeMessenger) sentTexts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	texts := make([]string, len(m.sent))
	for i, s := range m.sent {
		texts[i] = s.Text
	}
	return texts
}

// fakeScheduler records jobs; tests fire them with tick.
type fakeScheduler struct {
	mu       sync.Mutex
	jobs     map[string]func()
	history  map[string]func()
	interval map[string]time.Duration
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{
		jobs:     make(map[string]func()),
		history:  make(map[string]func()),
		interval: make(map[string]time.Duration),
	}
}

func (f *fakeScheduler) Every(name string, interval time.Duration, fn func()) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[name] = fn
	f.history[name] = fn
	f.interval[name] = interval
	return nil
}

func (f *fakeScheduler) Cancel(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.jobs[name]
	delete(f.jobs, name)
	return ok
}

func (f *fakeScheduler) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for n := range f.jobs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// tick fires a job if it is still scheduled and reports whether it ran.
func (f *fakeScheduler) tick(name string) bool {
	f.mu.Lock()
	fn, ok := f.jobs[name]
	f.mu.Unlock()
	if !ok {
		return false
	}
	fn()
	return true
}

// fire runs a job even after it was cancelled, like a tick already in flight.
func (f *fakeScheduler) fire(name string) {
	f.mu.Lock()
	fn := f.history[name]
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

type harness struct {
	engine  *Engine
	catalog *fakeCatalog
	querier *fakeQuerier
	msgr    *fakeMessenger
	sched   *fakeScheduler
	msgs    *msglog.Log
	pub     *recordingPublisher
}

type publishedEvent struct {
	Topic string
	Event any
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent

	// onPublish runs synchronously after each event is recorded.
	onPublish func(topic string)
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, event any) error {
	p.mu.Lock()
	p.events = append(p.events, publishedEvent{Topic: topic, Event: event})
	hook := p.onPublish
	p.mu.Unlock()
	if hook != nil {
		hook(topic)
	}
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Topic
	}
	return out
}

const (
	testUser    int64 = 7
	testChat    int64 = 7
	testContent       = 42
	testSource  int64 = -1009
	chanA       int64 = -101
	chanB       int64 = -102
)

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		catalog: newFakeCatalog(),
		querier: newFakeQuerier(),
		msgr:    newFakeMessenger(),
		sched:   newFakeScheduler(),
		msgs:    msglog.New(),
		pub:     &recordingPublisher{},
	}
	h.catalog.items[testContent] = &store.ContentItem{ID: 1, SourceChannelID: testSource, SourceMessageID: testContent, Kind: store.MediaVideo}
	h.catalog.channels = []store.GateChannel{
		{ChannelID: chanA, Handle: "alpha", Active: true},
		{ChannelID: chanB, InviteLink: "https://t.me/+beta", Active: true},
	}

	var (
		idMu sync.Mutex
		seq  int
	)
	h.engine = New(Deps{
		Catalog:   h.catalog,
		Querier:   h.querier,
		Messenger: h.msgr,
		Scheduler: h.sched,
		Events:    h.pub,
		Messages:  h.msgs,
	}, Options{PollInterval: 5 * time.Second, AttemptLimit: 6})
	h.engine.newID = func() (string, error) {
		idMu.Lock()
		defer idMu.Unlock()
		seq++
		return fmt.Sprintf("gs-%d", seq), nil
	}
	return h
}

func (h *harness) currentSession() *session.Session {
	return h.engine.Sessions().Get(session.Key{UserID: testUser, ContentID: testContent})
}

// tracked drains the cleanup log for testUser and reports how many messages
// it held.
func (h *harness) tracked() int {
	return h.msgs.Flush(context.Background(), newFakeMessenger(), testUser)
}

func member() gate.Status { return gate.Status{Raw: gate.StatusMember} }

func pendingRequest() gate.Status {
	f := false
	return gate.Status{Raw: gate.StatusRestricted, IsMember: &f}
}
