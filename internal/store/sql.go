package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

// SQLStore implements Store on database/sql for SQLite and PostgreSQL.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

var _ Store = (*SQLStore)(nil)

// Open connects to the database for the given driver, configures the pool
// and applies pending migrations. For sqlite the dsn is a file path.
func Open(driver, dsn string) (*SQLStore, error) {
	switch driver {
	case DialectSQLite:
		return openSQLite(dsn)
	case DialectPostgres:
		return openPostgres(dsn)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
}

func openSQLite(path string) (*SQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", filepath.ToSlash(path))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create migration db driver: %w", err)
	}
	if err := runMigrations(driver, "migrations/sqlite", DialectSQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return newSQLStore(db, DialectSQLite), nil
}

func openPostgres(url string) (*SQLStore, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create migration db driver: %w", err)
	}
	if err := runMigrations(driver, "migrations/postgres", DialectPostgres); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return newSQLStore(db, DialectPostgres), nil
}

func runMigrations(dbDriver database.Driver, dir, name string) error {
	sourceDriver, err := iofs.New(migrationsFS, dir)
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, name, dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func newSQLStore(db *sql.DB, dialect string) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// q rewrites ? placeholders into $n for postgres.
func (s *SQLStore) q(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func nowUnix() int64 {
	return time.Now().Unix()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Content items

func (s *SQLStore) SaveContentItem(ctx context.Context, item *ContentItem) error {
	if item.Kind == "" {
		item.Kind = MediaVideo
	}
	if item.SavedAt.IsZero() {
		item.SavedAt = time.Now()
	}
	err := s.db.QueryRowContext(ctx, s.q(`
		INSERT INTO content_items (source_channel_id, source_message_id, channel_name, media_kind, views, saved_at)
		VALUES (?, ?, ?, ?, 0, ?)
		ON CONFLICT (source_channel_id, source_message_id) DO UPDATE
		SET channel_name = excluded.channel_name, media_kind = excluded.media_kind, saved_at = excluded.saved_at
		RETURNING id, views`),
		item.SourceChannelID, item.SourceMessageID, item.ChannelName, string(item.Kind), item.SavedAt.Unix(),
	).Scan(&item.ID, &item.Views)
	if err != nil {
		return fmt.Errorf("save content item: %w", err)
	}
	return nil
}

const contentColumns = `id, source_channel_id, source_message_id, channel_name, media_kind, views, saved_at`

func scanContentItem(row interface{ Scan(...any) error }) (*ContentItem, error) {
	var (
		item    ContentItem
		kind    string
		savedAt int64
	)
	if err := row.Scan(&item.ID, &item.SourceChannelID, &item.SourceMessageID, &item.ChannelName, &kind, &item.Views, &savedAt); err != nil {
		return nil, err
	}
	item.Kind = MediaKind(kind)
	item.SavedAt = time.Unix(savedAt, 0)
	return &item, nil
}

func (s *SQLStore) GetContentItem(ctx context.Context, messageID int) (*ContentItem, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT `+contentColumns+`
		FROM content_items
		WHERE source_message_id = ?
		ORDER BY saved_at DESC, id DESC
		LIMIT 1`), messageID)
	item, err := scanContentItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get content item %d: %w", messageID, err)
	}
	return item, nil
}

func (s *SQLStore) ListContentItems(ctx context.Context, limit int) ([]*ContentItem, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+contentColumns+`
		FROM content_items
		ORDER BY saved_at DESC, id DESC
		LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("list content items: %w", err)
	}
	defer rows.Close()

	var items []*ContentItem
	for rows.Next() {
		item, err := scanContentItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan content item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate content items: %w", err)
	}
	return items, nil
}

func (s *SQLStore) IncrementViews(ctx context.Context, sourceChannelID int64, messageID int) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE content_items SET views = views + 1
		WHERE source_channel_id = ? AND source_message_id = ?`),
		sourceChannelID, messageID)
	if err != nil {
		return fmt.Errorf("increment views: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Gate channels

func (s *SQLStore) AddGateChannel(ctx context.Context, ch *GateChannel) error {
	if ch.AddedAt.IsZero() {
		ch.AddedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO gate_channels (channel_id, handle, invite_link, active, added_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (channel_id) DO UPDATE
		SET handle = excluded.handle, invite_link = excluded.invite_link, active = excluded.active`),
		ch.ChannelID, strings.TrimPrefix(ch.Handle, "@"), ch.InviteLink, boolInt(ch.Active), ch.AddedAt.Unix())
	if err != nil {
		return fmt.Errorf("add gate channel: %w", err)
	}
	return nil
}

func (s *SQLStore) RemoveGateChannel(ctx context.Context, channelID int64) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM gate_channels WHERE channel_id = ?`), channelID)
	if err != nil {
		return fmt.Errorf("remove gate channel: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) ListGateChannels(ctx context.Context) ([]GateChannel, error) {
	return s.listGateChannels(ctx, false)
}

func (s *SQLStore) ListActiveGateChannels(ctx context.Context) ([]GateChannel, error) {
	return s.listGateChannels(ctx, true)
}

func (s *SQLStore) listGateChannels(ctx context.Context, activeOnly bool) ([]GateChannel, error) {
	query := `SELECT channel_id, handle, invite_link, active, added_at FROM gate_channels`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY added_at ASC, channel_id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list gate channels: %w", err)
	}
	defer rows.Close()

	var channels []GateChannel
	for rows.Next() {
		var (
			ch      GateChannel
			active  int
			addedAt int64
		)
		if err := rows.Scan(&ch.ChannelID, &ch.Handle, &ch.InviteLink, &active, &addedAt); err != nil {
			return nil, fmt.Errorf("scan gate channel: %w", err)
		}
		ch.Active = active != 0
		ch.AddedAt = time.Unix(addedAt, 0)
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate gate channels: %w", err)
	}
	return channels, nil
}

// Settings and templates

func (s *SQLStore) GetSetting(ctx context.Context, key string) (string, error) {
	return s.getKV(ctx, "settings", key)
}

func (s *SQLStore) SetSetting(ctx context.Context, key, value string) error {
	return s.setKV(ctx, "settings", key, value)
}

func (s *SQLStore) GetTemplate(ctx context.Context, key string) (string, error) {
	return s.getKV(ctx, "templates", key)
}

func (s *SQLStore) SetTemplate(ctx context.Context, key, body string) error {
	return s.setKV(ctx, "templates", key, body)
}

func (s *SQLStore) getKV(ctx context.Context, table, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT value FROM `+table+` WHERE key = ?`), key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get %s %q: %w", table, key, err)
	}
	return value, nil
}

func (s *SQLStore) setKV(ctx context.Context, table, key, value string) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO `+table+` (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`),
		key, value, nowUnix())
	if err != nil {
		return fmt.Errorf("set %s %q: %w", table, key, err)
	}
	return nil
}

// Buttons

func (s *SQLStore) ListButtons(ctx context.Context, location string) ([]Button, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, location, text, url, kind, position
		FROM buttons
		WHERE location = ?
		ORDER BY position ASC, id ASC`), location)
	if err != nil {
		return nil, fmt.Errorf("list buttons: %w", err)
	}
	defer rows.Close()

	var buttons []Button
	for rows.Next() {
		var (
			b    Button
			kind string
		)
		if err := rows.Scan(&b.ID, &b.Location, &b.Text, &b.URL, &kind, &b.Position); err != nil {
			return nil, fmt.Errorf("scan button: %w", err)
		}
		b.Kind = ButtonKind(kind)
		buttons = append(buttons, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate buttons: %w", err)
	}
	return buttons, nil
}

func (s *SQLStore) AddButton(ctx context.Context, btn *Button) error {
	if btn.Kind == "" {
		btn.Kind = ButtonURL
	}
	err := s.db.QueryRowContext(ctx, s.q(`
		INSERT INTO buttons (location, text, url, kind, position)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id`),
		btn.Location, btn.Text, btn.URL, string(btn.Kind), btn.Position,
	).Scan(&btn.ID)
	if err != nil {
		return fmt.Errorf("add button: %w", err)
	}
	return nil
}

func (s *SQLStore) RemoveButton(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM buttons WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("remove button: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Users

func (s *SQLStore) SaveUser(ctx context.Context, u *User) error {
	now := nowUnix()
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO users (user_id, username, first_name, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE
		SET username = excluded.username, first_name = excluded.first_name, last_seen = excluded.last_seen`),
		u.ID, u.Username, u.FirstName, now, now)
	if err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	return nil
}

func (s *SQLStore) ListUserIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM users ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return ids, nil
}

func (s *SQLStore) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(1) FROM content_items),
			(SELECT COALESCE(SUM(views), 0) FROM content_items),
			(SELECT COUNT(1) FROM gate_channels WHERE active = 1),
			(SELECT COUNT(1) FROM users)`,
	).Scan(&st.ContentItems, &st.TotalViews, &st.GateChannels, &st.Users)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	return &st, nil
}
