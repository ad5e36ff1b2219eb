package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/randalmurphal/sitebus/pkg/sitebus/destination"
	"github.com/randalmurphal/sitebus/pkg/sitebus/envelope"
	buserr "github.com/randalmurphal/sitebus/pkg/sitebus/errors"
)

// SQLiteArchiver persists packages to SQLite.
//
// It embeds a Threaded destination: until Start it writes synchronously in
// the caller's goroutine, and once started writes move onto its own loop so
// a slow disk never holds up the bus. Writes that hit a locked database are
// retried with exponential backoff.
type SQLiteArchiver struct {
	*destination.Threaded

	db      *sql.DB
	session string
	retry   buserr.RetryConfig

	mu       sync.RWMutex
	channels map[channelKey]ChannelInfo
	closed   bool
}

type sqliteOptions struct {
	dest  destination.Config
	retry buserr.RetryConfig
}

// SQLiteOption configures a SQLiteArchiver.
type SQLiteOption func(*sqliteOptions)

// WithDestination sets the configuration of the archiver's own loop.
// Default: name "archiver", blocking.
func WithDestination(cfg destination.Config) SQLiteOption {
	return func(o *sqliteOptions) {
		o.dest = cfg
	}
}

// WithRetry sets the write retry policy. The retryable check always treats
// a locked or busy database as retryable.
// Default: errors.DefaultRetry
func WithRetry(cfg buserr.RetryConfig) SQLiteOption {
	return func(o *sqliteOptions) {
		o.retry = cfg
	}
}

// NewSQLiteArchiver opens (or creates) an archive database.
// The path should be a file path (e.g., "./site.db") or ":memory:" for testing.
// Every archiver instance writes under a fresh session ID.
func NewSQLiteArchiver(path string, opts ...SQLiteOption) (*SQLiteArchiver, error) {
	o := sqliteOptions{
		dest:  destination.Config{Name: "archiver"},
		retry: buserr.DefaultRetry,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.dest.Name == "" {
		o.dest.Name = "archiver"
	}
	if o.retry.RetryableFunc == nil {
		o.retry.RetryableFunc = isLocked
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent and serializes
	// writers inside the process.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS channels (
			name TEXT NOT NULL,
			channel_type TEXT NOT NULL,
			metadata TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (name, channel_type)
		)`,
		`CREATE TABLE IF NOT EXISTS packages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			package_id INTEGER NOT NULL,
			source TEXT NOT NULL,
			channel_type TEXT NOT NULL,
			command_id INTEGER NOT NULL DEFAULT 0,
			timestamp TEXT NOT NULL,
			payload TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_packages_channel ON packages(channel_type)`,
		`CREATE INDEX IF NOT EXISTS idx_packages_command ON packages(command_id)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	a := &SQLiteArchiver{
		db:      db,
		session: uuid.NewString(),
		retry:   o.retry,
	}
	channels, err := a.loadChannels()
	if err != nil {
		db.Close()
		return nil, err
	}
	a.channels = channels
	a.Threaded = destination.NewThreaded(a, o.dest)
	return a, nil
}

// SessionID identifies the packages written by this archiver instance.
func (a *SQLiteArchiver) SessionID() string {
	return a.session
}

// HandlePackage writes one package. It runs on the archiver's loop once
// started, and in the caller's goroutine otherwise.
func (a *SQLiteArchiver) HandlePackage(pkg *envelope.Package) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return fmt.Errorf("sqlite archiver: %w", buserr.ErrClosed)
	}
	if err := checkSchema(a.channels, pkg); err != nil {
		return fmt.Errorf("archive package %d from %s: %w", pkg.ID, pkg.Source, err)
	}

	var payload map[string]any
	if pkg.Payload != nil {
		payload = pkg.Payload.ToMap()
	}
	body, err := json.Marshal(jsonSafe(payload))
	if err != nil {
		return fmt.Errorf("encode package %d: %w", pkg.ID, err)
	}

	res := buserr.WithRetry(context.Background(), a.retry, func(ctx context.Context) (struct{}, error) {
		_, err := a.db.ExecContext(ctx, `
			INSERT INTO packages (session_id, package_id, source, channel_type, command_id, timestamp, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, a.session, int64(pkg.ID), pkg.Source, string(pkg.Channel), int64(commandID(pkg)),
			pkg.Timestamp.UTC().Format(time.RFC3339Nano), string(body))
		return struct{}{}, err
	})
	if res.Err != nil {
		return fmt.Errorf("save package %d after %d attempts: %w", pkg.ID, res.Attempts, res.Err)
	}
	return nil
}

// CreateChannel implements Archiver. Registering an existing name and type
// replaces its metadata.
func (a *SQLiteArchiver) CreateChannel(name string, channel envelope.ChannelType, metadata envelope.Metadata) error {
	if name == "" || !channel.Valid() {
		return fmt.Errorf("%w: channel %q of type %q", buserr.ErrInvalidPackage, name, channel)
	}
	body, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encode metadata for %s: %w", name, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return fmt.Errorf("sqlite archiver: %w", buserr.ErrClosed)
	}

	now := time.Now().UTC()
	res := buserr.WithRetry(context.Background(), a.retry, func(ctx context.Context) (struct{}, error) {
		_, err := a.db.ExecContext(ctx, `
			INSERT INTO channels (name, channel_type, metadata, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(name, channel_type) DO UPDATE SET
				metadata = excluded.metadata
		`, name, string(channel), string(body), now.Format(time.RFC3339Nano))
		return struct{}{}, err
	})
	if res.Err != nil {
		return fmt.Errorf("create channel %s: %w", name, res.Err)
	}

	info := ChannelInfo{Name: name, Type: channel, Metadata: maps.Clone(metadata), CreatedAt: now}
	key := channelKey{name, channel}
	if prev, ok := a.channels[key]; ok {
		info.CreatedAt = prev.CreatedAt
	}
	a.channels[key] = info
	return nil
}

// Packages implements Store.
func (a *SQLiteArchiver) Packages(filter Filter) ([]Record, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, fmt.Errorf("sqlite archiver: %w", buserr.ErrClosed)
	}

	where, args := filter.sql()
	query := `
		SELECT session_id, package_id, source, channel_type, command_id, timestamp, payload
		FROM packages` + where + ` ORDER BY seq`
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := a.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list packages: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r         Record
			packageID int64
			commandID int64
			channel   string
			timestamp string
			payload   string
		)
		if err := rows.Scan(&r.SessionID, &packageID, &r.Source, &channel, &commandID, &timestamp, &payload); err != nil {
			return nil, fmt.Errorf("scan package: %w", err)
		}
		r.PackageID = uint64(packageID)
		r.CommandID = uint64(commandID)
		r.Channel = envelope.ChannelType(channel)
		r.Timestamp, _ = time.Parse(time.RFC3339Nano, timestamp)
		if err := json.Unmarshal([]byte(payload), &r.Payload); err != nil {
			return nil, fmt.Errorf("decode package %d: %w", packageID, err)
		}
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate packages: %w", err)
	}
	return records, nil
}

// Count implements Store.
func (a *SQLiteArchiver) Count(filter Filter) (int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return 0, fmt.Errorf("sqlite archiver: %w", buserr.ErrClosed)
	}

	where, args := filter.sql()
	var n int
	if err := a.db.QueryRow(`SELECT COUNT(*) FROM packages`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count packages: %w", err)
	}
	return n, nil
}

// Channels implements Store.
func (a *SQLiteArchiver) Channels() ([]ChannelInfo, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, fmt.Errorf("sqlite archiver: %w", buserr.ErrClosed)
	}
	return sortedChannels(a.channels), nil
}

// Close stops the loop, writes anything still queued, and closes the
// database. Safe to call multiple times.
func (a *SQLiteArchiver) Close() error {
	if err := a.End(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true
	return a.db.Close()
}

func (a *SQLiteArchiver) loadChannels() (map[channelKey]ChannelInfo, error) {
	rows, err := a.db.Query(`SELECT name, channel_type, metadata, created_at FROM channels`)
	if err != nil {
		return nil, fmt.Errorf("load channels: %w", err)
	}
	defer rows.Close()

	channels := make(map[channelKey]ChannelInfo)
	for rows.Next() {
		var (
			info      ChannelInfo
			channel   string
			metadata  string
			createdAt string
		)
		if err := rows.Scan(&info.Name, &channel, &metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		info.Type = envelope.ChannelType(channel)
		info.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		if err := json.Unmarshal([]byte(metadata), &info.Metadata); err != nil {
			return nil, fmt.Errorf("decode channel %s: %w", info.Name, err)
		}
		channels[channelKey{info.Name, info.Type}] = info
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channels: %w", err)
	}
	return channels, nil
}

// sql renders the filter as a WHERE clause. Limit is handled by the caller.
func (f Filter) sql() (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if f.Channel != "" {
		clauses = append(clauses, "channel_type = ?")
		args = append(args, string(f.Channel))
	}
	if f.Source != "" {
		clauses = append(clauses, "source = ?")
		args = append(args, f.Source)
	}
	if f.CommandID != 0 {
		clauses = append(clauses, "command_id = ?")
		args = append(args, int64(f.CommandID))
	}
	if f.SessionID != "" {
		clauses = append(clauses, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// isLocked reports whether err is SQLite lock contention.
// jsonSafe replaces NaN and infinite floats, which JSON cannot carry, with
// the strings "NaN", "+Inf" and "-Inf". Nested maps and slices are walked.
func jsonSafe(v any) any {
	switch x := v.(type) {
	case float64:
		return finite(x)
	case float32:
		return finite(float64(x))
	case map[string]any:
		if x == nil {
			return v
		}
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = jsonSafe(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = jsonSafe(e)
		}
		return out
	case []float64:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = finite(e)
		}
		return out
	default:
		return v
	}
}

func finite(f float64) any {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "+Inf"
	case math.IsInf(f, -1):
		return "-Inf"
	default:
		return f
	}
}

func isLocked(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
