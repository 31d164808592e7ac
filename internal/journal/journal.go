// Package journal records transfer outcomes in SQLite so refresh history can
// be inspected after the fact.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/inkfetch/internal/fault"
	"github.com/sells-group/inkfetch/internal/pbm"
	"github.com/sells-group/inkfetch/internal/transfer"
)

// ErrNotFound is returned by Get for an unknown id.
var ErrNotFound = errors.New("journal: entry not found")

// Entry is one recorded transfer, optionally with its decode result.
type Entry struct {
	ID            string    `json:"id" yaml:"id"`
	TransferID    string    `json:"transfer_id" yaml:"transfer_id"`
	Command       string    `json:"command" yaml:"command"`
	URL           string    `json:"url" yaml:"url"`
	OK            bool      `json:"ok" yaml:"ok"`
	Kind          string    `json:"kind" yaml:"kind"`
	StatusCode    int       `json:"status_code" yaml:"status_code"`
	ContentType   string    `json:"content_type,omitempty" yaml:"content_type,omitempty"`
	ContentLength int64     `json:"content_length" yaml:"content_length"`
	Framing       string    `json:"framing" yaml:"framing"`
	Delivered     int64     `json:"delivered" yaml:"delivered"`
	ElapsedMS     int64     `json:"elapsed_ms" yaml:"elapsed_ms"`
	Error         string    `json:"error,omitempty" yaml:"error,omitempty"`
	Decoded       bool      `json:"decoded" yaml:"decoded"`
	Width         int       `json:"width,omitempty" yaml:"width,omitempty"`
	Height        int       `json:"height,omitempty" yaml:"height,omitempty"`
	Written       int       `json:"written,omitempty" yaml:"written,omitempty"`
	DecodeError   string    `json:"decode_error,omitempty" yaml:"decode_error,omitempty"`
	CreatedAt     time.Time `json:"created_at" yaml:"created_at"`
}

// EntryFromOutcome converts a transfer outcome.
func EntryFromOutcome(command string, out transfer.Outcome) Entry {
	return Entry{
		TransferID:    out.ID,
		Command:       command,
		URL:           out.URL,
		OK:            out.OK,
		Kind:          out.Kind.String(),
		StatusCode:    out.StatusCode,
		ContentType:   out.ContentType,
		ContentLength: out.ContentLength,
		Framing:       out.Framing.String(),
		Delivered:     out.Delivered,
		ElapsedMS:     out.Elapsed.Milliseconds(),
		Error:         out.Description(),
	}
}

// WithDecode attaches a decode result. The entry only counts as OK when both
// the transfer and the decode succeeded.
func (e Entry) WithDecode(res pbm.Result) Entry {
	e.Decoded = true
	e.Width = res.Width
	e.Height = res.Height
	e.Written = res.Written
	if res.Err != nil {
		e.DecodeError = res.Err.Error()
		e.OK = false
		if e.Kind == fault.None.String() || e.Kind == fault.AbortedByConsumer.String() {
			e.Kind = fault.KindOf(res.Err).String()
		}
	}
	return e
}

// Filter narrows List.
type Filter struct {
	OK     *bool
	Kind   string
	URL    string
	Since  time.Time
	Limit  int
	Offset int
}

// Journal is the SQLite-backed outcome log.
type Journal struct {
	db *sql.DB
}

// Open opens the database at dsn in WAL mode.
func Open(dsn string) (*Journal, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "journal: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "journal: exec %s", pragma)
		}
	}
	return &Journal{db: db}, nil
}

const migration = `
CREATE TABLE IF NOT EXISTS transfers (
	id             TEXT PRIMARY KEY,
	transfer_id    TEXT NOT NULL,
	command        TEXT NOT NULL,
	url            TEXT NOT NULL,
	ok             INTEGER NOT NULL,
	kind           TEXT NOT NULL,
	status_code    INTEGER NOT NULL,
	content_type   TEXT NOT NULL DEFAULT '',
	content_length INTEGER NOT NULL DEFAULT -1,
	framing        TEXT NOT NULL DEFAULT 'unknown',
	delivered      INTEGER NOT NULL DEFAULT 0,
	elapsed_ms     INTEGER NOT NULL DEFAULT 0,
	error          TEXT NOT NULL DEFAULT '',
	decoded        INTEGER NOT NULL DEFAULT 0,
	width          INTEGER NOT NULL DEFAULT 0,
	height         INTEGER NOT NULL DEFAULT 0,
	written        INTEGER NOT NULL DEFAULT 0,
	decode_error   TEXT NOT NULL DEFAULT '',
	created_at     DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transfers_created_at ON transfers(created_at);
CREATE INDEX IF NOT EXISTS idx_transfers_kind ON transfers(kind);
CREATE INDEX IF NOT EXISTS idx_transfers_url ON transfers(url);
`

// Migrate creates the schema.
func (j *Journal) Migrate(ctx context.Context) error {
	_, err := j.db.ExecContext(ctx, migration)
	return eris.Wrap(err, "journal: migrate")
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// Record stores e, assigning an id and timestamp when missing.
func (j *Journal) Record(ctx context.Context, e Entry) (Entry, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err := j.db.ExecContext(ctx,
		`INSERT INTO transfers (id, transfer_id, command, url, ok, kind, status_code, content_type,
			content_length, framing, delivered, elapsed_ms, error, decoded, width, height, written,
			decode_error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TransferID, e.Command, e.URL, e.OK, e.Kind, e.StatusCode, e.ContentType,
		e.ContentLength, e.Framing, e.Delivered, e.ElapsedMS, e.Error, e.Decoded, e.Width, e.Height, e.Written,
		e.DecodeError, e.CreatedAt,
	)
	if err != nil {
		return e, eris.Wrapf(err, "journal: insert %s", e.ID)
	}
	return e, nil
}

const selectColumns = `SELECT id, transfer_id, command, url, ok, kind, status_code, content_type,
	content_length, framing, delivered, elapsed_ms, error, decoded, width, height, written,
	decode_error, created_at FROM transfers`

// Get returns one entry by id or a unique id prefix.
func (j *Journal) Get(ctx context.Context, id string) (*Entry, error) {
	rows, err := j.db.QueryContext(ctx, selectColumns+` WHERE substr(id, 1, length(?)) = ? ORDER BY created_at DESC LIMIT 2`, id, id)
	if err != nil {
		return nil, eris.Wrapf(err, "journal: get %s", id)
	}
	defer rows.Close() //nolint:errcheck

	var found []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		found = append(found, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "journal: get iterate")
	}
	switch len(found) {
	case 0:
		return nil, eris.Wrapf(ErrNotFound, "id %s", id)
	case 1:
		return &found[0], nil
	default:
		return nil, eris.Errorf("journal: id prefix %q is ambiguous", id)
	}
}

// List returns entries newest first.
func (j *Journal) List(ctx context.Context, f Filter) ([]Entry, error) {
	query := selectColumns + ` WHERE 1=1`
	var args []any

	if f.OK != nil {
		query += ` AND ok = ?`
		args = append(args, *f.OK)
	}
	if f.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, f.Kind)
	}
	if f.URL != "" {
		query += ` AND url = ?`
		args = append(args, f.URL)
	}
	if !f.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, f.Since.UTC())
	}
	query += ` ORDER BY created_at DESC`

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	if f.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, f.Offset)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "journal: list")
	}
	defer rows.Close() //nolint:errcheck

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, eris.Wrap(rows.Err(), "journal: list iterate")
}

// Stats summarizes the journal.
type Stats struct {
	Total  int            `json:"total" yaml:"total"`
	OK     int            `json:"ok" yaml:"ok"`
	ByKind map[string]int `json:"by_kind" yaml:"by_kind"`
}

// Stats counts entries by outcome kind.
func (j *Journal) Stats(ctx context.Context) (Stats, error) {
	st := Stats{ByKind: map[string]int{}}
	rows, err := j.db.QueryContext(ctx, `SELECT kind, ok, COUNT(*) FROM transfers GROUP BY kind, ok`)
	if err != nil {
		return st, eris.Wrap(err, "journal: stats")
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		var (
			kind string
			ok   bool
			n    int
		)
		if err := rows.Scan(&kind, &ok, &n); err != nil {
			return st, eris.Wrap(err, "journal: scan stats")
		}
		st.Total += n
		if ok {
			st.OK += n
		}
		st.ByKind[kind] += n
	}
	return st, eris.Wrap(rows.Err(), "journal: stats iterate")
}

// Prune deletes entries created before cutoff and returns how many went.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := j.db.ExecContext(ctx, `DELETE FROM transfers WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, eris.Wrap(err, "journal: prune")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "journal: prune rows affected")
	}
	return int(n), nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanEntry(row scannable) (*Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.TransferID, &e.Command, &e.URL, &e.OK, &e.Kind, &e.StatusCode, &e.ContentType,
		&e.ContentLength, &e.Framing, &e.Delivered, &e.ElapsedMS, &e.Error, &e.Decoded, &e.Width, &e.Height, &e.Written,
		&e.DecodeError, &e.CreatedAt)
	if err != nil {
		return nil, eris.Wrap(err, "journal: scan entry")
	}
	return &e, nil
}
