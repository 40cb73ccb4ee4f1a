// Package journal records export runs in SQLite: what was asked for, how
// it ended and which artifact it produced.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/navexport/idgen"
)

// Schema creates the exports table. Pass it to dbopen.WithSchema.
const Schema = `
CREATE TABLE IF NOT EXISTS exports (
    id          TEXT PRIMARY KEY,
    kind        TEXT NOT NULL,
    status      TEXT NOT NULL DEFAULT 'running',
    items       TEXT NOT NULL DEFAULT '[]',
    artifact    TEXT NOT NULL DEFAULT '',
    pages       INTEGER NOT NULL DEFAULT 0,
    error       TEXT NOT NULL DEFAULT '',
    created_at  INTEGER NOT NULL,
    finished_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_exports_created ON exports(created_at DESC);
`

// Kinds of export.
const (
	KindPDF      = "pdf"
	KindSVG      = "svg"
	KindDownload = "download"
)

// Statuses of an export.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// ErrNotFound is returned by Get for an unknown id.
var ErrNotFound = errors.New("journal: export not found")

var newID = idgen.Prefixed("exp_", idgen.Default)

// Entry is one export run.
type Entry struct {
	ID         string   `json:"id"`
	Kind       string   `json:"kind"`
	Status     string   `json:"status"`
	Items      []string `json:"items"`
	Artifact   string   `json:"artifact,omitempty"`
	Pages      int      `json:"pages"`
	Error      string   `json:"error,omitempty"`
	CreatedAt  int64    `json:"created_at"`
	FinishedAt int64    `json:"finished_at,omitempty"`
}

// Store wraps the journal database. The schema must already be applied.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New wraps db.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Begin records a running export of the given layer locators.
func (s *Store) Begin(ctx context.Context, kind string, items []string) (*Entry, error) {
	if items == nil {
		items = []string{}
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("journal: marshal items: %w", err)
	}
	e := &Entry{
		ID:        newID(),
		Kind:      kind,
		Status:    StatusRunning,
		Items:     items,
		CreatedAt: s.now().UnixMilli(),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO exports (id, kind, status, items, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.Kind, e.Status, string(raw), e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("journal: begin: %w", err)
	}
	return e, nil
}

// Finish closes an export. A nil runErr marks it succeeded with the given
// artifact and page count.
func (s *Store) Finish(ctx context.Context, id, artifact string, pages int, runErr error) error {
	status, msg := StatusSucceeded, ""
	if runErr != nil {
		status, msg, artifact, pages = StatusFailed, runErr.Error(), "", 0
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE exports SET status = ?, artifact = ?, pages = ?, error = ?, finished_at = ?
		 WHERE id = ? AND status = ?`,
		status, artifact, pages, msg, s.now().UnixMilli(), id, StatusRunning)
	if err != nil {
		return fmt.Errorf("journal: finish %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("journal: finish %s: %w", id, ErrNotFound)
	}
	return nil
}

// Get returns one export.
func (s *Store) Get(ctx context.Context, id string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM exports WHERE id = ?`, id)
	e, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("journal: get %s: %w", id, err)
	}
	return e, nil
}

// List returns the most recent exports first. limit <= 0 means 50.
func (s *Store) List(ctx context.Context, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+columns+` FROM exports ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: list: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("journal: list: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const columns = `id, kind, status, items, artifact, pages, error, created_at, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scan(sc scanner) (*Entry, error) {
	var (
		e        Entry
		items    string
		finished sql.NullInt64
	)
	if err := sc.Scan(&e.ID, &e.Kind, &e.Status, &items, &e.Artifact, &e.Pages, &e.Error, &e.CreatedAt, &finished); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(items), &e.Items); err != nil {
		return nil, fmt.Errorf("items of %s: %w", e.ID, err)
	}
	e.FinishedAt = finished.Int64
	return &e, nil
}
