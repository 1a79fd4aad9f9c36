package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	deepcopy "github.com/tiendc/go-deepcopy"
)

// globalSchemaSQL is the DDL for the single cross-notebook database:
// notebooks, sources, and parsing_settings. This is the sole authority
// for cross-notebook enumeration and for restoring state on restart.
const globalSchemaSQL = `
CREATE TABLE IF NOT EXISTS notebooks (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS sources (
    id TEXT PRIMARY KEY,
    notebook_id TEXT NOT NULL REFERENCES notebooks(id) ON DELETE CASCADE,
    filename TEXT NOT NULL,
    path TEXT NOT NULL,
    kind TEXT NOT NULL,
    size_bytes INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'new',
    enabled INTEGER NOT NULL DEFAULT 1,
    has_docs INTEGER NOT NULL DEFAULT 0,
    has_parsing INTEGER NOT NULL DEFAULT 0,
    has_base INTEGER NOT NULL DEFAULT 0,
    embeddings_status TEXT NOT NULL DEFAULT 'unavailable',
    warning TEXT,
    sort_order INTEGER NOT NULL DEFAULT 0,
    override_json JSON,
    added_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS parsing_settings (
    notebook_id TEXT PRIMARY KEY REFERENCES notebooks(id) ON DELETE CASCADE,
    settings_json JSON NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sources_notebook ON sources(notebook_id);
CREATE INDEX IF NOT EXISTS idx_sources_order ON sources(notebook_id, sort_order, added_at);
`

// Notebook mirrors a row in the notebooks table.
type Notebook struct {
	ID        string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Source mirrors a row in the sources table. OverrideJSON carries the
// caller's serialized per-source parser override (GlobalStore treats it
// as an opaque blob to avoid importing the root package's types).
type Source struct {
	ID               string
	NotebookID       string
	Filename         string
	Path             string
	Kind             string
	SizeBytes        int64
	Status           string
	Enabled          bool
	HasDocs          bool
	HasParsing       bool
	HasBase          bool
	EmbeddingsStatus string
	Warning          string
	SortOrder        int
	OverrideJSON     string
	AddedAt          time.Time
}

// GlobalStore wraps the cross-notebook database: notebooks, sources, and
// parsing settings. Per-notebook documents/chunks/embeddings live in
// each notebook's own Store file instead.
type GlobalStore struct {
	db *sql.DB
}

// NewGlobalStore opens (or creates) the global database at dbPath.
func NewGlobalStore(dbPath string) (*GlobalStore, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening global database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging global database: %w", err)
	}
	if _, err := db.Exec(globalSchemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating global schema: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	return &GlobalStore{db: db}, nil
}

// Close closes the underlying database connection.
func (g *GlobalStore) Close() error {
	return g.db.Close()
}

// --- Notebooks ---

// UpsertNotebook inserts or updates a notebook row.
func (g *GlobalStore) UpsertNotebook(ctx context.Context, nb Notebook) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO notebooks (id, title, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			updated_at = excluded.updated_at
	`, nb.ID, nb.Title, nb.CreatedAt, nb.UpdatedAt)
	return err
}

// GetNotebook retrieves a notebook by ID.
func (g *GlobalStore) GetNotebook(ctx context.Context, id string) (*Notebook, error) {
	nb := &Notebook{}
	err := g.db.QueryRowContext(ctx,
		"SELECT id, title, created_at, updated_at FROM notebooks WHERE id = ?", id,
	).Scan(&nb.ID, &nb.Title, &nb.CreatedAt, &nb.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return nb, nil
}

// ListNotebooks returns every notebook, oldest first.
func (g *GlobalStore) ListNotebooks(ctx context.Context) ([]Notebook, error) {
	rows, err := g.db.QueryContext(ctx,
		"SELECT id, title, created_at, updated_at FROM notebooks ORDER BY created_at ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nbs []Notebook
	for rows.Next() {
		var nb Notebook
		if err := rows.Scan(&nb.ID, &nb.Title, &nb.CreatedAt, &nb.UpdatedAt); err != nil {
			return nil, err
		}
		nbs = append(nbs, nb)
	}
	return nbs, rows.Err()
}

// DeleteNotebook removes a notebook and cascades to its sources and settings.
func (g *GlobalStore) DeleteNotebook(ctx context.Context, id string) error {
	_, err := g.db.ExecContext(ctx, "DELETE FROM notebooks WHERE id = ?", id)
	return err
}

// DuplicateNotebook deep-copies a notebook's row, its sources (remapped to
// newSourceIDs), and its parsing settings under newNotebookID. Callers
// are responsible for copying on-disk files and the per-notebook
// database separately; this method only copies GlobalStore rows.
func (g *GlobalStore) DuplicateNotebook(ctx context.Context, srcNotebookID, newNotebookID, newTitle string, newSourceIDs map[string]string, now time.Time) error {
	return g.inTx(ctx, func(tx *sql.Tx) error {
		src, err := g.getNotebookTx(ctx, tx, srcNotebookID)
		if err != nil {
			return fmt.Errorf("loading source notebook: %w", err)
		}

		var dup Notebook
		if err := deepcopy.Copy(&dup, src); err != nil {
			return fmt.Errorf("deep-copying notebook: %w", err)
		}
		dup.ID = newNotebookID
		dup.Title = newTitle
		dup.CreatedAt, dup.UpdatedAt = now, now

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO notebooks (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)",
			dup.ID, dup.Title, dup.CreatedAt, dup.UpdatedAt); err != nil {
			return fmt.Errorf("inserting duplicated notebook: %w", err)
		}

		sources, err := g.listSourcesTx(ctx, tx, srcNotebookID)
		if err != nil {
			return fmt.Errorf("loading sources to duplicate: %w", err)
		}
		for _, s := range sources {
			newID, ok := newSourceIDs[s.ID]
			if !ok {
				return fmt.Errorf("no replacement id supplied for source %s", s.ID)
			}
			var dupSrc Source
			if err := deepcopy.Copy(&dupSrc, &s); err != nil {
				return fmt.Errorf("deep-copying source %s: %w", s.ID, err)
			}
			dupSrc.ID = newID
			dupSrc.NotebookID = newNotebookID
			dupSrc.AddedAt = now
			if err := upsertSourceTx(ctx, tx, dupSrc); err != nil {
				return fmt.Errorf("inserting duplicated source %s: %w", newID, err)
			}
		}

		settingsJSON, err := g.getParsingSettingsJSONTx(ctx, tx, srcNotebookID)
		if err == nil && settingsJSON != "" {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO parsing_settings (notebook_id, settings_json) VALUES (?, ?)",
				newNotebookID, settingsJSON); err != nil {
				return fmt.Errorf("duplicating parsing settings: %w", err)
			}
		}

		return nil
	})
}

func (g *GlobalStore) getNotebookTx(ctx context.Context, tx *sql.Tx, id string) (*Notebook, error) {
	nb := &Notebook{}
	err := tx.QueryRowContext(ctx,
		"SELECT id, title, created_at, updated_at FROM notebooks WHERE id = ?", id,
	).Scan(&nb.ID, &nb.Title, &nb.CreatedAt, &nb.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return nb, nil
}

// --- Sources ---

// UpsertSource inserts or updates a source row.
func (g *GlobalStore) UpsertSource(ctx context.Context, s Source) error {
	return g.inTx(ctx, func(tx *sql.Tx) error {
		return upsertSourceTx(ctx, tx, s)
	})
}

func upsertSourceTx(ctx context.Context, tx *sql.Tx, s Source) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sources (id, notebook_id, filename, path, kind, size_bytes, status, enabled,
			has_docs, has_parsing, has_base, embeddings_status, warning, sort_order, override_json, added_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			filename = excluded.filename,
			path = excluded.path,
			kind = excluded.kind,
			size_bytes = excluded.size_bytes,
			status = excluded.status,
			enabled = excluded.enabled,
			has_docs = excluded.has_docs,
			has_parsing = excluded.has_parsing,
			has_base = excluded.has_base,
			embeddings_status = excluded.embeddings_status,
			warning = excluded.warning,
			sort_order = excluded.sort_order,
			override_json = excluded.override_json
	`, s.ID, s.NotebookID, s.Filename, s.Path, s.Kind, s.SizeBytes, s.Status, s.Enabled,
		s.HasDocs, s.HasParsing, s.HasBase, s.EmbeddingsStatus, s.Warning, s.SortOrder, s.OverrideJSON, s.AddedAt)
	return err
}

// GetSource retrieves a source by ID.
func (g *GlobalStore) GetSource(ctx context.Context, id string) (*Source, error) {
	s := &Source{}
	var warning, overrideJSON sql.NullString
	err := g.db.QueryRowContext(ctx, `
		SELECT id, notebook_id, filename, path, kind, size_bytes, status, enabled,
			has_docs, has_parsing, has_base, embeddings_status, warning, sort_order, override_json, added_at
		FROM sources WHERE id = ?
	`, id).Scan(&s.ID, &s.NotebookID, &s.Filename, &s.Path, &s.Kind, &s.SizeBytes, &s.Status, &s.Enabled,
		&s.HasDocs, &s.HasParsing, &s.HasBase, &s.EmbeddingsStatus, &warning, &s.SortOrder, &overrideJSON, &s.AddedAt)
	if err != nil {
		return nil, err
	}
	s.Warning, s.OverrideJSON = warning.String, overrideJSON.String
	return s, nil
}

// ListSources returns a notebook's sources ordered by (sort_order, added_at).
func (g *GlobalStore) ListSources(ctx context.Context, notebookID string) ([]Source, error) {
	return g.listSourcesTx(ctx, nil, notebookID)
}

func (g *GlobalStore) listSourcesTx(ctx context.Context, tx *sql.Tx, notebookID string) ([]Source, error) {
	const q = `
		SELECT id, notebook_id, filename, path, kind, size_bytes, status, enabled,
			has_docs, has_parsing, has_base, embeddings_status, warning, sort_order, override_json, added_at
		FROM sources WHERE notebook_id = ? ORDER BY sort_order ASC, added_at ASC`

	var rows *sql.Rows
	var err error
	if tx != nil {
		rows, err = tx.QueryContext(ctx, q, notebookID)
	} else {
		rows, err = g.db.QueryContext(ctx, q, notebookID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sources []Source
	for rows.Next() {
		var s Source
		var warning, overrideJSON sql.NullString
		if err := rows.Scan(&s.ID, &s.NotebookID, &s.Filename, &s.Path, &s.Kind, &s.SizeBytes, &s.Status, &s.Enabled,
			&s.HasDocs, &s.HasParsing, &s.HasBase, &s.EmbeddingsStatus, &warning, &s.SortOrder, &overrideJSON, &s.AddedAt); err != nil {
			return nil, err
		}
		s.Warning, s.OverrideJSON = warning.String, overrideJSON.String
		sources = append(sources, s)
	}
	return sources, rows.Err()
}

// DeleteSource removes a source row and renumbers the notebook's
// remaining sort order to a dense 1..N sequence.
func (g *GlobalStore) DeleteSource(ctx context.Context, id string) error {
	return g.inTx(ctx, func(tx *sql.Tx) error {
		var notebookID string
		if err := tx.QueryRowContext(ctx, "SELECT notebook_id FROM sources WHERE id = ?", id).Scan(&notebookID); err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM sources WHERE id = ?", id); err != nil {
			return err
		}
		return renumberSortOrderTx(ctx, tx, notebookID)
	})
}

func renumberSortOrderTx(ctx context.Context, tx *sql.Tx, notebookID string) error {
	rows, err := tx.QueryContext(ctx,
		"SELECT id FROM sources WHERE notebook_id = ? ORDER BY sort_order ASC, added_at ASC", notebookID)
	if err != nil {
		return err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	for i, id := range ids {
		if _, err := tx.ExecContext(ctx,
			"UPDATE sources SET sort_order = ? WHERE id = ?", i+1, id); err != nil {
			return err
		}
	}
	return nil
}

// --- Parsing settings ---

// SetParsingSettingsJSON stores a notebook's serialized ParsingSettings.
func (g *GlobalStore) SetParsingSettingsJSON(ctx context.Context, notebookID, settingsJSON string) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO parsing_settings (notebook_id, settings_json) VALUES (?, ?)
		ON CONFLICT(notebook_id) DO UPDATE SET settings_json = excluded.settings_json
	`, notebookID, settingsJSON)
	return err
}

// GetParsingSettingsJSON returns a notebook's serialized ParsingSettings.
func (g *GlobalStore) GetParsingSettingsJSON(ctx context.Context, notebookID string) (string, error) {
	return g.getParsingSettingsJSONTx(ctx, nil, notebookID)
}

func (g *GlobalStore) getParsingSettingsJSONTx(ctx context.Context, tx *sql.Tx, notebookID string) (string, error) {
	var settingsJSON string
	var err error
	if tx != nil {
		err = tx.QueryRowContext(ctx, "SELECT settings_json FROM parsing_settings WHERE notebook_id = ?", notebookID).Scan(&settingsJSON)
	} else {
		err = g.db.QueryRowContext(ctx, "SELECT settings_json FROM parsing_settings WHERE notebook_id = ?", notebookID).Scan(&settingsJSON)
	}
	if err != nil {
		return "", err
	}
	return settingsJSON, nil
}

// --- Startup reconciliation ---

// ReconcileOnStartup applies the two startup rules from the source
// lifecycle: a source whose file is missing loses has_docs, and a
// source caught mid-index (status=indexing implies an interrupted run)
// is promoted to failed.
func (g *GlobalStore) ReconcileOnStartup(ctx context.Context, fileExists func(path string) bool) error {
	rows, err := g.db.QueryContext(ctx, "SELECT id, path, status FROM sources")
	if err != nil {
		return err
	}
	type row struct {
		id, path, status string
	}
	var toCheck []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.path, &r.status); err != nil {
			rows.Close()
			return err
		}
		toCheck = append(toCheck, r)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	for _, r := range toCheck {
		if !fileExists(r.path) {
			if _, err := g.db.ExecContext(ctx, "UPDATE sources SET has_docs = 0 WHERE id = ?", r.id); err != nil {
				return fmt.Errorf("reconciling missing file for source %s: %w", r.id, err)
			}
		}
		if r.status == "indexing" {
			if _, err := g.db.ExecContext(ctx, "UPDATE sources SET status = 'failed' WHERE id = ?", r.id); err != nil {
				return fmt.Errorf("reconciling interrupted index for source %s: %w", r.id, err)
			}
		}
	}
	return nil
}

func (g *GlobalStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
