package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zjrosen/enrich/internal/log"
	"github.com/zjrosen/enrich/internal/streams"
)

// streamColumns is the list of columns to select for stream queries.
const streamColumns = `name, definition, revision, created_at, updated_at`

// streamRepository implements streams.Repository using SQLite.
type streamRepository struct {
	db  *sql.DB
	now func() time.Time
}

// newStreamRepository creates a new streamRepository instance.
func newStreamRepository(db *sql.DB) *streamRepository {
	return &streamRepository{db: db, now: time.Now}
}

// Ensure streamRepository implements streams.Repository.
var _ streams.Repository = (*streamRepository)(nil)

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// scanStream scans a row into a StreamModel.
func scanStream(scanner interface{ Scan(...any) error }) (*StreamModel, error) {
	var model StreamModel
	err := scanner.Scan(&model.Name, &model.Definition, &model.Revision, &model.CreatedAt, &model.UpdatedAt)
	return &model, err
}

func getStream(ctx context.Context, q queryer, name string) (*StreamModel, error) {
	row := q.QueryRowContext(ctx, `SELECT `+streamColumns+` FROM streams WHERE name = ?`, name)
	model, err := scanStream(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", streams.ErrStreamNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stream: %w", err)
	}
	return model, nil
}

// Get retrieves a stream definition by name.
// Returns ErrStreamNotFound if no matching stream exists.
func (r *streamRepository) Get(ctx context.Context, name string) (streams.Definition, error) {
	model, err := getStream(ctx, r.db, name)
	if err != nil {
		return streams.Definition{}, err
	}
	return model.toDomain()
}

// Revision returns the stored revision of a stream.
// Returns ErrStreamNotFound if no matching stream exists.
func (r *streamRepository) Revision(ctx context.Context, name string) (int64, error) {
	var rev int64
	err := r.db.QueryRowContext(ctx, `SELECT revision FROM streams WHERE name = ?`, name).Scan(&rev)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", streams.ErrStreamNotFound, name)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get stream revision: %w", err)
	}
	return rev, nil
}

// List returns all stream names in ascending order.
func (r *streamRepository) List(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT name FROM streams ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list streams: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan stream row: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stream rows: %w", err)
	}
	return names, nil
}

// Put creates or replaces a definition as-is.
func (r *streamRepository) Put(ctx context.Context, def streams.Definition) (streams.Definition, error) {
	if err := def.Validate(); err != nil {
		return streams.Definition{}, err
	}
	if err := r.save(ctx, r.db, def); err != nil {
		return streams.Definition{}, err
	}
	log.Info(log.CatStore, "stream saved", "stream", def.Stream.Name)
	return def.Clone(), nil
}

// Upsert applies a session commit in a transaction and returns the stored
// definition. Root streams reject processing changes.
func (r *streamRepository) Upsert(ctx context.Context, req streams.UpsertRequest) (streams.Definition, error) {
	name := req.Definition.Stream.Name
	if req.Definition.IsRoot() {
		return streams.Definition{}, fmt.Errorf("%w: %s", streams.ErrRootStreamImmutable, name)
	}

	next := req.Apply()
	if err := next.Validate(); err != nil {
		return streams.Definition{}, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return streams.Definition{}, fmt.Errorf("failed to begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Inherited fields belong to the parent and are never taken from the request.
	current, err := getStream(ctx, tx, name)
	switch {
	case err == nil:
		stored, derr := current.toDomain()
		if derr != nil {
			return streams.Definition{}, derr
		}
		next.InheritedFields = stored.InheritedFields
	case !errors.Is(err, streams.ErrStreamNotFound):
		return streams.Definition{}, err
	}

	if err := r.save(ctx, tx, next); err != nil {
		return streams.Definition{}, err
	}
	if err := tx.Commit(); err != nil {
		return streams.Definition{}, fmt.Errorf("failed to commit upsert: %w", err)
	}

	log.Info(log.CatStore, "stream upserted", "stream", name, "processors", len(next.Stream.Ingest.Processing))
	return next, nil
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r *streamRepository) save(ctx context.Context, ex execer, def streams.Definition) error {
	model, err := toStreamModel(def)
	if err != nil {
		return err
	}
	now := r.now().Unix()
	_, err = ex.ExecContext(ctx,
		`INSERT INTO streams (name, definition, revision, created_at, updated_at)
		 VALUES (?, ?, 1, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET
			definition = excluded.definition,
			revision = streams.revision + 1,
			updated_at = excluded.updated_at`,
		model.Name, model.Definition, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to save stream: %w", err)
	}
	return nil
}

// Samples returns up to limit sample documents for the stream, newest first.
// limit <= 0 returns every sample.
func (r *streamRepository) Samples(ctx context.Context, name string, limit int) ([]streams.Document, error) {
	query := `SELECT id, stream, document, created_at FROM samples WHERE stream = ? ORDER BY id DESC`
	args := []any{name}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list samples: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var docs []streams.Document
	for rows.Next() {
		var model SampleModel
		if err := rows.Scan(&model.ID, &model.Stream, &model.Document, &model.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sample row: %w", err)
		}
		doc, err := model.toDomain()
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sample rows: %w", err)
	}
	return docs, nil
}

// AddSamples appends sample documents for the stream in one transaction.
func (r *streamRepository) AddSamples(ctx context.Context, name string, docs []streams.Document) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin sample insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := r.now().Unix()
	for _, doc := range docs {
		model, err := toSampleModel(name, doc)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO samples (stream, document, created_at) VALUES (?, ?, ?)`,
			model.Stream, model.Document, now,
		); err != nil {
			return fmt.Errorf("failed to insert sample: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit samples: %w", err)
	}
	log.Debug(log.CatStore, "samples added", "stream", name, "count", len(docs))
	return nil
}

// Close releases any resources held by the repository.
// This is a no-op because the connection is owned by the DB struct.
func (r *streamRepository) Close() error {
	return nil
}
