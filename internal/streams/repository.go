package streams

import "context"

// Document is one sample document used for previews.
type Document map[string]any

// Repository defines the persistence interface for stream definitions and
// their preview samples. Implementations may use SQLite or in-memory storage.
type Repository interface {
	// Get returns the definition of the named stream.
	// Returns ErrStreamNotFound if the stream does not exist.
	Get(ctx context.Context, name string) (Definition, error)

	// Revision returns the stored revision of the named stream. It changes
	// whenever the definition is written, and not when samples are added.
	// Returns ErrStreamNotFound if the stream does not exist.
	Revision(ctx context.Context, name string) (int64, error)

	// List returns all stream names in ascending order.
	List(ctx context.Context) ([]string, error)

	// Put creates or replaces a definition as-is.
	Put(ctx context.Context, def Definition) (Definition, error)

	// Upsert applies a session commit and returns the stored definition.
	Upsert(ctx context.Context, req UpsertRequest) (Definition, error)

	// Samples returns up to limit sample documents for the stream, newest first.
	Samples(ctx context.Context, name string, limit int) ([]Document, error)

	// AddSamples appends sample documents for the stream.
	AddSamples(ctx context.Context, name string, docs []Document) error

	// Close releases any resources held by the repository.
	Close() error
}
