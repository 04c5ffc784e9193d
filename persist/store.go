package persist

import (
	"context"

	"github.com/wallsync/wallsync/internal"
)

// Store bundles the snapshot writer and catalog over one directory, keeping
// the catalog's list cache eagerly refreshed after every successful save.
type Store struct {
	writer  *Writer
	catalog *Catalog
}

func NewStore(dir string, pool *internal.WorkerPool) *Store {
	return &Store{
		writer:  NewWriter(dir, pool),
		catalog: NewCatalog(dir),
	}
}

func (s *Store) Writer() *Writer   { return s.writer }
func (s *Store) Catalog() *Catalog { return s.catalog }

func (s *Store) Save(ctx context.Context, view SessionView) (SaveResult, error) {
	res, err := s.writer.Save(ctx, view)
	if err != nil {
		return res, err
	}
	s.catalog.Refresh()
	return res, nil
}

// SaveAsync runs Save on the writer's worker pool. done runs on a pool
// goroutine once the artifact is durable (or the partial write rolled back).
func (s *Store) SaveAsync(ctx context.Context, view SessionView, done func(SaveResult, error)) {
	s.writer.pool.Queue(func() {
		done(s.Save(ctx, view))
	})
}

func (s *Store) List(ctx context.Context) []Meta {
	return s.catalog.List(ctx)
}

func (s *Store) Get(ctx context.Context, id string, fullData bool) (*Snapshot, *Meta, error) {
	return s.catalog.Get(ctx, id, fullData)
}

func (s *Store) Thumbnail(ctx context.Context, id string) ([]byte, error) {
	return s.catalog.Thumbnail(ctx, id)
}
