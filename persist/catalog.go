package persist

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/jellydator/ttlcache/v3"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/wallsync/wallsync/internal"
)

// ErrNotFound is returned when no artifact exists for the requested snapshot ID.
var ErrNotFound = errors.New("snapshot not found")

const (
	// artifacts above this size are never read on the hot path; callers get
	// metadata-only with a too-large indicator instead.
	maxFullReadBytes = 1_000_000

	// how long a caller waits for a listing before proceeding with an empty
	// result. The listing itself is not aborted, so a later call hits the
	// by-then-populated cache.
	listTimeout = 5 * time.Second

	listCacheKey = "snapshots"
	listCacheTTL = 5 * time.Minute
)

// Catalog is the queryable index over the snapshot directory. Listings are
// derived from filenames alone and cached; the cache is refreshed lazily on
// first access and eagerly after every successful save.
type Catalog struct {
	dir    string
	list   *ttlcache.Cache[string, []Meta]
	thumbs *lru.Cache
}

func NewCatalog(dir string) *Catalog {
	list := ttlcache.New[string, []Meta](
		ttlcache.WithTTL[string, []Meta](listCacheTTL),
	)
	go list.Start()
	thumbs, _ := lru.New(64) // 64 most recently viewed thumbnails
	return &Catalog{
		dir:    dir,
		list:   list,
		thumbs: thumbs,
	}
}

// List returns catalog entries, newest first. A cached empty list counts as a
// miss: stale emptiness must not hide snapshots saved by a previous process.
// If a fresh listing takes longer than the timeout, the caller proceeds with
// an empty result.
func (c *Catalog) List(ctx context.Context) []Meta {
	ctx, task := internal.StartTask(ctx, "CatalogList")
	defer task.End()
	if item := c.list.Get(listCacheKey); item != nil && len(item.Value()) > 0 {
		return item.Value()
	}

	ch := make(chan []Meta, 1)
	go func() {
		ch <- c.Refresh()
	}()
	select {
	case metas := <-ch:
		return metas
	case <-time.After(listTimeout):
		logger.Warn().Msg("catalog listing timed out, returning empty list")
		return []Meta{}
	case <-ctx.Done():
		return []Meta{}
	}
}

// Refresh lists the snapshot directory and replaces the cached listing. Files
// that don't follow the snapshot naming scheme are skipped, not deleted: a
// single malformed name must not break the rest of the catalog.
func (c *Catalog) Refresh() []Meta {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			// nothing saved yet
			return []Meta{}
		}
		logger.Err(err).Str("dir", c.dir).Msg("failed to list snapshot directory")
		return []Meta{}
	}
	type dated struct {
		meta    Meta
		savedAt time.Time
	}
	var found []dated
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), snapshotExt) {
			continue
		}
		id := strings.TrimSuffix(e.Name(), snapshotExt)
		_, savedAt, err := ParseSnapshotID(id)
		if err != nil {
			logger.Debug().Str("file", e.Name()).Err(err).Msg("skipping non-snapshot file")
			continue
		}
		meta, _ := metaFromID(id)
		found = append(found, dated{meta, savedAt})
	}
	sort.Slice(found, func(i, j int) bool {
		return found[i].savedAt.After(found[j].savedAt)
	})
	metas := make([]Meta, len(found))
	for i, d := range found {
		metas[i] = d.meta
	}
	c.list.Set(listCacheKey, metas, ttlcache.DefaultTTL)
	return metas
}

// Get returns a snapshot by ID. Exactly one of the return values is set on
// success: the full snapshot if fullData is true and the artifact is readable,
// otherwise a Meta. Oversized artifacts always come back metadata-only with
// TooLarge set, regardless of fullData; unparseable ones come back as a
// degraded Meta with an Error, isolated to that one artifact.
func (c *Catalog) Get(ctx context.Context, id string, fullData bool) (*Snapshot, *Meta, error) {
	_, task := internal.StartTask(ctx, "CatalogGet")
	defer task.End()
	if strings.ContainsAny(id, `/\`) {
		return nil, nil, ErrNotFound
	}
	path := filepath.Join(c.dir, id+snapshotExt)
	st, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, nil, ErrNotFound
	} else if err != nil {
		return nil, nil, fmt.Errorf("Get %s: %w", id, err)
	}

	if st.Size() > maxFullReadBytes {
		logger.Info().Str("snapshot", id).Int64("bytes", st.Size()).Msg("snapshot too large, returning metadata only")
		meta := c.degraded(id)
		meta.TooLarge = true
		meta.Error = "wall data too large to load completely"
		return nil, &meta, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("Get %s: %w", id, err)
	}
	if !gjson.ValidBytes(data) {
		logger.Warn().Str("snapshot", id).Msg("snapshot content is not valid JSON")
		meta := c.degraded(id)
		meta.Error = "could not parse wall data"
		return nil, &meta, nil
	}

	if fullData {
		// old artifacts may predate the id field; backfill from the filename
		if !gjson.GetBytes(data, "id").Exists() {
			data, _ = sjson.SetBytes(data, "id", id)
		}
		var snap Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			logger.Warn().Str("snapshot", id).Err(err).Msg("snapshot content does not match schema")
			meta := c.degraded(id)
			meta.Error = "could not parse wall data"
			return nil, &meta, nil
		}
		return &snap, nil, nil
	}

	meta := c.degraded(id)
	if code := gjson.GetBytes(data, "code").Str; code != "" {
		meta.Code = code
	}
	if savedAt := gjson.GetBytes(data, "savedAt").Str; savedAt != "" {
		meta.SavedAt = savedAt
	}
	meta.StrokeCount = int(gjson.GetBytes(data, "strokes.#").Int())
	meta.HasThumbnail = gjson.GetBytes(data, "thumbnail").Type == gjson.String
	return nil, &meta, nil
}

// Thumbnail returns the decoded thumbnail image bytes for a snapshot.
func (c *Catalog) Thumbnail(ctx context.Context, id string) ([]byte, error) {
	if b, ok := c.thumbs.Get(id); ok {
		return b.([]byte), nil
	}
	_, meta, err := c.Get(ctx, id, false)
	if err != nil {
		return nil, err
	}
	if meta == nil || !meta.HasThumbnail || meta.Error != "" {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(filepath.Join(c.dir, id+snapshotExt))
	if err != nil {
		return nil, fmt.Errorf("Thumbnail %s: %w", id, err)
	}
	encoded := gjson.GetBytes(data, "thumbnail").Str
	if encoded == "" {
		return nil, ErrNotFound
	}
	img, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		// truncated-at-save thumbnails can end mid base64 quantum; decode what we can
		if len(encoded)%4 != 0 {
			trimmed := encoded[:len(encoded)-len(encoded)%4]
			if img, err = base64.StdEncoding.DecodeString(trimmed); err != nil {
				return nil, ErrNotFound
			}
		} else {
			return nil, ErrNotFound
		}
	}
	c.thumbs.Add(id, img)
	return img, nil
}

// Stop releases the cache janitor goroutine. Only really useful for tests.
func (c *Catalog) Stop() {
	c.list.Stop()
}

// degraded builds the best Meta we can manage from the ID alone, for artifacts
// whose content can't be used.
func (c *Catalog) degraded(id string) Meta {
	meta, err := metaFromID(id)
	if err != nil {
		return Meta{ID: id, SavedAt: "unknown"}
	}
	return meta
}
