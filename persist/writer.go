package persist

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tidwall/gjson"

	"github.com/wallsync/wallsync/internal"
)

// Caps applied when persisting a wall. The live session history is unbounded
// so that joiners can replay everything; the persisted form is bounded so that
// one enthusiastic wall cannot eat the disk. Most recent history wins.
const (
	MaxUsers           = 100
	MaxStrokes         = 300
	MaxPointsPerStroke = 50
	MaxThumbnailBytes  = 100000

	// strokes are flushed in batches of this size, with a scheduler yield
	// between batches, so a large wall never produces one long write burst.
	strokeBatchSize = 10
)

// SessionView is the immutable view of a live session captured at save time.
// Strokes is a stable slice of the session's log: the writer reads it, never
// mutates it, so a save in progress cannot tear concurrent session activity.
type SessionView struct {
	Code      string
	Users     []UserRecord
	Strokes   []json.RawMessage
	Thumbnail string
}

// SaveResult is the cheap acknowledgement of a completed save. It never
// carries the stroke payload; stroke count stands in as a size indicator.
type SaveResult struct {
	ID           string    `json:"id"`
	Code         string    `json:"code"`
	SavedAt      time.Time `json:"savedAt"`
	StrokeCount  int       `json:"strokeCount"`
	HasThumbnail bool      `json:"hasThumbnail"`
}

// Writer persists session views as snapshot files. Writes happen on a small
// worker pool; saves for the same wall code are serialized by a per-code lock
// so snapshot IDs derived from (code, savedAt) stay unique.
type Writer struct {
	dir  string
	pool *internal.WorkerPool

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	// test seam for fault injection; defaults to os.Create
	createFile func(path string) (io.WriteCloser, error)

	// optional metrics, set via SetMetrics
	savesOK     prometheus.Counter
	savesFailed prometheus.Counter
}

func NewWriter(dir string, pool *internal.WorkerPool) *Writer {
	return &Writer{
		dir:   dir,
		pool:  pool,
		locks: make(map[string]*sync.Mutex),
		createFile: func(path string) (io.WriteCloser, error) {
			return os.Create(path)
		},
	}
}

func (w *Writer) SetMetrics(ok, failed prometheus.Counter) {
	w.savesOK = ok
	w.savesFailed = failed
}

// SaveAsync queues the save on the worker pool and invokes done with the
// outcome. done runs on a pool goroutine.
func (w *Writer) SaveAsync(ctx context.Context, view SessionView, done func(SaveResult, error)) {
	w.pool.Queue(func() {
		done(w.Save(ctx, view))
	})
}

// Save writes the view to a new snapshot file and returns its identity. On any
// fault partway through, the partial artifact is removed before the error is
// returned: a snapshot either exists complete or not at all.
func (w *Writer) Save(ctx context.Context, view SessionView) (SaveResult, error) {
	lock := w.codeLock(view.Code)
	lock.Lock()
	defer lock.Unlock()

	ctx, task := internal.StartTask(ctx, "SaveSnapshot")
	defer task.End()

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return w.fail(SaveResult{}, fmt.Errorf("Save: mkdir %s: %w", w.dir, err))
	}

	savedAt := time.Now().UTC()
	id := FormatSnapshotID(view.Code, savedAt)
	// same-code saves are lock-serialized, so an existing file can only mean
	// two saves landed within the same millisecond. Nudge forward.
	for {
		_, err := os.Stat(w.path(id))
		if os.IsNotExist(err) {
			break
		}
		if err != nil {
			// a broken data dir, not a collision; nudging would spin forever
			return w.fail(SaveResult{}, fmt.Errorf("Save: stat %s: %w", w.path(id), err))
		}
		savedAt = savedAt.Add(time.Millisecond)
		id = FormatSnapshotID(view.Code, savedAt)
	}

	// write to a temp name and rename into place at the end, so the catalog
	// (which only considers *.json files) never observes a partial snapshot.
	tmp := w.path(id) + ".tmp"
	f, err := w.createFile(tmp)
	if err != nil {
		return w.fail(SaveResult{}, fmt.Errorf("Save: create %s: %w", tmp, err))
	}

	strokeCount, err := w.writeSnapshot(ctx, f, id, savedAt, view)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return w.fail(SaveResult{}, fmt.Errorf("Save %s: %w", id, err))
	}
	if err := os.Rename(tmp, w.path(id)); err != nil {
		os.Remove(tmp)
		return w.fail(SaveResult{}, fmt.Errorf("Save %s: rename: %w", id, err))
	}

	if w.savesOK != nil {
		w.savesOK.Inc()
	}
	logger.Info().Str("wall", view.Code).Str("snapshot", id).Int("strokes", strokeCount).Msg("saved wall")
	return SaveResult{
		ID:           id,
		Code:         view.Code,
		SavedAt:      savedAt,
		StrokeCount:  strokeCount,
		HasThumbnail: view.Thumbnail != "",
	}, nil
}

// writeSnapshot streams the snapshot JSON field by field. Strokes go out in
// bounded batches with a cooperative yield between them, so peak memory and
// any single continuous compute burst stay bounded regardless of wall size.
func (w *Writer) writeSnapshot(ctx context.Context, f io.Writer, id string, savedAt time.Time, view SessionView) (int, error) {
	bw := bufio.NewWriter(f)

	header := struct {
		ID      string    `json:"id"`
		Code    string    `json:"code"`
		SavedAt time.Time `json:"savedAt"`
	}{id, view.Code, savedAt}
	hb, err := json.Marshal(header)
	if err != nil {
		return 0, err
	}
	// reopen the object: the remaining fields are streamed
	if _, err := bw.Write(hb[:len(hb)-1]); err != nil {
		return 0, err
	}

	users := view.Users
	if len(users) > MaxUsers {
		users = users[:MaxUsers]
	}
	if users == nil {
		users = []UserRecord{}
	}
	ub, err := json.Marshal(users)
	if err != nil {
		return 0, err
	}
	if _, err := fmt.Fprintf(bw, `,"users":%s`, ub); err != nil {
		return 0, err
	}

	// a capped log keeps only the most recent MaxStrokes entries
	log := internal.NewStrokeLog(MaxStrokes)
	for _, s := range view.Strokes {
		log.Append(s)
	}
	strokes := log.Snapshot()

	ctx, span := internal.StartSpan(ctx, "StreamStrokes")
	defer span.End()
	if _, err := bw.WriteString(`,"strokes":[`); err != nil {
		return 0, err
	}
	for i, raw := range strokes {
		sb, err := json.Marshal(simplifyStroke(raw))
		if err != nil {
			return 0, err
		}
		if i > 0 {
			if err := bw.WriteByte(','); err != nil {
				return 0, err
			}
		}
		if _, err := bw.Write(sb); err != nil {
			return 0, err
		}
		if (i+1)%strokeBatchSize == 0 && i+1 < len(strokes) {
			if err := bw.Flush(); err != nil {
				return 0, err
			}
			if err := ctx.Err(); err != nil {
				return 0, err
			}
			internal.Logf(ctx, "persist", "flushed stroke batch ending at %d", i)
			runtime.Gosched()
		}
	}
	if _, err := bw.WriteString(`]`); err != nil {
		return 0, err
	}

	if view.Thumbnail != "" {
		thumb := view.Thumbnail
		if len(thumb) > MaxThumbnailBytes {
			// truncation over failure: the thumbnail is a best-effort preview
			thumb = thumb[:MaxThumbnailBytes]
		}
		tb, err := json.Marshal(thumb)
		if err != nil {
			return 0, err
		}
		if _, err := fmt.Fprintf(bw, `,"thumbnail":%s`, tb); err != nil {
			return 0, err
		}
	}

	if _, err := bw.WriteString("}"); err != nil {
		return 0, err
	}
	return len(strokes), bw.Flush()
}

// simplifyStroke converts a raw stroke event into its persisted form: missing
// style fields get the canvas defaults, points are truncated to the cap, and a
// legacy flat {x1,y1,x2,y2} event becomes a single-point stroke.
func simplifyStroke(raw json.RawMessage) Stroke {
	var s Stroke
	if err := json.Unmarshal(raw, &s); err != nil {
		logger.Warn().Err(err).Msg("unparseable stroke in session log, persisting empty stroke")
	}
	if s.Color == "" {
		s.Color = "#000000"
	}
	if s.Size == 0 {
		s.Size = 5
	}
	if s.Opacity == 0 {
		s.Opacity = 1
	}
	if len(s.Points) > MaxPointsPerStroke {
		s.Points = s.Points[:MaxPointsPerStroke]
	}
	if len(s.Points) == 0 {
		if v := gjson.GetBytes(raw, "x1"); v.Exists() {
			p, _ := json.Marshal(struct {
				X1 float64 `json:"x1"`
				Y1 float64 `json:"y1"`
				X2 float64 `json:"x2"`
				Y2 float64 `json:"y2"`
			}{v.Float(), gjson.GetBytes(raw, "y1").Float(), gjson.GetBytes(raw, "x2").Float(), gjson.GetBytes(raw, "y2").Float()})
			s.Points = []json.RawMessage{p}
		} else {
			s.Points = []json.RawMessage{}
		}
	}
	return s
}

func (w *Writer) path(id string) string {
	return filepath.Join(w.dir, id+snapshotExt)
}

func (w *Writer) codeLock(code string) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()
	lock := w.locks[code]
	if lock == nil {
		lock = &sync.Mutex{}
		w.locks[code] = lock
	}
	return lock
}

func (w *Writer) fail(res SaveResult, err error) (SaveResult, error) {
	if w.savesFailed != nil {
		w.savesFailed.Inc()
	}
	logger.Err(err).Msg("snapshot save failed")
	return res, err
}
