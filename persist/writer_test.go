package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/wallsync/wallsync/internal"
	"github.com/wallsync/wallsync/testutils"
)

func newTestWriter(t *testing.T) *Writer {
	t.Helper()
	pool := internal.NewWorkerPool(2)
	pool.Start()
	t.Cleanup(pool.Stop)
	return NewWriter(t.TempDir(), pool)
}

func readSnapshot(t *testing.T, w *Writer, id string) Snapshot {
	t.Helper()
	data, err := os.ReadFile(w.path(id))
	if err != nil {
		t.Fatalf("reading snapshot: %s", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("snapshot %s is not valid JSON: %s", id, err)
	}
	return snap
}

func TestSaveEmptyWall(t *testing.T) {
	w := newTestWriter(t)
	res, err := w.Save(context.Background(), SessionView{Code: "AB12CD"})
	if err != nil {
		t.Fatalf("Save: %s", err)
	}
	if res.StrokeCount != 0 || res.HasThumbnail {
		t.Errorf("result %+v", res)
	}
	snap := readSnapshot(t, w, res.ID)
	if snap.ID != res.ID || snap.Code != "AB12CD" {
		t.Errorf("snapshot identity: %+v", snap)
	}
	// empty collections persist as [], never null
	if snap.Users == nil || snap.Strokes == nil {
		t.Errorf("nil collections in %+v", snap)
	}
}

func TestSaveCapsStrokesToMostRecent(t *testing.T) {
	w := newTestWriter(t)
	view := SessionView{Code: "AB12CD"}
	for i := 0; i < 400; i++ {
		view.Strokes = append(view.Strokes, testutils.NewStroke(fmt.Sprintf("#%06x", i), 5, 1, 80))
	}
	res, err := w.Save(context.Background(), view)
	if err != nil {
		t.Fatalf("Save: %s", err)
	}
	if res.StrokeCount != MaxStrokes {
		t.Fatalf("StrokeCount %d, want %d", res.StrokeCount, MaxStrokes)
	}
	snap := readSnapshot(t, w, res.ID)
	if len(snap.Strokes) != MaxStrokes {
		t.Fatalf("%d persisted strokes, want %d", len(snap.Strokes), MaxStrokes)
	}
	// the oldest 100 were dropped, so the first persisted stroke is #100
	if snap.Strokes[0].Color != fmt.Sprintf("#%06x", 100) {
		t.Errorf("first stroke color %q", snap.Strokes[0].Color)
	}
	if last := snap.Strokes[MaxStrokes-1].Color; last != fmt.Sprintf("#%06x", 399) {
		t.Errorf("last stroke color %q", last)
	}
	for i, s := range snap.Strokes {
		if len(s.Points) != MaxPointsPerStroke {
			t.Fatalf("stroke %d has %d points, want %d", i, len(s.Points), MaxPointsPerStroke)
		}
	}
}

func TestSaveAppliesStrokeDefaults(t *testing.T) {
	w := newTestWriter(t)
	view := SessionView{
		Code: "AB12CD",
		Strokes: []json.RawMessage{
			json.RawMessage(`{"points":[{"x":1,"y":2}]}`),
			testutils.NewLegacyStroke("#123456", 1, 2, 3, 4),
		},
	}
	res, err := w.Save(context.Background(), view)
	if err != nil {
		t.Fatalf("Save: %s", err)
	}
	snap := readSnapshot(t, w, res.ID)
	if len(snap.Strokes) != 2 {
		t.Fatalf("%d strokes", len(snap.Strokes))
	}
	bare := snap.Strokes[0]
	if bare.Color != "#000000" || bare.Size != 5 || bare.Opacity != 1 {
		t.Errorf("defaults not applied: %+v", bare)
	}
	legacy := snap.Strokes[1]
	if legacy.Color != "#123456" || len(legacy.Points) != 1 {
		t.Fatalf("legacy stroke: %+v", legacy)
	}
	var p struct{ X1, Y1, X2, Y2 float64 }
	if err := json.Unmarshal(legacy.Points[0], &p); err != nil {
		t.Fatalf("legacy point: %s", err)
	}
	if p.X1 != 1 || p.Y1 != 2 || p.X2 != 3 || p.Y2 != 4 {
		t.Errorf("legacy point %+v", p)
	}
}

func TestSaveCapsUsersAndThumbnail(t *testing.T) {
	w := newTestWriter(t)
	view := SessionView{Code: "AB12CD", Thumbnail: strings.Repeat("A", MaxThumbnailBytes+5000)}
	for i := 0; i < MaxUsers+20; i++ {
		view.Users = append(view.Users, UserRecord{ID: fmt.Sprintf("u%d", i), Username: "x", JoinedAt: time.Now().UTC()})
	}
	res, err := w.Save(context.Background(), view)
	if err != nil {
		t.Fatalf("Save: %s", err)
	}
	if !res.HasThumbnail {
		t.Error("HasThumbnail not set")
	}
	snap := readSnapshot(t, w, res.ID)
	if len(snap.Users) != MaxUsers {
		t.Errorf("%d users persisted, want %d", len(snap.Users), MaxUsers)
	}
	if len(snap.Thumbnail) != MaxThumbnailBytes {
		t.Errorf("thumbnail length %d, want %d", len(snap.Thumbnail), MaxThumbnailBytes)
	}
}

func TestBackToBackSavesGetDistinctIDs(t *testing.T) {
	w := newTestWriter(t)
	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		res, err := w.Save(context.Background(), SessionView{Code: "AB12CD"})
		if err != nil {
			t.Fatalf("Save %d: %s", i, err)
		}
		if seen[res.ID] {
			t.Fatalf("duplicate snapshot id %s", res.ID)
		}
		seen[res.ID] = true
	}
}

// a writer that starts failing after a byte budget, to fault a save mid-stream
type faultyFile struct {
	f      *os.File
	budget int
}

func (ff *faultyFile) Write(p []byte) (int, error) {
	if ff.budget <= 0 {
		return 0, fmt.Errorf("disk full")
	}
	ff.budget -= len(p)
	return ff.f.Write(p)
}

func (ff *faultyFile) Close() error { return ff.f.Close() }

func TestFailedSaveLeavesNoArtifact(t *testing.T) {
	w := newTestWriter(t)
	w.createFile = func(path string) (io.WriteCloser, error) {
		f, err := os.Create(path)
		if err != nil {
			return nil, err
		}
		return &faultyFile{f: f, budget: 200}, nil
	}
	view := SessionView{Code: "AB12CD"}
	for i := 0; i < 50; i++ {
		view.Strokes = append(view.Strokes, testutils.NewStroke("#ff0000", 5, 1, 20))
	}
	if _, err := w.Save(context.Background(), view); err == nil {
		t.Fatal("Save did not fail")
	}
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		t.Fatalf("ReadDir: %s", err)
	}
	for _, e := range entries {
		t.Errorf("leftover artifact %s", e.Name())
	}
}

func TestSaveSurfacesStatFailures(t *testing.T) {
	w := newTestWriter(t)
	// a filename component this long makes stat fail with ENAMETOOLONG, which
	// is not a collision and must not be retried
	view := SessionView{Code: strings.Repeat("A", 300)}
	errCh := make(chan error, 1)
	go func() {
		_, err := w.Save(context.Background(), view)
		errCh <- err
	}()
	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("Save did not fail")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Save hung on a stat failure")
	}
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		t.Fatalf("ReadDir: %s", err)
	}
	for _, e := range entries {
		t.Errorf("leftover artifact %s", e.Name())
	}
}

func TestSaveAsyncRunsOnThePool(t *testing.T) {
	w := newTestWriter(t)
	done := make(chan SaveResult, 1)
	w.SaveAsync(context.Background(), SessionView{Code: "AB12CD"}, func(res SaveResult, err error) {
		if err != nil {
			t.Errorf("SaveAsync: %s", err)
		}
		done <- res
	})
	select {
	case res := <-done:
		if _, err := os.Stat(filepath.Join(w.dir, res.ID+snapshotExt)); err != nil {
			t.Errorf("artifact missing: %s", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("save never completed")
	}
}
