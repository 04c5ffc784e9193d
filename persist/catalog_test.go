package persist

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/wallsync/wallsync/internal"
	"github.com/wallsync/wallsync/testutils"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	pool := internal.NewWorkerPool(2)
	pool.Start()
	t.Cleanup(pool.Stop)
	s := NewStore(t.TempDir(), pool)
	t.Cleanup(s.Catalog().Stop)
	return s
}

func writeArtifact(t *testing.T, s *Store, name, content string) {
	t.Helper()
	if err := os.MkdirAll(s.writer.dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(s.writer.dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestListDerivesFromFilenamesOnly(t *testing.T) {
	s := newTestStore(t)
	// content is garbage on purpose: listings must never read it
	writeArtifact(t, s, "AB12CD_2026-01-02T10-00-00.000Z.json", "not json at all")
	writeArtifact(t, s, "ZZ99XX_2026-01-02T11-00-00.000Z.json", "{}")
	writeArtifact(t, s, "notes.txt", "ignore me")
	writeArtifact(t, s, "badname.json", "{}")

	metas := s.List(context.Background())
	if len(metas) != 2 {
		t.Fatalf("%d entries, want 2: %+v", len(metas), metas)
	}
	// newest first
	if metas[0].Code != "ZZ99XX" || metas[1].Code != "AB12CD" {
		t.Errorf("order: %s, %s", metas[0].ID, metas[1].ID)
	}
	if metas[0].SavedAt != "2026-01-02T11:00:00Z" {
		t.Errorf("savedAt %q", metas[0].SavedAt)
	}
}

func TestListCachedEmptinessDoesNotStick(t *testing.T) {
	s := newTestStore(t)
	if metas := s.List(context.Background()); len(metas) != 0 {
		t.Fatalf("unexpected entries %+v", metas)
	}
	// something lands on disk after the empty listing was cached
	writeArtifact(t, s, "AB12CD_2026-01-02T10-00-00.000Z.json", "{}")
	if metas := s.List(context.Background()); len(metas) != 1 {
		t.Fatalf("%d entries after new artifact, want 1", len(metas))
	}
}

func TestSaveRefreshesTheListing(t *testing.T) {
	s := newTestStore(t)
	res, err := s.Save(context.Background(), SessionView{Code: "AB12CD"})
	if err != nil {
		t.Fatalf("Save: %s", err)
	}
	metas := s.List(context.Background())
	if len(metas) != 1 || metas[0].ID != res.ID {
		t.Fatalf("listing after save: %+v", metas)
	}
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, _, err := s.Get(context.Background(), "AB12CD_2026-01-02T10-00-00.000Z", true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	// path separators never reach the filesystem
	if _, _, err := s.Get(context.Background(), "../escape", true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestGetOversizedArtifactIsMetadataOnly(t *testing.T) {
	s := newTestStore(t)
	id := "AB12CD_2026-01-02T10-00-00.000Z"
	writeArtifact(t, s, id+".json", `{"pad":"`+strings.Repeat("x", maxFullReadBytes)+`"}`)

	snap, meta, err := s.Get(context.Background(), id, true)
	if err != nil {
		t.Fatalf("Get: %s", err)
	}
	if snap != nil {
		t.Fatal("oversized artifact returned full data")
	}
	if !meta.TooLarge || meta.Error == "" {
		t.Fatalf("meta: %+v", meta)
	}
	if meta.Code != "AB12CD" {
		t.Errorf("code %q", meta.Code)
	}
}

func TestGetCorruptArtifactDegradesGracefully(t *testing.T) {
	s := newTestStore(t)
	id := "AB12CD_2026-01-02T10-00-00.000Z"
	writeArtifact(t, s, id+".json", `{"code":"AB12CD","strokes":[truncated`)

	snap, meta, err := s.Get(context.Background(), id, true)
	if err != nil {
		t.Fatalf("Get: %s", err)
	}
	if snap != nil {
		t.Fatal("corrupt artifact returned full data")
	}
	if meta.Error != "could not parse wall data" {
		t.Fatalf("meta: %+v", meta)
	}

	// a good sibling is unaffected
	writeArtifact(t, s, "ZZ99XX_2026-01-02T11-00-00.000Z.json", `{"code":"ZZ99XX","users":[],"strokes":[]}`)
	if snap, _, err := s.Get(context.Background(), "ZZ99XX_2026-01-02T11-00-00.000Z", true); err != nil || snap == nil {
		t.Fatalf("sibling: snap=%v err=%v", snap, err)
	}
}

func TestGetSummaryProbesWithoutFullDecode(t *testing.T) {
	s := newTestStore(t)
	id := "AB12CD_2026-01-02T10-00-00.000Z"
	writeArtifact(t, s, id+".json",
		`{"code":"AB12CD","savedAt":"2026-01-02T10:00:00Z","users":[],"strokes":[{},{},{}],"thumbnail":"aGVsbG8="}`)

	snap, meta, err := s.Get(context.Background(), id, false)
	if err != nil {
		t.Fatalf("Get: %s", err)
	}
	if snap != nil {
		t.Fatal("summary request returned full data")
	}
	if meta.StrokeCount != 3 || !meta.HasThumbnail {
		t.Fatalf("meta: %+v", meta)
	}

	// null thumbnail does not count as present
	id2 := "ZZ99XX_2026-01-02T11-00-00.000Z"
	writeArtifact(t, s, id2+".json", `{"code":"ZZ99XX","strokes":[],"thumbnail":null}`)
	_, meta2, err := s.Get(context.Background(), id2, false)
	if err != nil {
		t.Fatalf("Get: %s", err)
	}
	if meta2.HasThumbnail {
		t.Error("null thumbnail reported as present")
	}
}

func TestGetBackfillsMissingID(t *testing.T) {
	s := newTestStore(t)
	id := "AB12CD_2026-01-02T10-00-00.000Z"
	writeArtifact(t, s, id+".json", `{"code":"AB12CD","users":[],"strokes":[]}`)

	snap, _, err := s.Get(context.Background(), id, true)
	if err != nil {
		t.Fatalf("Get: %s", err)
	}
	if snap.ID != id {
		t.Errorf("id %q, want %q", snap.ID, id)
	}
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	joined := time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)
	view := SessionView{
		Code:  "AB12CD",
		Users: []UserRecord{{ID: "u1", Username: "A", JoinedAt: joined}},
		Strokes: []json.RawMessage{
			testutils.NewStroke("#ff0000", 10, 0.8, 3),
			testutils.NewStroke("#00ff00", 4, 1, 2),
		},
		Thumbnail: base64.StdEncoding.EncodeToString([]byte("png bytes")),
	}
	res, err := s.Save(context.Background(), view)
	if err != nil {
		t.Fatalf("Save: %s", err)
	}

	snap, meta, err := s.Get(context.Background(), res.ID, true)
	if err != nil {
		t.Fatalf("Get: %s", err)
	}
	if meta != nil {
		t.Fatalf("degraded meta for a fresh save: %+v", meta)
	}
	if snap.ID != res.ID || snap.Code != "AB12CD" {
		t.Errorf("identity: %+v", snap)
	}
	if len(snap.Users) != 1 || snap.Users[0].ID != "u1" || !snap.Users[0].JoinedAt.Equal(joined) {
		t.Errorf("users: %+v", snap.Users)
	}
	if len(snap.Strokes) != 2 {
		t.Fatalf("%d strokes", len(snap.Strokes))
	}
	if got := snap.Strokes[0]; got.Color != "#ff0000" || got.Size != 10 || got.Opacity != 0.8 || len(got.Points) != 3 {
		t.Errorf("first stroke: %+v", got)
	}

	img, err := s.Thumbnail(context.Background(), res.ID)
	if err != nil {
		t.Fatalf("Thumbnail: %s", err)
	}
	if string(img) != "png bytes" {
		t.Errorf("thumbnail bytes %q", img)
	}
}

func TestThumbnailMissing(t *testing.T) {
	s := newTestStore(t)
	res, err := s.Save(context.Background(), SessionView{Code: "AB12CD"})
	if err != nil {
		t.Fatalf("Save: %s", err)
	}
	if _, err := s.Thumbnail(context.Background(), res.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, err := s.Thumbnail(context.Background(), "ZZ99XX_2026-01-02T10-00-00.000Z"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestThumbnailSurvivesTruncatedBase64(t *testing.T) {
	s := newTestStore(t)
	id := "AB12CD_2026-01-02T10-00-00.000Z"
	full := base64.StdEncoding.EncodeToString([]byte("0123456789"))
	writeArtifact(t, s, id+".json",
		fmt.Sprintf(`{"code":"AB12CD","strokes":[],"thumbnail":%q}`, full[:len(full)-2]))

	img, err := s.Thumbnail(context.Background(), id)
	if err != nil {
		t.Fatalf("Thumbnail: %s", err)
	}
	if len(img) == 0 || !strings.HasPrefix("0123456789", string(img)) {
		t.Errorf("decoded %q", img)
	}
}
