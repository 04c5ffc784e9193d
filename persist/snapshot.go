// Package persist stores immutable wall snapshots as one JSON file each and
// serves a lightweight catalog over them. The filename alone encodes the
// snapshot identity (wall code + save time) so that listing the catalog never
// has to read file contents.
package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// filenames look like AB12CD_2006-01-02T15-04-05.000Z.json. Colons are not
// valid in filenames everywhere, so the time layout swaps them for dashes.
const (
	snapshotExt    = ".json"
	savedAtLayout  = "2006-01-02T15-04-05.000Z"
	thumbnailRoute = "/api/walls/%s/thumbnail"
)

// UserRecord is a member entry as persisted in a snapshot.
type UserRecord struct {
	ID       string    `json:"id"`
	Username string    `json:"username"`
	JoinedAt time.Time `json:"joinedAt"`
}

// Stroke is a drawing event as persisted in a snapshot. Points are kept as raw
// JSON: the engine caps how many there are but never inspects geometry.
type Stroke struct {
	Color   string            `json:"color"`
	Size    float64           `json:"size"`
	Opacity float64           `json:"opacity"`
	Points  []json.RawMessage `json:"points"`
}

// Snapshot is the full persisted form of a wall.
type Snapshot struct {
	ID        string       `json:"id"`
	Code      string       `json:"code"`
	SavedAt   time.Time    `json:"savedAt"`
	Users     []UserRecord `json:"users"`
	Strokes   []Stroke     `json:"strokes"`
	Thumbnail string       `json:"thumbnail,omitempty"`
}

// Meta is the lightweight catalog entry for a snapshot. For listings it is
// derived from the filename alone. A non-empty Error marks a degraded entry:
// the artifact exists but its content could not (or should not) be loaded.
type Meta struct {
	ID           string `json:"id"`
	Code         string `json:"code"`
	SavedAt      string `json:"savedAt"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
	HasThumbnail bool   `json:"hasThumbnail"`
	StrokeCount  int    `json:"strokeCount,omitempty"`
	TooLarge     bool   `json:"tooLarge,omitempty"`
	Error        string `json:"error,omitempty"`
}

// FormatSnapshotID derives a snapshot ID from a wall code and save time.
func FormatSnapshotID(code string, savedAt time.Time) string {
	return code + "_" + savedAt.UTC().Format(savedAtLayout)
}

// ParseSnapshotID is the inverse of FormatSnapshotID.
func ParseSnapshotID(id string) (code string, savedAt time.Time, err error) {
	code, rest, ok := strings.Cut(id, "_")
	if !ok || code == "" {
		return "", time.Time{}, fmt.Errorf("snapshot id %q has no code prefix", id)
	}
	savedAt, err = time.Parse(savedAtLayout, rest)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("snapshot id %q has a bad timestamp: %w", id, err)
	}
	return code, savedAt, nil
}

// metaFromID builds the listing entry for a snapshot without touching its
// content. Thumbnails are assumed present; the thumbnail route handles the
// ones that aren't.
func metaFromID(id string) (Meta, error) {
	code, savedAt, err := ParseSnapshotID(id)
	if err != nil {
		return Meta{}, err
	}
	return Meta{
		ID:           id,
		Code:         code,
		SavedAt:      savedAt.UTC().Format(time.RFC3339Nano),
		ThumbnailURL: fmt.Sprintf(thumbnailRoute, id),
		HasThumbnail: true,
	}, nil
}
