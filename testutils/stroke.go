package testutils

import (
	"encoding/json"
	"fmt"
)

// NewStroke returns a raw draw event with n line segments, shaped like the
// events real clients emit.
func NewStroke(color string, size, opacity float64, n int) json.RawMessage {
	type seg struct {
		X1 float64 `json:"x1"`
		Y1 float64 `json:"y1"`
		X2 float64 `json:"x2"`
		Y2 float64 `json:"y2"`
	}
	points := make([]seg, n)
	for i := range points {
		points[i] = seg{float64(i), float64(i), float64(i + 1), float64(i + 1)}
	}
	b, err := json.Marshal(struct {
		Color   string  `json:"color"`
		Size    float64 `json:"size"`
		Opacity float64 `json:"opacity"`
		Points  []seg   `json:"points"`
	}{color, size, opacity, points})
	if err != nil {
		panic(fmt.Sprintf("NewStroke: %s", err))
	}
	return b
}

// NewDot returns a raw draw event with a single {x,y} point.
func NewDot(color string, x, y float64) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"color":%q,"size":5,"opacity":1,"points":[{"x":%v,"y":%v}]}`, color, x, y))
}

// NewLegacyStroke returns a raw draw event in the old flat form with no
// points array.
func NewLegacyStroke(color string, x1, y1, x2, y2 float64) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"color":%q,"x1":%v,"y1":%v,"x2":%v,"y2":%v}`, color, x1, y1, x2, y2))
}
