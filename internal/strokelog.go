package internal

import "encoding/json"

// StrokeLog is an append-only ordered collection of raw stroke events. The
// engine never inspects stroke geometry so entries are kept as raw JSON.
//
// A max of 0 means unbounded, which is what live sessions use so that newly
// joined users can replay the full history. Capped instances are used on the
// persistence path where storage economy wins: appending to a full log evicts
// the oldest entry, so a capped log always holds the most recent max strokes.
type StrokeLog struct {
	max     int
	strokes []json.RawMessage
}

func NewStrokeLog(max int) *StrokeLog {
	return &StrokeLog{max: max}
}

func (l *StrokeLog) Append(stroke json.RawMessage) {
	if l.max > 0 && len(l.strokes) == l.max {
		// shift rather than reslice so the backing array doesn't pin evicted entries
		copy(l.strokes, l.strokes[1:])
		l.strokes[len(l.strokes)-1] = stroke
		return
	}
	l.strokes = append(l.strokes, stroke)
}

// Clear empties the log. The old slice is replaced, not truncated in place, so
// any snapshot view taken before the clear remains intact.
func (l *StrokeLog) Clear() {
	l.strokes = nil
}

func (l *StrokeLog) Len() int {
	return len(l.strokes)
}

// Snapshot returns a stable view of the log. For unbounded logs, entries are
// never moved after append and Clear replaces the slice, so the view stays
// valid while a caller (e.g a snapshot write in progress) is still iterating
// it. Views of capped logs are only stable until the next Append.
func (l *StrokeLog) Snapshot() []json.RawMessage {
	return l.strokes
}

// Tail returns a view of the most recent n entries.
func (l *StrokeLog) Tail(n int) []json.RawMessage {
	if n >= len(l.strokes) {
		return l.strokes
	}
	return l.strokes[len(l.strokes)-n:]
}
