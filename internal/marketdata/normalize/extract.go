package normalize

import (
	"bytes"
	"encoding/json"

	"trading-valuation/internal/model"
)

// ExtractJSON recovers one well-formed JSON value from a frame that may carry
// leading or trailing junk. Bare strings (acknowledgements) and frames with
// no recoverable object are reported as not ok.
func ExtractJSON(frame []byte) ([]byte, bool) {
	frame = bytes.TrimSpace(frame)
	if len(frame) == 0 {
		return nil, false
	}
	if (frame[0] == '{' || frame[0] == '[') && json.Valid(frame) {
		return frame, true
	}

	for start := 0; start < len(frame); start++ {
		c := frame[start]
		if c != '{' && c != '[' {
			continue
		}
		if end := matchClose(frame, start); end > start && json.Valid(frame[start:end+1]) {
			return frame[start : end+1], true
		}
	}
	return nil, false
}

// Split expands a recovered frame into its JSON objects. Arrays yield their
// object elements; non-object elements are skipped.
func Split(frame []byte) [][]byte {
	frame = bytes.TrimSpace(frame)
	if len(frame) == 0 {
		return nil
	}
	if frame[0] != '[' {
		return [][]byte{frame}
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(frame, &elems); err != nil {
		return nil
	}
	out := make([][]byte, 0, len(elems))
	for _, e := range elems {
		e = bytes.TrimSpace(e)
		if len(e) > 0 && e[0] == '{' {
			out = append(out, e)
		}
	}
	return out
}

// Frame runs the full receive path for one websocket frame: recovery, array
// expansion and normalization. Rejected objects are counted in dropped.
func Frame(frame []byte, kind model.StreamKind) (ticks []model.Tick, dropped int) {
	obj, ok := ExtractJSON(frame)
	if !ok {
		return nil, 1
	}
	for _, raw := range Split(obj) {
		t, err := Normalize(raw, kind)
		if err != nil {
			dropped++
			continue
		}
		ticks = append(ticks, t)
	}
	return ticks, dropped
}

// matchClose returns the index of the bracket closing the one at start,
// honouring JSON string escapes. -1 when unbalanced.
func matchClose(b []byte, start int) int {
	depth := 0
	inStr := false
	esc := false
	for i := start; i < len(b); i++ {
		c := b[i]
		if inStr {
			switch {
			case esc:
				esc = false
			case c == '\\':
				esc = true
			case c == '"':
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
