package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// FlexFloat decodes from a JSON number, a numeric string, or null.
// Backends are inconsistent about quoting numeric fields. NaN and infinities
// are rejected.
type FlexFloat float64

func (f *FlexFloat) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*f = 0
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		if !Finite(v) {
			return fmt.Errorf("model: non-finite number %q", s)
		}
		*f = FlexFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = FlexFloat(v)
	return nil
}

// Finite reports whether v is neither NaN nor an infinity.
func Finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// FlexTime decodes from epoch milliseconds (number or string) or RFC3339.
type FlexTime struct {
	time.Time
}

func (t *FlexTime) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	var raw interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	t.Time = ToTime(raw)
	return nil
}

// ToFloat converts a loosely typed JSON value into a float64.
// Unknown types, unparseable strings and non-finite values yield 0.
func ToFloat(v interface{}) float64 {
	if f := toFloat(v); Finite(f) {
		return f
	}
	return 0
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0
		}
		return f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

// ToString converts a loosely typed JSON value into a string key.
// Integral numbers are rendered without a fractional part.
func ToString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case json.Number:
		return s.String()
	default:
		return ""
	}
}

// ToTime interprets epoch milliseconds (number or numeric string) or an
// RFC3339 string. Zero is returned when nothing usable is present.
func ToTime(v interface{}) time.Time {
	if s, ok := v.(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts.UTC()
		}
	}
	ms := int64(ToFloat(v))
	if ms <= 0 {
		return time.Time{}
	}
	// Epoch seconds are sometimes sent instead of milliseconds.
	if ms < 1e11 {
		ms *= 1000
	}
	return time.UnixMilli(ms).UTC()
}
