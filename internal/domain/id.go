package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// RequestID identifies a request within one direction of a session.
// It holds either an integer or a string and is comparable, so it can be
// used directly as a map key.
type RequestID struct {
	num   int64
	str   string
	isStr bool
	set   bool
}

// NumberID returns an integer request id.
func NumberID(n int64) RequestID { return RequestID{num: n, set: true} }

// StringID returns a string request id.
func StringID(s string) RequestID { return RequestID{str: s, isStr: true, set: true} }

// IsZero reports whether the id was never set.
func (id RequestID) IsZero() bool { return !id.set }

// IsString reports whether the id carries a string value.
func (id RequestID) IsString() bool { return id.isStr }

// Int returns the integer value and whether the id is numeric.
func (id RequestID) Int() (int64, bool) { return id.num, id.set && !id.isStr }

func (id RequestID) String() string {
	switch {
	case !id.set:
		return "<none>"
	case id.isStr:
		return strconv.Quote(id.str)
	default:
		return strconv.FormatInt(id.num, 10)
	}
}

// MarshalJSON encodes the id as a JSON number or string.
func (id RequestID) MarshalJSON() ([]byte, error) {
	if !id.set {
		return []byte("null"), nil
	}
	if id.isStr {
		return json.Marshal(id.str)
	}
	return []byte(strconv.FormatInt(id.num, 10)), nil
}

// UnmarshalJSON accepts a JSON string or an integral JSON number.
func (id *RequestID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = RequestID{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = StringID(s)
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		// Accept integral floats such as 7.0.
		var f float64
		if ferr := json.Unmarshal(data, &f); ferr != nil || f != float64(int64(f)) {
			return fmt.Errorf("request id must be a string or integer, got %s", data)
		}
		n = int64(f)
	}
	*id = NumberID(n)
	return nil
}
