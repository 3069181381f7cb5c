package task

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidDocument is returned when decoding an invalid Document.
var ErrInvalidDocument = errors.New("invalid json document")

type result struct {
	output string
	value  any
	err    error
}

// Output is the raw text produced by a command task, or the string returned
// by a function task.
func (t *Task) Output() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.res.output
}

// Err is the engine failure of a Finished task, or the cancellation cause of
// a Cancelled one.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.res.err
}

// JSON parses Output. Empty or malformed output gives an invalid document.
func (t *Task) JSON() Document {
	return ParseDocument(t.Output())
}

// Value returns the value returned by a function task when it has type T.
func Value[T any](t *Task) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.res.value.(T)
	return v, ok
}

// Document is a parsed JSON command output. The zero value is invalid.
type Document struct {
	raw json.RawMessage
}

func ParseDocument(s string) Document {
	b := bytes.TrimSpace([]byte(s))
	if len(b) == 0 || !json.Valid(b) {
		return Document{}
	}
	return Document{raw: b}
}

func (d Document) Valid() bool { return d.raw != nil }

func (d Document) Raw() []byte { return d.raw }

func (d Document) Decode(v any) error {
	if !d.Valid() {
		return ErrInvalidDocument
	}
	return json.Unmarshal(d.raw, v)
}

// Get walks object keys. A missing key, or a non object on the way, gives an
// invalid document.
func (d Document) Get(path ...string) Document {
	cur := d
	for _, key := range path {
		var obj map[string]json.RawMessage
		if err := cur.Decode(&obj); err != nil {
			return Document{}
		}
		v, ok := obj[key]
		if !ok {
			return Document{}
		}
		cur = Document{raw: v}
	}
	return cur
}

func (d Document) String() string {
	if !d.Valid() {
		return "<invalid>"
	}
	var s string
	if err := json.Unmarshal(d.raw, &s); err == nil {
		return s
	}
	return string(d.raw)
}

// Uint64 reads a number, also accepting strings like "0x1000".
func (d Document) Uint64() (uint64, error) {
	var n json.Number
	if err := d.Decode(&n); err == nil {
		var u uint64
		_, err = fmt.Sscan(n.String(), &u)
		return u, err
	}
	var s string
	if err := d.Decode(&s); err != nil {
		return 0, err
	}
	var u uint64
	_, err := fmt.Sscanf(s, "0x%x", &u)
	return u, err
}
