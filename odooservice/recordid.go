package odooservice

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/invopop/jsonschema"
)

// RecordID is a tool argument that accepts a JSON integer or its decimal
// string form. Decoding never fails: unparsable input is kept verbatim so
// the operation can report it in a fault without a remote call.
type RecordID struct {
	raw    string
	id     int64
	parsed bool
}

func (r *RecordID) UnmarshalJSON(data []byte) error {
	raw := string(bytes.TrimSpace(data))
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		raw = s
	}
	r.raw = raw
	r.id = 0
	r.parsed = false
	// Surrounding whitespace is tolerated, matching int coercion of string
	// ids on the server side.
	if n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64); err == nil {
		r.id = n
		r.parsed = true
	}
	return nil
}

func (r RecordID) MarshalJSON() ([]byte, error) {
	if r.parsed {
		return json.Marshal(r.id)
	}
	return json.Marshal(r.raw)
}

// Int64 returns the parsed id; ok is false for unparsable input.
func (r RecordID) Int64() (id int64, ok bool) { return r.id, r.parsed }

// String returns the value as the caller wrote it.
func (r RecordID) String() string { return r.raw }

// JSONSchema declares the accepted wire forms.
func (RecordID) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		OneOf: []*jsonschema.Schema{
			{Type: "integer"},
			{Type: "string", Pattern: "^[0-9]+$"},
		},
	}
}
