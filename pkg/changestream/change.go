package changestream

import (
	"encoding/json"
	"fmt"
)

// Operation represents the kind of change carried by one input record.
type Operation uint8

const (
	OpUnknown Operation = iota
	OpAdd
	OpModify
	OpDelete
)

func (o Operation) String() string {
	switch o {
	case OpAdd:
		return "add"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// MarshalJSON marshals the Operation into a json string.
func (o Operation) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

// UnmarshalJSON unmarshals the input byte slice and updates this operation.
func (o *Operation) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*o = newOperation(v)
	return nil
}

func newOperation(str string) Operation {
	switch str {
	case OpAdd.String():
		return OpAdd
	case OpModify.String():
		return OpModify
	case OpDelete.String():
		return OpDelete
	default:
		return OpUnknown
	}
}

// Change is one parsed input record. Sequence is the 1-based physical line
// number assigned by the Reader; any line or sequence field embedded by the
// producer is ignored so that numbering stays stable across re-runs of the
// same input. A Change is immutable once constructed.
type Change struct {
	Sequence   int64
	Repository string
	Op         Operation
	Path       string
	Mime       string
	SkipIndex  bool

	// Content representations for add/modify. At most one is set after
	// ingestion; precedence at parse time is inline, then encoded, then
	// reference.
	Inline  string
	Encoded string
	RefPath string
	RefSize int64
}

// HasContent reports whether any content representation is present.
func (c *Change) HasContent() bool {
	return c.Inline != "" || c.Encoded != "" || c.RefPath != ""
}

// ParseError describes a line that could not be interpreted as a structured
// record or a bare path. Parse errors are skipped, not failed.
type ParseError struct {
	Sequence int64
	Reason   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Sequence, e.Reason)
}
