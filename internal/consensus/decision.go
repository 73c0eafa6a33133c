package consensus

import (
	"encoding/json"
	"fmt"
)

// Decision is an opaque vote value. Scalars hold strings, numbers or bools;
// structured decisions hold a map. Decisions compare by canonical form, so
// two structured decisions with the same fields are the same vote regardless
// of construction order.
type Decision struct {
	value any
}

// Scalar wraps a primitive decision value.
func Scalar[T string | int | int64 | float64 | bool](v T) Decision {
	return Decision{value: v}
}

// Struct wraps a structured decision value.
func Struct(fields map[string]any) Decision {
	return Decision{value: fields}
}

// Value returns the underlying value.
func (d Decision) Value() any {
	return d.value
}

// IsZero reports whether the decision carries no value.
func (d Decision) IsZero() bool {
	return d.value == nil
}

// Key returns the canonical comparison key. JSON with sorted map keys gives
// equal decisions equal keys and a total lexicographic order for tie-breaks.
func (d Decision) Key() string {
	b, err := json.Marshal(d.value)
	if err != nil {
		return fmt.Sprintf("%v", d.value)
	}
	return string(b)
}

// Equal reports whether two decisions are the same vote.
func (d Decision) Equal(other Decision) bool {
	return d.Key() == other.Key()
}

// Less orders decisions lexicographically by canonical key.
func (d Decision) Less(other Decision) bool {
	return d.Key() < other.Key()
}

// String renders the decision for logs and transcripts.
func (d Decision) String() string {
	if s, ok := d.value.(string); ok {
		return s
	}
	return d.Key()
}

// MarshalJSON writes the underlying value.
func (d Decision) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.value)
}

// UnmarshalJSON reads any JSON value as a decision.
func (d *Decision) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	d.value = v
	return nil
}
