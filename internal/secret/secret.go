package secret

import "strings"

// Key wraps a raw API credential so it cannot leak through formatting.
// The zero value is an empty key.
type Key struct {
	raw string
}

// New wraps a raw credential string.
func New(raw string) Key {
	return Key{raw: strings.TrimSpace(raw)}
}

// Reveal returns the raw credential. Callers must only use it for outbound
// request construction and exact-match comparisons, never for logging.
func (k Key) Reveal() string {
	return k.raw
}

// IsZero reports whether the key is empty.
func (k Key) IsZero() bool {
	return k.raw == ""
}

// Equal compares two keys by exact string match.
func (k Key) Equal(other Key) bool {
	return k.raw == other.raw
}

// Preview returns the masked form used in logs and admin views:
// first four and last four characters separated by an ellipsis, or the
// whole string when shorter than 8 characters.
func (k Key) Preview() string {
	return Preview(k.raw)
}

// String implements fmt.Stringer and always yields the masked form so that
// accidental %v / %s formatting never exposes the credential.
func (k Key) String() string {
	return k.Preview()
}

// GoString keeps %#v output masked as well.
func (k Key) GoString() string {
	return "secret.Key(" + k.Preview() + ")"
}

// MarshalJSON serializes the masked preview, never the raw value.
func (k Key) MarshalJSON() ([]byte, error) {
	return []byte(`"` + k.Preview() + `"`), nil
}

// Preview masks a raw credential without wrapping it first.
func Preview(raw string) string {
	if len(raw) < 8 {
		return raw
	}
	return raw[:4] + "…" + raw[len(raw)-4:]
}
