package commands

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownKind reports an unrecognized command or subject tag. Decoding
// fails loudly on it; silently ignoring a privacy command is never safe.
var ErrUnknownKind = errors.New("commands: unrecognized kind tag")

// Kind identifies the command type.
type Kind int

const (
	KindUnknown Kind = iota
	KindDelete
	KindExport
	KindAccountClose
)

// Wire tags for Kind. These are persisted; do not reuse or renumber.
const (
	kindTagDelete       = "delete"
	kindTagExport       = "export"
	kindTagAccountClose = "accountClose"
)

// String returns the wire tag.
func (k Kind) String() string {
	switch k {
	case KindDelete:
		return kindTagDelete
	case KindExport:
		return kindTagExport
	case KindAccountClose:
		return kindTagAccountClose
	default:
		return "unknown"
	}
}

// ParseKind maps a wire tag to a Kind; unknown tags fail with ErrUnknownKind.
func ParseKind(tag string) (Kind, error) {
	switch tag {
	case kindTagDelete:
		return KindDelete, nil
	case kindTagExport:
		return KindExport, nil
	case kindTagAccountClose:
		return KindAccountClose, nil
	default:
		return KindUnknown, fmt.Errorf("%w: %q", ErrUnknownKind, tag)
	}
}

// MarshalJSON encodes the kind as its wire tag.
func (k Kind) MarshalJSON() ([]byte, error) {
	if k == KindUnknown {
		return nil, fmt.Errorf("%w: cannot encode unknown kind", ErrUnknownKind)
	}
	return json.Marshal(k.String())
}

// UnmarshalJSON decodes a wire tag, failing loudly on unknown values.
func (k *Kind) UnmarshalJSON(b []byte) error {
	var tag string
	if err := json.Unmarshal(b, &tag); err != nil {
		return err
	}
	parsed, err := ParseKind(tag)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
