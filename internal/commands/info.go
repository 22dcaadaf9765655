package commands

import (
	"encoding/json"
	"fmt"
	"time"
)

// CommandInfo is the type-specific payload of a command. The concrete type is
// determined by the command's Kind; payloads carry no discriminator of their
// own.
type CommandInfo interface {
	Kind() Kind
}

// DeleteInfo scopes a delete command.
type DeleteInfo struct {
	// TimeRangeStart/End bound the data to delete; zero values mean
	// unbounded on that side.
	TimeRangeStart time.Time `json:"trs,omitempty"`
	TimeRangeEnd   time.Time `json:"tre,omitempty"`
	// DataTypes lists the privacy data types addressed by the command.
	DataTypes []string `json:"dts,omitempty"`
	// Predicate carries the agent-interpreted deletion predicate.
	Predicate json.RawMessage `json:"pred,omitempty"`
}

// Kind implements CommandInfo.
func (DeleteInfo) Kind() Kind { return KindDelete }

// ExportInfo scopes an export command.
type ExportInfo struct {
	// DestinationURI is the caller-provided container the agent uploads
	// export archives to.
	DestinationURI string   `json:"duri"`
	DataTypes      []string `json:"dts,omitempty"`
	// DestinationPath is the optional path under the destination.
	DestinationPath string `json:"dpath,omitempty"`
}

// Kind implements CommandInfo.
func (ExportInfo) Kind() Kind { return KindExport }

// AccountCloseInfo scopes an account-close command. The subject carries all
// the signal; there is no extra payload today.
type AccountCloseInfo struct{}

// Kind implements CommandInfo.
func (AccountCloseInfo) Kind() Kind { return KindAccountClose }

// infoDecoders maps a kind tag to its payload decoder. Registering here is
// the only way a payload becomes decodable; unknown tags fail loudly.
var infoDecoders = map[string]func(json.RawMessage) (CommandInfo, error){
	kindTagDelete: func(raw json.RawMessage) (CommandInfo, error) {
		var info DeleteInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			return nil, err
		}
		return info, nil
	},
	kindTagExport: func(raw json.RawMessage) (CommandInfo, error) {
		var info ExportInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			return nil, err
		}
		return info, nil
	},
	kindTagAccountClose: func(raw json.RawMessage) (CommandInfo, error) {
		var info AccountCloseInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			return nil, err
		}
		return info, nil
	},
}

// DecodeInfo decodes a payload for the given kind tag.
func DecodeInfo(tag string, raw json.RawMessage) (CommandInfo, error) {
	dec, ok := infoDecoders[tag]
	if !ok {
		return nil, fmt.Errorf("%w: command info %q", ErrUnknownKind, tag)
	}
	info, err := dec(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s command info: %w", tag, err)
	}
	return info, nil
}

// EncodeInfo encodes a payload to its wire form.
func EncodeInfo(info CommandInfo) (json.RawMessage, error) {
	if info == nil {
		return nil, fmt.Errorf("%w: nil command info", ErrUnknownKind)
	}
	raw, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("encode %s command info: %w", info.Kind(), err)
	}
	return raw, nil
}
