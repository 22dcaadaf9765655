package commands

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Subject identifies the data subject a command targets. The wire form is a
// JSON object with a "type" discriminator alongside the variant's fields.
type Subject interface {
	SubjectKind() string
}

// Subject wire tags. Persisted; do not reuse.
const (
	SubjectKindMsa         = "msa"
	SubjectKindAad         = "aad"
	SubjectKindDevice      = "device"
	SubjectKindDemographic = "demographic"
)

// MsaSubject targets a consumer account.
type MsaSubject struct {
	Puid int64  `json:"puid"`
	Cid  int64  `json:"cid,omitempty"`
	Anid string `json:"anid,omitempty"`
	Opid string `json:"opid,omitempty"`
}

// SubjectKind implements Subject.
func (MsaSubject) SubjectKind() string { return SubjectKindMsa }

// AadSubject targets an organizational account.
type AadSubject struct {
	TenantID uuid.UUID `json:"tenantId"`
	ObjectID uuid.UUID `json:"objectId"`
	OrgPuid  int64     `json:"orgPuid,omitempty"`
}

// SubjectKind implements Subject.
func (AadSubject) SubjectKind() string { return SubjectKindAad }

// DeviceSubject targets a device.
type DeviceSubject struct {
	GlobalDeviceID string `json:"globalDeviceId"`
}

// SubjectKind implements Subject.
func (DeviceSubject) SubjectKind() string { return SubjectKindDevice }

// DemographicSubject targets a subject identified by personal attributes.
type DemographicSubject struct {
	Names          []string `json:"names,omitempty"`
	EmailAddresses []string `json:"emails,omitempty"`
	PhoneNumbers   []string `json:"phones,omitempty"`
}

// SubjectKind implements Subject.
func (DemographicSubject) SubjectKind() string { return SubjectKindDemographic }

var subjectDecoders = map[string]func(json.RawMessage) (Subject, error){
	SubjectKindMsa: func(raw json.RawMessage) (Subject, error) {
		var s MsaSubject
		return s, json.Unmarshal(raw, &s)
	},
	SubjectKindAad: func(raw json.RawMessage) (Subject, error) {
		var s AadSubject
		return s, json.Unmarshal(raw, &s)
	},
	SubjectKindDevice: func(raw json.RawMessage) (Subject, error) {
		var s DeviceSubject
		return s, json.Unmarshal(raw, &s)
	},
	SubjectKindDemographic: func(raw json.RawMessage) (Subject, error) {
		var s DemographicSubject
		return s, json.Unmarshal(raw, &s)
	},
}

// EncodeSubject encodes a subject with its "type" discriminator.
func EncodeSubject(s Subject) (json.RawMessage, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: nil subject", ErrUnknownKind)
	}
	body, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode %s subject: %w", s.SubjectKind(), err)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("encode %s subject: %w", s.SubjectKind(), err)
	}
	obj["type"], _ = json.Marshal(s.SubjectKind())
	return json.Marshal(obj)
}

// DecodeSubject decodes a tagged subject object, failing loudly on an
// unrecognized "type".
func DecodeSubject(raw json.RawMessage) (Subject, error) {
	var tagged struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &tagged); err != nil {
		return nil, fmt.Errorf("decode subject: %w", err)
	}
	dec, ok := subjectDecoders[tagged.Type]
	if !ok {
		return nil, fmt.Errorf("%w: subject %q", ErrUnknownKind, tagged.Type)
	}
	s, err := dec(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s subject: %w", tagged.Type, err)
	}
	return s, nil
}
