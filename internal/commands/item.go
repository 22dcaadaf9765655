package commands

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// QueueItem is one command as held by the work queue. The document id is the
// command id; the sort key places the item in its partition by visibility
// time.
type QueueItem struct {
	CommandID    uuid.UUID
	AgentID      uuid.UUID
	AssetGroupID uuid.UUID

	Kind    Kind
	Subject Subject
	Info    CommandInfo

	AssetGroupQualifier string
	Verifier            string
	VerifierV3          string
	BatchID             string
	CorrelationVector   string
	CloudInstance       string
	Source              string

	ProcessorApplicable  bool
	ControllerApplicable bool

	CreatedTime     time.Time
	NextVisibleTime time.Time
	AttemptCount    int32
}

// PartitionKey returns the queue partition the item belongs to.
func (q *QueueItem) PartitionKey() string {
	return PartitionKey(q.AgentID, q.AssetGroupID)
}

// SortKey derives the item's position from its partition and visibility time.
func (q *QueueItem) SortKey() string {
	return CompoundKey(q.PartitionKey(), q.NextVisibleTime)
}

// queueItemWire is the persisted shape. Field tags are a versioned contract.
type queueItemWire struct {
	AssetGroupQualifier  string          `json:"agq,omitempty"`
	Verifier             string          `json:"ver,omitempty"`
	VerifierV3           string          `json:"ver3,omitempty"`
	NextVisibleTime      int64           `json:"nvt"`
	Kind                 string          `json:"ct"`
	BatchID              string          `json:"bid,omitempty"`
	AttemptCount         int32           `json:"as"`
	Subject              json.RawMessage `json:"s"`
	PartitionKey         string          `json:"pk"`
	CorrelationVector    string          `json:"cv,omitempty"`
	CloudInstance        string          `json:"cld,omitempty"`
	Source               string          `json:"src,omitempty"`
	CreatedTime          int64           `json:"ts"`
	Info                 json.RawMessage `json:"ci"`
	ProcessorApplicable  bool            `json:"pa"`
	ControllerApplicable bool            `json:"ca"`
	SortKey              string          `json:"ck"`
}

// MarshalBody encodes the item for storage.
func (q *QueueItem) MarshalBody() (json.RawMessage, error) {
	subject, err := EncodeSubject(q.Subject)
	if err != nil {
		return nil, err
	}
	info, err := EncodeInfo(q.Info)
	if err != nil {
		return nil, err
	}
	w := queueItemWire{
		AssetGroupQualifier:  q.AssetGroupQualifier,
		Verifier:             q.Verifier,
		VerifierV3:           q.VerifierV3,
		NextVisibleTime:      q.NextVisibleTime.Unix(),
		Kind:                 q.Kind.String(),
		BatchID:              q.BatchID,
		AttemptCount:         q.AttemptCount,
		Subject:              subject,
		PartitionKey:         q.PartitionKey(),
		CorrelationVector:    q.CorrelationVector,
		CloudInstance:        q.CloudInstance,
		Source:               q.Source,
		CreatedTime:          q.CreatedTime.Unix(),
		Info:                 info,
		ProcessorApplicable:  q.ProcessorApplicable,
		ControllerApplicable: q.ControllerApplicable,
		SortKey:              q.SortKey(),
	}
	return json.Marshal(w)
}

// UnmarshalQueueItem decodes a stored item. The command id travels as the
// document id, not in the body.
func UnmarshalQueueItem(commandID string, body json.RawMessage) (*QueueItem, error) {
	var w queueItemWire
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("decode queue item %s: %w", commandID, err)
	}
	id, err := uuid.Parse(commandID)
	if err != nil {
		return nil, fmt.Errorf("queue item id %q: %w", commandID, err)
	}
	kind, err := ParseKind(w.Kind)
	if err != nil {
		return nil, fmt.Errorf("queue item %s: %w", commandID, err)
	}
	subject, err := DecodeSubject(w.Subject)
	if err != nil {
		return nil, fmt.Errorf("queue item %s: %w", commandID, err)
	}
	info, err := DecodeInfo(w.Kind, w.Info)
	if err != nil {
		return nil, fmt.Errorf("queue item %s: %w", commandID, err)
	}
	agentID, assetGroupID, err := splitPartitionKey(w.PartitionKey)
	if err != nil {
		return nil, fmt.Errorf("queue item %s: %w", commandID, err)
	}
	return &QueueItem{
		CommandID:            id,
		AgentID:              agentID,
		AssetGroupID:         assetGroupID,
		Kind:                 kind,
		Subject:              subject,
		Info:                 info,
		AssetGroupQualifier:  w.AssetGroupQualifier,
		Verifier:             w.Verifier,
		VerifierV3:           w.VerifierV3,
		BatchID:              w.BatchID,
		CorrelationVector:    w.CorrelationVector,
		CloudInstance:        w.CloudInstance,
		Source:               w.Source,
		ProcessorApplicable:  w.ProcessorApplicable,
		ControllerApplicable: w.ControllerApplicable,
		CreatedTime:          time.Unix(w.CreatedTime, 0).UTC(),
		NextVisibleTime:      time.Unix(w.NextVisibleTime, 0).UTC(),
		AttemptCount:         w.AttemptCount,
	}, nil
}

func splitPartitionKey(pk string) (uuid.UUID, uuid.UUID, error) {
	// Both halves are canonical uuids, so the separator sits at a fixed
	// offset.
	const uuidLen = 36
	if len(pk) != uuidLen*2+1 || pk[uuidLen] != '.' {
		return uuid.Nil, uuid.Nil, fmt.Errorf("malformed partition key %q", pk)
	}
	agentID, err := uuid.Parse(pk[:uuidLen])
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("malformed partition key %q: %v", pk, err)
	}
	assetGroupID, err := uuid.Parse(pk[uuidLen+1:])
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("malformed partition key %q: %v", pk, err)
	}
	return agentID, assetGroupID, nil
}
