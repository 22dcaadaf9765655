// Package auditlog serializes terminal command outcomes into the fixed
// tab-delimited row an external bulk-ingestion pipeline consumes. Rows are
// append-only; nothing in this system ever parses them back.
package auditlog

import (
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mysoftskill/commandfeed/internal/commands"
)

// DefaultMaxExceptionLength bounds the encoded Exceptions field.
const DefaultMaxExceptionLength = 50000

// TruncationSuffix marks a truncated Exceptions field.
const TruncationSuffix = "[TRUNCATED]..."

// Action is the audited outcome of a command.
type Action int

const (
	ActionNone Action = iota
	ActionDeleteComplete
	ActionExportComplete
	ActionAccountCloseComplete
	ActionNotApplicable
	ActionDeadLettered
)

func (a Action) String() string {
	switch a {
	case ActionDeleteComplete:
		return "DeleteComplete"
	case ActionExportComplete:
		return "ExportComplete"
	case ActionAccountCloseComplete:
		return "AccountCloseComplete"
	case ActionNotApplicable:
		return "NotApplicable"
	case ActionDeadLettered:
		return "DeadLettered"
	default:
		return "None"
	}
}

// CompletionAction maps a command kind to its completion action.
func CompletionAction(kind commands.Kind) Action {
	switch kind {
	case commands.KindDelete:
		return ActionDeleteComplete
	case commands.KindExport:
		return ActionExportComplete
	case commands.KindAccountClose:
		return ActionAccountCloseComplete
	default:
		return ActionNone
	}
}

// Record is one audit row before encoding.
type Record struct {
	CommandID               uuid.UUID
	Timestamp               time.Time
	AgentID                 uuid.UUID
	AssetGroupID            uuid.UUID
	AssetGroupQualifier     string
	Action                  Action
	RowCount                int64
	VariantsApplied         []string
	Exceptions              string
	CommandType             commands.Kind
	NotApplicableReasonCode string
	AssetGroupStreamName    string
	VariantStreamName       string
}

// Encode renders a record as one tab-delimited row of exactly 13 fields.
// Free-text fields are percent-encoded so embedded tabs and newlines cannot
// break the row; an encoded Exceptions value longer than maxExceptionLength
// is cut at that length and suffixed with TruncationSuffix.
func Encode(rec *Record, maxExceptionLength int) string {
	if maxExceptionLength <= 0 {
		maxExceptionLength = DefaultMaxExceptionLength
	}
	exceptions := url.QueryEscape(rec.Exceptions)
	if len(exceptions) > maxExceptionLength {
		exceptions = exceptions[:maxExceptionLength] + TruncationSuffix
	}
	fields := []string{
		rec.CommandID.String(),
		rec.Timestamp.UTC().Format(time.RFC3339Nano),
		rec.AgentID.String(),
		rec.AssetGroupID.String(),
		url.QueryEscape(rec.AssetGroupQualifier),
		rec.Action.String(),
		strconv.FormatInt(rec.RowCount, 10),
		encodeVariants(rec.VariantsApplied),
		exceptions,
		rec.CommandType.String(),
		rec.NotApplicableReasonCode,
		rec.AssetGroupStreamName,
		rec.VariantStreamName,
	}
	return strings.Join(fields, "\t")
}

func encodeVariants(variants []string) string {
	if len(variants) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(variants)
	return string(b)
}
