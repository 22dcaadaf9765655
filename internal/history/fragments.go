package history

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mysoftskill/commandfeed/internal/commands"
)

// FragmentTypes selects which parts of a record a Query or Replace touches.
type FragmentTypes uint32

const (
	FragmentCore FragmentTypes = 1 << iota
	FragmentStatus
	FragmentExportDestinations

	FragmentAll = FragmentCore | FragmentStatus | FragmentExportDestinations
)

// Has reports whether f selects the given fragment.
func (f FragmentTypes) Has(want FragmentTypes) bool { return f&want == want }

// ArchivesDeleteStatus tracks export-archive cleanup. Values are ordered;
// a record's status never moves backward.
type ArchivesDeleteStatus int

const (
	ArchivesIntact ArchivesDeleteStatus = iota
	ArchivesDeleteInProgress
	ArchivesDeleted
)

var archivesDeleteTags = map[ArchivesDeleteStatus]string{
	ArchivesIntact:           "intact",
	ArchivesDeleteInProgress: "inProgress",
	ArchivesDeleted:          "deleted",
}

func (s ArchivesDeleteStatus) String() string {
	if tag, ok := archivesDeleteTags[s]; ok {
		return tag
	}
	return "unknown"
}

// MarshalJSON encodes the status as its wire tag.
func (s ArchivesDeleteStatus) MarshalJSON() ([]byte, error) {
	tag, ok := archivesDeleteTags[s]
	if !ok {
		return nil, fmt.Errorf("unrecognized archive delete status %d", int(s))
	}
	return json.Marshal(tag)
}

// UnmarshalJSON decodes a wire tag, failing loudly on unknown values.
func (s *ArchivesDeleteStatus) UnmarshalJSON(b []byte) error {
	var tag string
	if err := json.Unmarshal(b, &tag); err != nil {
		return err
	}
	for v, t := range archivesDeleteTags {
		if t == tag {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unrecognized archive delete status %q", tag)
}

// CoreFragment is the always-present heart of a record.
type CoreFragment struct {
	Kind                       commands.Kind
	Subject                    commands.Subject
	CreatedTime                time.Time
	CompletedTime              time.Time
	IsComplete                 bool
	ExportArchivesDeleteStatus ArchivesDeleteStatus
	ExportArchivesDeletedTime  time.Time
	FinalExportDestinationURI  string
}

// AgentStatus is one agent/asset-group pair's progress on the command.
type AgentStatus struct {
	IngestionTime   time.Time `json:"it,omitempty"`
	CompletedTime   time.Time `json:"cmp,omitempty"`
	AffectedRows    int64     `json:"rows,omitempty"`
	ClaimedVariants []string  `json:"var,omitempty"`
	ForceCompleted  bool      `json:"forced,omitempty"`
}

// StatusFragment maps queue partition keys to per-agent progress. It grows
// with the number of asset groups a command fans out to, which is what makes
// blob offload necessary.
type StatusFragment struct {
	Agents map[string]AgentStatus `json:"agents"`
}

// ExportDestination is where one agent uploads its export archive.
type ExportDestination struct {
	URI  string `json:"uri"`
	Path string `json:"path,omitempty"`
}

// ExportDestinationsFragment maps queue partition keys to destinations.
type ExportDestinationsFragment struct {
	Destinations map[string]ExportDestination `json:"dests"`
}

// Record is a command's history. Replace requires a record previously
// returned by Query or seeded through TryInsert; the embedded read context
// carries the etags that guard the write.
type Record struct {
	CommandID          uuid.UUID
	Core               *CoreFragment
	Status             *StatusFragment
	ExportDestinations *ExportDestinationsFragment

	readCtx *readContext
}
