package commands

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// sortKeyTimestampWidth is the zero-padded width of the unix-seconds suffix.
// Versioned contract: a width change reorders every stored item.
const sortKeyTimestampWidth = 12

// maxSortKeyUnix is the largest timestamp the fixed width can carry.
const maxSortKeyUnix = 999_999_999_999

// CompoundKey derives the sort key for a partition key and a timestamp.
func CompoundKey(partitionKey string, t time.Time) string {
	secs := t.Unix()
	if secs < 0 {
		secs = 0
	}
	if secs > maxSortKeyUnix {
		secs = maxSortKeyUnix
	}
	return fmt.Sprintf("%s.%0*d", partitionKey, sortKeyTimestampWidth, secs)
}

// MinCompoundKey returns the smallest sort key of a partition.
func MinCompoundKey(partitionKey string) string {
	return CompoundKey(partitionKey, time.Unix(0, 0))
}

// MaxCompoundKey returns the largest sort key of a partition.
func MaxCompoundKey(partitionKey string) string {
	return CompoundKey(partitionKey, time.Unix(maxSortKeyUnix, 0))
}

// ParseCompoundKey splits a sort key back into partition key and timestamp.
func ParseCompoundKey(sortKey string) (string, time.Time, error) {
	i := strings.LastIndex(sortKey, ".")
	if i < 0 || len(sortKey)-i-1 != sortKeyTimestampWidth {
		return "", time.Time{}, fmt.Errorf("malformed compound key %q", sortKey)
	}
	secs, err := strconv.ParseInt(sortKey[i+1:], 10, 64)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("malformed compound key %q: %v", sortKey, err)
	}
	return sortKey[:i], time.Unix(secs, 0).UTC(), nil
}

// PartitionKey builds the queue partition key scoping one agent and asset
// group: "{agentId}.{assetGroupId}".
func PartitionKey(agentID, assetGroupID uuid.UUID) string {
	return agentID.String() + "." + assetGroupID.String()
}
