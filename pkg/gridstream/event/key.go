package event

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
)

// CompositeKey is the partitioned sequence key of a persisted event:
// (sequence, entityKey). Sequence is strictly increasing within a process
// and globally sortable via the grid's distributed ID generator. The key
// hashes by entity key alone, so all events for the same entity live on one
// partition.
type CompositeKey struct {
	Sequence  int64
	EntityKey string
}

// NewCompositeKey builds a composite key from a sequence and entity key.
func NewCompositeKey(sequence int64, entityKey string) CompositeKey {
	return CompositeKey{Sequence: sequence, EntityKey: entityKey}
}

// String encodes the key as a fixed-width decimal sequence followed by the
// entity key. Lexicographic order of the encoded form equals sequence order.
func (k CompositeKey) String() string {
	return fmt.Sprintf("%020d|%s", k.Sequence, k.EntityKey)
}

// ParseCompositeKey decodes the string form produced by String.
func ParseCompositeKey(s string) (CompositeKey, error) {
	seqPart, entity, ok := strings.Cut(s, "|")
	if !ok {
		return CompositeKey{}, fmt.Errorf("malformed composite key %q", s)
	}
	seq, err := strconv.ParseInt(seqPart, 10, 64)
	if err != nil {
		return CompositeKey{}, fmt.Errorf("malformed composite key %q: %w", s, err)
	}
	return CompositeKey{Sequence: seq, EntityKey: entity}, nil
}

// PartitionHash returns the partitioning hash of the key. It depends only
// on the entity key, preserving per-entity locality.
func (k CompositeKey) PartitionHash() uint32 {
	return PartitionHash(k.EntityKey)
}

// Less orders composite keys by sequence.
func (k CompositeKey) Less(other CompositeKey) bool {
	return k.Sequence < other.Sequence
}

// PartitionHash hashes an entity key for partition routing.
func PartitionHash(entityKey string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(entityKey))
	return h.Sum32()
}
