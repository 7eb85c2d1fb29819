package pipeline

import (
	"encoding/json"
	"time"
)

// Stage names, in execution order.
const (
	StagePersist  = "persist"
	StageApply    = "apply"
	StagePublish  = "publish"
	StageComplete = "complete"
)

// CompletionRecord is the pipeline's terminal verdict for one event. It is
// written exactly once, after the pending entry has been removed, so a
// submitter observing it knows the event can never be processed again.
type CompletionRecord struct {
	EventID     string `json:"event_id"`
	SequenceKey string `json:"sequence_key"`
	EntityKey   string `json:"entity_key"`
	EventType   string `json:"event_type"`

	SubmittedAt time.Time `json:"submitted_at"`
	PersistedAt time.Time `json:"persisted_at,omitempty"`
	AppliedAt   time.Time `json:"applied_at,omitempty"`
	PublishedAt time.Time `json:"published_at,omitempty"`
	CompletedAt time.Time `json:"completed_at"`

	Success       bool   `json:"success"`
	FailedStage   string `json:"failed_stage,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// Marshal serializes the record as JSON.
func (c *CompletionRecord) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// UnmarshalCompletion decodes a completion record.
func UnmarshalCompletion(data []byte) (*CompletionRecord, error) {
	var c CompletionRecord
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
