package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// TypeMerge marks a saved-record merge job.
const TypeMerge = "records.merge"

// MergeJob asks the worker to append session references to a user's saved record.
type MergeJob struct {
	UserID     string    `json:"userId"`
	SessionIDs []string  `json:"sessionIds"`
	Section    string    `json:"section"`
	DetectedAt time.Time `json:"detectedAt"`
}

// NewMergeMessage wraps job for publishing.
func NewMergeMessage(job MergeJob) (Message, error) {
	return NewMessage(TypeMerge, job)
}

// MergeJobFrom extracts the job from a merge message.
func MergeJobFrom(msg Message) (MergeJob, error) {
	if msg.Type != TypeMerge {
		return MergeJob{}, fmt.Errorf("message %s is %q, not a merge job", msg.ID, msg.Type)
	}
	var job MergeJob
	if err := json.Unmarshal(msg.Body, &job); err != nil {
		return MergeJob{}, fmt.Errorf("decode merge job %s: %w", msg.ID, err)
	}
	return job, nil
}
