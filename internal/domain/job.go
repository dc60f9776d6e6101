package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type QueueName string

const (
	QueueCommentPoll QueueName = "comment-poll"
	QueueDMDelivery  QueueName = "dm-delivery"
	QueuePodRepost   QueueName = "pod-repost"
)

func Queues() []QueueName {
	return []QueueName{QueueCommentPoll, QueueDMDelivery, QueuePodRepost}
}

type JobStatus string

const (
	JobWaiting   JobStatus = "waiting"
	JobDelayed   JobStatus = "delayed"
	JobActive    JobStatus = "active"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job is the envelope stored in the durable queue. Payload is the
// queue-specific variant; decode it through the typed helpers below.
type Job struct {
	ID           string          `json:"id"`
	Queue        QueueName       `json:"queue"`
	Payload      json.RawMessage `json:"payload"`
	Attempt      int             `json:"attempt"`
	MaxAttempts  int             `json:"max_attempts"`
	ScheduledFor time.Time       `json:"scheduled_for"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// ValidationError rejects a malformed payload at enqueue time, before the
// job ever enters the queue.
type ValidationError struct {
	Queue  QueueName
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s payload: %s", e.Queue, e.Reason)
}

type JobPayload interface {
	QueueName() QueueName
	Validate() error
}

// CommentPollPayload drives one poll pass over a published post's comments.
type CommentPollPayload struct {
	CampaignID string `json:"campaign_id"`
	PostID     string `json:"post_id"`
	AccountID  string `json:"account_id"`
}

func (p CommentPollPayload) QueueName() QueueName { return QueueCommentPoll }

func (p CommentPollPayload) Validate() error {
	switch {
	case p.CampaignID == "":
		return &ValidationError{QueueCommentPoll, "campaign_id is required"}
	case p.PostID == "":
		return &ValidationError{QueueCommentPoll, "post_id is required"}
	case p.AccountID == "":
		return &ValidationError{QueueCommentPoll, "account_id is required"}
	}
	return nil
}

// DMPayload delivers one direct message triggered by a matched comment.
type DMPayload struct {
	ActivityID  string `json:"activity_id"`
	CampaignID  string `json:"campaign_id"`
	AccountID   string `json:"account_id"`
	RecipientID string `json:"recipient_id"`
	Message     string `json:"message"`
	CommentID   string `json:"comment_id,omitempty"`
	UserID      string `json:"user_id,omitempty"`
}

func (p DMPayload) QueueName() QueueName { return QueueDMDelivery }

func (p DMPayload) Validate() error {
	switch {
	case p.ActivityID == "":
		return &ValidationError{QueueDMDelivery, "activity_id is required"}
	case p.CampaignID == "":
		return &ValidationError{QueueDMDelivery, "campaign_id is required"}
	case p.AccountID == "":
		return &ValidationError{QueueDMDelivery, "account_id is required"}
	case p.RecipientID == "":
		return &ValidationError{QueueDMDelivery, "recipient_id is required"}
	case p.Message == "":
		return &ValidationError{QueueDMDelivery, "message is required"}
	}
	return nil
}

// PodRepostPayload executes one pod member's repost of a tracked post.
type PodRepostPayload struct {
	ActivityID string `json:"activity_id"`
	PodID      string `json:"pod_id"`
	PostID     string `json:"post_id"`
	AccountID  string `json:"account_id"`
	UserID     string `json:"user_id,omitempty"`
}

func (p PodRepostPayload) QueueName() QueueName { return QueuePodRepost }

func (p PodRepostPayload) Validate() error {
	switch {
	case p.ActivityID == "":
		return &ValidationError{QueuePodRepost, "activity_id is required"}
	case p.PodID == "":
		return &ValidationError{QueuePodRepost, "pod_id is required"}
	case p.PostID == "":
		return &ValidationError{QueuePodRepost, "post_id is required"}
	case p.AccountID == "":
		return &ValidationError{QueuePodRepost, "account_id is required"}
	}
	return nil
}

func (j Job) DecodeCommentPoll() (CommentPollPayload, error) {
	var p CommentPollPayload
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return p, err
	}
	return p, p.Validate()
}

func (j Job) DecodeDM() (DMPayload, error) {
	var p DMPayload
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return p, err
	}
	return p, p.Validate()
}

func (j Job) DecodePodRepost() (PodRepostPayload, error) {
	var p PodRepostPayload
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return p, err
	}
	return p, p.Validate()
}
