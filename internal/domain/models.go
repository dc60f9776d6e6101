package domain

import (
	"encoding/json"
	"time"
)

type CampaignStatus string

const (
	CampaignActive CampaignStatus = "active"
	CampaignPaused CampaignStatus = "paused"
	CampaignEnded  CampaignStatus = "ended"
)

// Campaign rows are owned by the dashboard; this service only reads them to
// decide what to poll and what to send.
type Campaign struct {
	ID           string
	UserID       string
	AccountID    string
	Status       CampaignStatus
	TriggerWords []string
	DMTemplate   string
	Timezone     string
	CreatedAt    time.Time
}

func (c Campaign) IsActive() bool { return c.Status == CampaignActive }

// Location resolves the account's configured timezone, falling back to UTC
// when the row carries an invalid or empty name.
func (c Campaign) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

type Post struct {
	ID           string
	CampaignID   string
	AccountID    string
	ExternalID   string
	AuthorUserID string
	PublishedAt  time.Time
	LastPolledAt *time.Time
}

type Pod struct {
	ID     string
	Name   string
	Active bool
}

type PodMember struct {
	PodID     string
	AccountID string
	UserID    string
}

// Comment is an inbound comment pulled from the platform during a poll pass.
type Comment struct {
	ID         string
	PostID     string
	AuthorID   string
	AuthorName string
	Text       string
	PostedAt   time.Time
}

type ActivityType string

const (
	ActivityDM     ActivityType = "dm"
	ActivityRepost ActivityType = "repost"
)

type ActivityStatus string

const (
	ActivityPending ActivityStatus = "pending"
	ActivitySuccess ActivityStatus = "success"
	ActivityFailed  ActivityStatus = "failed"
)

// DeliveryActivity is the audit record for every attempted outbound action.
// Rows are never deleted by this service; terminal rows are immutable except
// for operator-initiated manual retry.
type DeliveryActivity struct {
	ID           string
	Type         ActivityType
	TargetID     string
	ActorID      string
	CampaignID   string
	Status       ActivityStatus
	ScheduledFor time.Time
	ExecutedAt   *time.Time
	Attempt      int
	MaxAttempts  int
	Message      string
	ErrorMessage string
	ResultURL    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type NotificationType string

const (
	NotifyDMSent        NotificationType = "dm_sent"
	NotifyDMFailed      NotificationType = "dm_failed"
	NotifyRepostDone    NotificationType = "repost_done"
	NotifyRepostFailed  NotificationType = "repost_failed"
	NotifyJobDeadLetter NotificationType = "job_dead_lettered"
)

// Notification is the record the UI layer consumes; this service only
// produces rows, it never reads them back.
type Notification struct {
	ID       string
	UserID   string
	Type     NotificationType
	Title    string
	Message  string
	Metadata json.RawMessage
}
