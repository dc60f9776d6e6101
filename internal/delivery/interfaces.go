package delivery

import (
	"context"
	"time"

	"github.com/growthpigs/revos-dispatch/internal/domain"
	"github.com/growthpigs/revos-dispatch/internal/linkedin"
	"github.com/growthpigs/revos-dispatch/internal/queue"
	"github.com/growthpigs/revos-dispatch/internal/ratelimit"
)

// Store is the persistence boundary the schedulers and workers depend on;
// storage.Store satisfies it, tests use fakes.
type Store interface {
	ActiveCampaigns(ctx context.Context) ([]domain.Campaign, error)
	CampaignByID(ctx context.Context, id string) (domain.Campaign, error)
	PostByID(ctx context.Context, id string) (domain.Post, error)
	PostsForCampaign(ctx context.Context, campaignID string, publishedAfter time.Time) ([]domain.Post, error)
	RecentMemberPosts(ctx context.Context, publishedAfter time.Time) ([]domain.Post, error)
	MarkPostPolled(ctx context.Context, postID string, at time.Time) error
	PodMembersForPost(ctx context.Context, postID string) ([]domain.PodMember, error)
	RecordComment(ctx context.Context, c domain.Comment, matchedTrigger string, botScore float64) error

	InsertActivity(ctx context.Context, a domain.DeliveryActivity) (domain.DeliveryActivity, error)
	ActivityByID(ctx context.Context, id string) (domain.DeliveryActivity, error)
	CompleteActivity(ctx context.Context, id string, status domain.ActivityStatus,
		attempt int, errorMessage, resultURL string, executedAt time.Time) error
	TouchActivityAttempt(ctx context.Context, id string, attempt int) error
	ResetActivityForRetry(ctx context.Context, id string) (domain.DeliveryActivity, error)
	InsertNotification(ctx context.Context, n domain.Notification) error
}

// Messenger is the outbound platform gateway; linkedin.Client satisfies it.
type Messenger interface {
	SendMessage(ctx context.Context, accountID, recipientID, text string) (linkedin.MessageResult, error)
	CreateRepost(ctx context.Context, accountID, externalPostID, comment string) (linkedin.RepostResult, error)
	ListComments(ctx context.Context, accountID, externalPostID string, since time.Time) ([]linkedin.Comment, error)
}

// Limiter is the per-account daily quota gate; ratelimit.DailyLimiter
// satisfies it.
type Limiter interface {
	Allow(ctx context.Context, accountID string) (ratelimit.Decision, error)
}

// JobStore is the slice of the queue the delivery layer uses.
type JobStore interface {
	Enqueue(ctx context.Context, payload domain.JobPayload, opts queue.EnqueueOptions) (domain.Job, error)
	Complete(ctx context.Context, job domain.Job) error
	Retry(ctx context.Context, job domain.Job) error
	DeadLetter(ctx context.Context, job domain.Job, reason string) error
	Dequeue(ctx context.Context, name domain.QueueName, block time.Duration) (domain.Job, error)
	MarkProcessed(ctx context.Context, key string, ttl time.Duration) (bool, error)
	TryArm(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Rearm(ctx context.Context, key string, ttl time.Duration) error
	Disarm(ctx context.Context, key string) error
}
