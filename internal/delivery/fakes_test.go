package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/growthpigs/revos-dispatch/internal/domain"
	"github.com/growthpigs/revos-dispatch/internal/linkedin"
	"github.com/growthpigs/revos-dispatch/internal/queue"
	"github.com/growthpigs/revos-dispatch/internal/ratelimit"
	"github.com/growthpigs/revos-dispatch/internal/storage"
)

// fakeStore is an in-memory Store. Only what the delivery tests exercise is
// implemented faithfully; everything else returns zero values.
type fakeStore struct {
	mu            sync.Mutex
	campaigns     map[string]domain.Campaign
	posts         map[string]domain.Post
	members       map[string][]domain.PodMember
	activities    map[string]domain.DeliveryActivity
	comments      []domain.Comment
	notifications []domain.Notification
	polledAt      map[string]time.Time

	recentPosts []domain.Post
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		campaigns:  make(map[string]domain.Campaign),
		posts:      make(map[string]domain.Post),
		members:    make(map[string][]domain.PodMember),
		activities: make(map[string]domain.DeliveryActivity),
		polledAt:   make(map[string]time.Time),
	}
}

func (f *fakeStore) ActiveCampaigns(context.Context) ([]domain.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Campaign
	for _, c := range f.campaigns {
		if c.IsActive() {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) CampaignByID(_ context.Context, id string) (domain.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[id]
	if !ok {
		return domain.Campaign{}, storage.ErrNotFound
	}
	return c, nil
}

func (f *fakeStore) PostByID(_ context.Context, id string) (domain.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.posts[id]
	if !ok {
		return domain.Post{}, storage.ErrNotFound
	}
	return p, nil
}

func (f *fakeStore) PostsForCampaign(_ context.Context, campaignID string, publishedAfter time.Time) ([]domain.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Post
	for _, p := range f.posts {
		if p.CampaignID == campaignID && p.PublishedAt.After(publishedAfter) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStore) RecentMemberPosts(context.Context, time.Time) ([]domain.Post, error) {
	return f.recentPosts, nil
}

func (f *fakeStore) MarkPostPolled(_ context.Context, postID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polledAt[postID] = at
	return nil
}

func (f *fakeStore) PodMembersForPost(_ context.Context, postID string) ([]domain.PodMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.members[postID], nil
}

func (f *fakeStore) RecordComment(_ context.Context, c domain.Comment, _ string, _ float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments = append(f.comments, c)
	return nil
}

func (f *fakeStore) InsertActivity(_ context.Context, a domain.DeliveryActivity) (domain.DeliveryActivity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = domain.ActivityPending
	}
	if a.Attempt == 0 {
		a.Attempt = 1
	}
	f.activities[a.ID] = a
	return a, nil
}

func (f *fakeStore) ActivityByID(_ context.Context, id string) (domain.DeliveryActivity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.activities[id]
	if !ok {
		return domain.DeliveryActivity{}, storage.ErrNotFound
	}
	return a, nil
}

func (f *fakeStore) CompleteActivity(_ context.Context, id string, status domain.ActivityStatus,
	attempt int, errorMessage, resultURL string, executedAt time.Time) error {

	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.activities[id]
	if !ok {
		return storage.ErrNotFound
	}
	a.Status = status
	a.Attempt = attempt
	a.ErrorMessage = errorMessage
	a.ResultURL = resultURL
	a.ExecutedAt = &executedAt
	f.activities[id] = a
	return nil
}

func (f *fakeStore) TouchActivityAttempt(_ context.Context, id string, attempt int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.activities[id]; ok && a.Status == domain.ActivityPending {
		if attempt > a.Attempt {
			a.Attempt = attempt
		}
		f.activities[id] = a
	}
	return nil
}

func (f *fakeStore) ResetActivityForRetry(_ context.Context, id string) (domain.DeliveryActivity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.activities[id]
	if !ok || a.Status != domain.ActivityFailed {
		return domain.DeliveryActivity{}, storage.ErrNotFound
	}
	a.Status = domain.ActivityPending
	a.Attempt++
	a.MaxAttempts++
	a.ErrorMessage = ""
	a.ExecutedAt = nil
	f.activities[id] = a
	return a, nil
}

func (f *fakeStore) InsertNotification(_ context.Context, n domain.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications = append(f.notifications, n)
	return nil
}

func (f *fakeStore) notificationsOfType(kind domain.NotificationType) []domain.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Notification
	for _, n := range f.notifications {
		if n.Type == kind {
			out = append(out, n)
		}
	}
	return out
}

// fakeMessenger records outbound calls and returns scripted results.
type fakeMessenger struct {
	mu       sync.Mutex
	sent     []string
	reposted []string

	comments    []linkedin.Comment
	sendErr     error
	repostErr   error
	commentsErr error
}

func (f *fakeMessenger) SendMessage(_ context.Context, accountID, recipientID, text string) (linkedin.MessageResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return linkedin.MessageResult{}, f.sendErr
	}
	f.sent = append(f.sent, recipientID+": "+text)
	return linkedin.MessageResult{MessageID: "msg-1", ChatURL: "https://chat/1"}, nil
}

func (f *fakeMessenger) CreateRepost(_ context.Context, accountID, externalPostID, _ string) (linkedin.RepostResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.repostErr != nil {
		return linkedin.RepostResult{}, f.repostErr
	}
	f.reposted = append(f.reposted, accountID+":"+externalPostID)
	return linkedin.RepostResult{RepostID: "rp-1", URL: "https://post/rp-1"}, nil
}

func (f *fakeMessenger) ListComments(_ context.Context, _, _ string, _ time.Time) ([]linkedin.Comment, error) {
	if f.commentsErr != nil {
		return nil, f.commentsErr
	}
	return f.comments, nil
}

// fakeLimiter hands out a fixed decision.
type fakeLimiter struct {
	decision ratelimit.Decision
	err      error
	calls    int
}

func (f *fakeLimiter) Allow(context.Context, string) (ratelimit.Decision, error) {
	f.calls++
	return f.decision, f.err
}

// fakeJobStore records terminal queue calls and keeps markers in a map.
type fakeJobStore struct {
	mu       sync.Mutex
	enqueued []domain.Job
	complete []domain.Job
	retried  []domain.Job
	dead     []domain.Job
	reasons  []string
	markers  map[string]bool
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{markers: make(map[string]bool)}
}

func (f *fakeJobStore) Enqueue(_ context.Context, payload domain.JobPayload, opts queue.EnqueueOptions) (domain.Job, error) {
	if err := payload.Validate(); err != nil {
		return domain.Job{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	attempt := opts.Attempt
	if attempt < 1 {
		attempt = 1
	}
	job := domain.Job{
		ID:           uuid.NewString(),
		Queue:        payload.QueueName(),
		Attempt:      attempt,
		MaxAttempts:  opts.MaxAttempts,
		ScheduledFor: time.Now().UTC().Add(opts.Delay),
	}
	f.enqueued = append(f.enqueued, job)
	return job, nil
}

func (f *fakeJobStore) Complete(_ context.Context, job domain.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.complete = append(f.complete, job)
	return nil
}

func (f *fakeJobStore) Retry(_ context.Context, job domain.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retried = append(f.retried, job)
	return nil
}

func (f *fakeJobStore) DeadLetter(_ context.Context, job domain.Job, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dead = append(f.dead, job)
	f.reasons = append(f.reasons, reason)
	return nil
}

func (f *fakeJobStore) Dequeue(context.Context, domain.QueueName, time.Duration) (domain.Job, error) {
	return domain.Job{}, queue.ErrJobNotFound
}

func (f *fakeJobStore) MarkProcessed(_ context.Context, key string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markers[key] {
		return false, nil
	}
	f.markers[key] = true
	return true, nil
}

func (f *fakeJobStore) TryArm(_ context.Context, key string, _ time.Duration) (bool, error) {
	return f.MarkProcessed(context.Background(), key, 0)
}

func (f *fakeJobStore) Rearm(_ context.Context, key string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markers[key] = true
	return nil
}

func (f *fakeJobStore) Disarm(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.markers, key)
	return nil
}
