package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/growthpigs/revos-dispatch/internal/classify"
	"github.com/growthpigs/revos-dispatch/internal/config"
	"github.com/growthpigs/revos-dispatch/internal/delivery"
	"github.com/growthpigs/revos-dispatch/internal/domain"
	"github.com/growthpigs/revos-dispatch/internal/linkedin"
	"github.com/growthpigs/revos-dispatch/internal/queue"
	"github.com/growthpigs/revos-dispatch/internal/schedule"
	"github.com/growthpigs/revos-dispatch/internal/storage"
)

// stubStore is the minimal delivery.Store the endpoint tests need.
type stubStore struct {
	campaigns  map[string]domain.Campaign
	posts      map[string]domain.Post
	members    map[string][]domain.PodMember
	activities map[string]domain.DeliveryActivity
}

func newStubStore() *stubStore {
	return &stubStore{
		campaigns:  make(map[string]domain.Campaign),
		posts:      make(map[string]domain.Post),
		members:    make(map[string][]domain.PodMember),
		activities: make(map[string]domain.DeliveryActivity),
	}
}

func (s *stubStore) ActiveCampaigns(context.Context) ([]domain.Campaign, error) {
	var out []domain.Campaign
	for _, c := range s.campaigns {
		if c.IsActive() {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *stubStore) CampaignByID(_ context.Context, id string) (domain.Campaign, error) {
	c, ok := s.campaigns[id]
	if !ok {
		return domain.Campaign{}, storage.ErrNotFound
	}
	return c, nil
}

func (s *stubStore) PostByID(_ context.Context, id string) (domain.Post, error) {
	p, ok := s.posts[id]
	if !ok {
		return domain.Post{}, storage.ErrNotFound
	}
	return p, nil
}

func (s *stubStore) PostsForCampaign(_ context.Context, campaignID string, _ time.Time) ([]domain.Post, error) {
	var out []domain.Post
	for _, p := range s.posts {
		if p.CampaignID == campaignID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *stubStore) RecentMemberPosts(context.Context, time.Time) ([]domain.Post, error) {
	return nil, nil
}

func (s *stubStore) MarkPostPolled(context.Context, string, time.Time) error { return nil }

func (s *stubStore) PodMembersForPost(_ context.Context, postID string) ([]domain.PodMember, error) {
	return s.members[postID], nil
}

func (s *stubStore) RecordComment(context.Context, domain.Comment, string, float64) error {
	return nil
}

func (s *stubStore) InsertActivity(_ context.Context, a domain.DeliveryActivity) (domain.DeliveryActivity, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = domain.ActivityPending
	}
	s.activities[a.ID] = a
	return a, nil
}

func (s *stubStore) ActivityByID(_ context.Context, id string) (domain.DeliveryActivity, error) {
	a, ok := s.activities[id]
	if !ok {
		return domain.DeliveryActivity{}, storage.ErrNotFound
	}
	return a, nil
}

func (s *stubStore) CompleteActivity(_ context.Context, id string, status domain.ActivityStatus,
	attempt int, errorMessage, resultURL string, executedAt time.Time) error {

	a := s.activities[id]
	a.Status = status
	a.Attempt = attempt
	a.ErrorMessage = errorMessage
	a.ResultURL = resultURL
	a.ExecutedAt = &executedAt
	s.activities[id] = a
	return nil
}

func (s *stubStore) TouchActivityAttempt(context.Context, string, int) error { return nil }

func (s *stubStore) ResetActivityForRetry(_ context.Context, id string) (domain.DeliveryActivity, error) {
	a, ok := s.activities[id]
	if !ok || a.Status != domain.ActivityFailed {
		return domain.DeliveryActivity{}, storage.ErrNotFound
	}
	a.Status = domain.ActivityPending
	a.Attempt++
	a.MaxAttempts++
	a.ErrorMessage = ""
	s.activities[id] = a
	return a, nil
}

func (s *stubStore) InsertNotification(context.Context, domain.Notification) error { return nil }

type stubMessenger struct {
	comments []linkedin.Comment
}

func (m *stubMessenger) SendMessage(context.Context, string, string, string) (linkedin.MessageResult, error) {
	return linkedin.MessageResult{}, nil
}

func (m *stubMessenger) CreateRepost(context.Context, string, string, string) (linkedin.RepostResult, error) {
	return linkedin.RepostResult{}, nil
}

func (m *stubMessenger) ListComments(context.Context, string, string, time.Time) ([]linkedin.Comment, error) {
	return m.comments, nil
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

type fixture struct {
	store     *stubStore
	messenger *stubMessenger
	q         *queue.Queue
	srv       *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC))
	cfg := config.Config{
		DailyDMLimit:        100,
		CommentPollMinDelay: 15 * time.Minute,
		CommentPollMaxDelay: 45 * time.Minute,
		MaxPostAge:          14 * 24 * time.Hour,
		PodPollInterval:     30 * time.Minute,
		RepostMinDelay:      5 * time.Minute,
		RepostMaxDelay:      30 * time.Minute,
		DMMinDelay:          2 * time.Minute,
		DMMaxDelay:          20 * time.Minute,
		WorkingHoursStart:   9,
		WorkingHoursEnd:     17,
		ScheduleJitter:      5 * time.Minute,
		MaxAttempts:         3,
		RetryBackoffBase:    time.Minute,
		RetryBackoffCap:     time.Hour,
		MarkerTTL:           48 * time.Hour,
		DeadLetterTTL:       7 * 24 * time.Hour,
		BotScoreThreshold:   0.6,
	}

	q := queue.New(rdb, clock, cfg.DeadLetterTTL)
	planner := schedule.NewSeeded(cfg, clock, 7)
	store := newStubStore()
	messenger := &stubMessenger{}
	log := zap.NewNop()

	dms := delivery.NewDMScheduler(store, q, planner, clock, cfg, log)
	poller := delivery.NewCommentPoller(store, q, messenger, classify.New(), dms, clock, cfg, log)
	pollSweep := delivery.NewCommentPollScheduler(store, q, poller, planner, clock, cfg, log)
	amplifier := delivery.NewPodRepostScheduler(store, q, planner, clock, cfg, log)

	server := NewServer(store, q, pollSweep, amplifier, dms,
		stubPinger{}, stubPinger{}, log)
	srv := httptest.NewServer(server.Router())
	t.Cleanup(srv.Close)

	return &fixture{store: store, messenger: messenger, q: q, srv: srv}
}

func decode[T any](t *testing.T, res *http.Response) T {
	t.Helper()
	defer res.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(res.Body).Decode(&v))
	return v
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	res, err := http.Get(f.srv.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	body := decode[map[string]string](t, res)
	assert.Equal(t, "ok", body["postgres"])
	assert.Equal(t, "ok", body["redis"])
}

func TestQueueStatusReportsAllQueues(t *testing.T) {
	f := newFixture(t)
	_, err := f.q.Enqueue(context.Background(), domain.DMPayload{
		ActivityID:  "a1",
		CampaignID:  "c1",
		AccountID:   "acct",
		RecipientID: "lead",
		Message:     "hi",
	}, queue.EnqueueOptions{})
	require.NoError(t, err)

	res, err := http.Get(f.srv.URL + "/v1/queues/status")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	body := decode[map[string]queue.Counts](t, res)
	require.Len(t, body, 3)
	assert.Equal(t, int64(1), body["dm-delivery"].Waiting)
	assert.Zero(t, body["comment-poll"].Waiting)
}

func TestPollCampaignsEndpointQueuesDMs(t *testing.T) {
	f := newFixture(t)
	f.store.campaigns["c1"] = domain.Campaign{
		ID:           "c1",
		UserID:       "u1",
		AccountID:    "acct-1",
		Status:       domain.CampaignActive,
		TriggerWords: []string{"guide"},
		DMTemplate:   "Hey {first_name}",
	}
	f.store.posts["p1"] = domain.Post{
		ID:          "p1",
		CampaignID:  "c1",
		AccountID:   "acct-1",
		ExternalID:  "urn:1",
		PublishedAt: time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC),
	}
	f.messenger.comments = []linkedin.Comment{{
		ID:         "cm1",
		AuthorID:   "lead-1",
		AuthorName: "Lead One",
		Text:       "please send the guide",
		PostedAt:   time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC),
	}}

	res, err := http.Post(f.srv.URL+"/v1/campaigns/poll", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	report := decode[delivery.PollReport](t, res)
	assert.Equal(t, 1, report.CampaignsProcessed)
	assert.Equal(t, 1, report.DMsQueued)
	assert.Empty(t, report.Errors)
}

func TestAmplifyEndpoint(t *testing.T) {
	f := newFixture(t)
	f.store.posts["p1"] = domain.Post{
		ID:          "p1",
		CampaignID:  "c1",
		ExternalID:  "urn:1",
		PublishedAt: time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC),
	}
	f.store.members["p1"] = []domain.PodMember{
		{PodID: "pod-1", AccountID: "acct-a", UserID: "u-a"},
		{PodID: "pod-1", AccountID: "acct-b", UserID: "u-b"},
	}

	res, err := http.Post(f.srv.URL+"/v1/posts/p1/amplify", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	report := decode[delivery.AmplifyReport](t, res)
	assert.Equal(t, 2, report.ActivitiesScheduled)

	res, err = http.Post(f.srv.URL+"/v1/posts/missing/amplify", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	res.Body.Close()
}

func TestRetryActivityEndpoint(t *testing.T) {
	f := newFixture(t)
	f.store.campaigns["c1"] = domain.Campaign{
		ID: "c1", UserID: "u1", AccountID: "acct-1", Status: domain.CampaignActive,
	}
	f.store.activities["a1"] = domain.DeliveryActivity{
		ID:           "a1",
		Type:         domain.ActivityDM,
		TargetID:     "lead-1",
		ActorID:      "acct-1",
		CampaignID:   "c1",
		Status:       domain.ActivityFailed,
		Attempt:      3,
		MaxAttempts:  3,
		Message:      "Hey Lead",
		ErrorMessage: "platform 500",
	}

	res, err := http.Post(f.srv.URL+"/v1/activities/a1/retry", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, res.StatusCode)

	body := decode[map[string]any](t, res)
	assert.Equal(t, "a1", body["activity_id"])
	assert.NotEmpty(t, body["job_id"])

	got := f.store.activities["a1"]
	assert.Equal(t, domain.ActivityPending, got.Status)
	assert.Equal(t, 4, got.Attempt)
	assert.Equal(t, 4, got.MaxAttempts)
}

func TestRetryActivityRejectsNonFailed(t *testing.T) {
	f := newFixture(t)
	f.store.activities["a1"] = domain.DeliveryActivity{
		ID:     "a1",
		Type:   domain.ActivityDM,
		Status: domain.ActivitySuccess,
	}

	res, err := http.Post(f.srv.URL+"/v1/activities/a1/retry", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	res.Body.Close()

	res, err = http.Post(f.srv.URL+"/v1/activities/missing/retry", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	res.Body.Close()
}
