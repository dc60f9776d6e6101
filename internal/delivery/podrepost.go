package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/growthpigs/revos-dispatch/internal/config"
	"github.com/growthpigs/revos-dispatch/internal/domain"
	"github.com/growthpigs/revos-dispatch/internal/queue"
	"github.com/growthpigs/revos-dispatch/internal/schedule"
)

func repostMarker(postID, accountID string) string {
	return "repost:" + postID + ":" + accountID
}

// AmplifyReport summarizes one amplification fan-out.
type AmplifyReport struct {
	PostID               string   `json:"post_id"`
	ActivitiesScheduled  int      `json:"activities_scheduled"`
	MembersAlreadyQueued int      `json:"members_already_queued"`
	Activities           []string `json:"activity_ids,omitempty"`
}

// PodRepostScheduler fans a tracked post out to its pod: one staggered
// repost activity per member, excluding the author. The per-member marker
// makes the fan-out idempotent, so re-triggering an already amplified post
// only schedules members added since.
type PodRepostScheduler struct {
	store   Store
	queue   JobStore
	planner *schedule.Planner
	clock   clockwork.Clock
	cfg     config.Config
	log     *zap.Logger
}

func NewPodRepostScheduler(store Store, q JobStore, planner *schedule.Planner,
	clock clockwork.Clock, cfg config.Config, log *zap.Logger) *PodRepostScheduler {

	return &PodRepostScheduler{
		store:   store,
		queue:   q,
		planner: planner,
		clock:   clock,
		cfg:     cfg,
		log:     log.Named("repost-scheduler"),
	}
}

func (s *PodRepostScheduler) AmplifyPost(ctx context.Context, postID string) (AmplifyReport, error) {
	report := AmplifyReport{PostID: postID}

	post, err := s.store.PostByID(ctx, postID)
	if err != nil {
		return report, err
	}
	members, err := s.store.PodMembersForPost(ctx, postID)
	if err != nil {
		return report, err
	}

	var errs error
	for _, member := range members {
		fresh, err := s.queue.MarkProcessed(ctx, repostMarker(post.ID, member.AccountID), s.cfg.MarkerTTL)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("member %s: %w", member.AccountID, err))
			continue
		}
		if !fresh {
			report.MembersAlreadyQueued++
			continue
		}

		activity, err := s.scheduleMember(ctx, post, member)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("member %s: %w", member.AccountID, err))
			continue
		}
		report.ActivitiesScheduled++
		report.Activities = append(report.Activities, activity.ID)
	}

	s.log.Info("post amplification planned",
		zap.String("post_id", post.ID),
		zap.Int("scheduled", report.ActivitiesScheduled),
		zap.Int("already_queued", report.MembersAlreadyQueued))
	return report, errs
}

func (s *PodRepostScheduler) scheduleMember(ctx context.Context, post domain.Post,
	member domain.PodMember) (domain.DeliveryActivity, error) {

	sendAt := s.planner.PlanSend(s.planner.RepostDelay(), time.UTC)

	activity, err := s.store.InsertActivity(ctx, domain.DeliveryActivity{
		Type:         domain.ActivityRepost,
		TargetID:     post.ID,
		ActorID:      member.AccountID,
		CampaignID:   post.CampaignID,
		ScheduledFor: sendAt,
		MaxAttempts:  s.cfg.MaxAttempts,
	})
	if err != nil {
		return domain.DeliveryActivity{}, err
	}

	_, err = s.queue.Enqueue(ctx, domain.PodRepostPayload{
		ActivityID: activity.ID,
		PodID:      member.PodID,
		PostID:     post.ID,
		AccountID:  member.AccountID,
		UserID:     member.UserID,
	}, queue.EnqueueOptions{
		Delay:       sendAt.Sub(s.clock.Now().UTC()),
		MaxAttempts: s.cfg.MaxAttempts,
	})
	if err != nil {
		return domain.DeliveryActivity{}, err
	}
	return activity, nil
}

// ReplayActivity re-enqueues a manually reset repost activity.
func (s *PodRepostScheduler) ReplayActivity(ctx context.Context,
	a domain.DeliveryActivity) (domain.Job, error) {

	if a.Type != domain.ActivityRepost {
		return domain.Job{}, fmt.Errorf("activity %s is not a repost", a.ID)
	}
	sendAt := s.planner.PlanSend(s.planner.RepostDelay(), time.UTC)
	return s.queue.Enqueue(ctx, domain.PodRepostPayload{
		ActivityID: a.ID,
		PodID:      "manual-retry",
		PostID:     a.TargetID,
		AccountID:  a.ActorID,
	}, queue.EnqueueOptions{
		Delay:       sendAt.Sub(s.clock.Now().UTC()),
		Attempt:     a.Attempt,
		MaxAttempts: a.MaxAttempts,
	})
}

// PodRepostWorker executes one member's repost. Reposts do not consume the
// per-account daily quota; only DM sends do. Repost volume is bounded
// upstream instead: the pod poll interval caps fan-out frequency and the
// staggered send window spreads the calls, so an account produces at most a
// handful of reposts per day.
type PodRepostWorker struct {
	store     Store
	messenger Messenger
	clock     clockwork.Clock
	log       *zap.Logger
}

func NewPodRepostWorker(store Store, messenger Messenger, clock clockwork.Clock,
	log *zap.Logger) *PodRepostWorker {

	return &PodRepostWorker{
		store:     store,
		messenger: messenger,
		clock:     clock,
		log:       log.Named("repost-worker"),
	}
}

func (w *PodRepostWorker) Queue() domain.QueueName { return domain.QueuePodRepost }

func (w *PodRepostWorker) Handle(ctx context.Context, job domain.Job) error {
	payload, err := job.DecodePodRepost()
	if err != nil {
		return Permanent(err)
	}

	activity, err := w.store.ActivityByID(ctx, payload.ActivityID)
	if err != nil {
		if isNotFound(err) {
			return Precondition("activity no longer exists")
		}
		return err
	}
	if activity.Status != domain.ActivityPending {
		return Precondition(fmt.Sprintf("activity already %s", activity.Status))
	}

	post, err := w.store.PostByID(ctx, payload.PostID)
	if err != nil {
		if isNotFound(err) {
			return w.abandon(ctx, payload, job, "post no longer exists")
		}
		return err
	}

	if err := w.store.TouchActivityAttempt(ctx, payload.ActivityID, job.Attempt); err != nil {
		w.log.Warn("attempt bookkeeping failed", zap.Error(err),
			zap.String("activity_id", payload.ActivityID))
	}

	result, err := w.messenger.CreateRepost(ctx, payload.AccountID, post.ExternalID, "")
	if err != nil {
		return err
	}

	now := w.clock.Now().UTC()
	if err := w.store.CompleteActivity(ctx, payload.ActivityID, domain.ActivitySuccess,
		job.Attempt, "", result.URL, now); err != nil {
		return err
	}
	if err := w.notify(ctx, payload, domain.NotifyRepostDone, "Repost published",
		fmt.Sprintf("Account %s reposted post %s", payload.AccountID, payload.PostID),
		result.URL); err != nil {
		w.log.Warn("notification insert failed", zap.Error(err))
	}

	w.log.Info("repost published",
		zap.String("activity_id", payload.ActivityID),
		zap.String("repost_id", result.RepostID))
	return nil
}

func (w *PodRepostWorker) OnDeadLetter(ctx context.Context, job domain.Job, cause error) {
	payload, err := job.DecodePodRepost()
	if err != nil {
		w.log.Error("dead-lettered repost has undecodable payload",
			zap.String("job_id", job.ID), zap.Error(err))
		return
	}

	msg := cause.Error()
	if msg == "" {
		msg = "repost failed"
	}
	if err := w.store.CompleteActivity(ctx, payload.ActivityID, domain.ActivityFailed,
		job.Attempt, msg, "", w.clock.Now().UTC()); err != nil {
		w.log.Error("failed activity close failed", zap.Error(err),
			zap.String("activity_id", payload.ActivityID))
	}
	if err := w.notify(ctx, payload, domain.NotifyRepostFailed, "Repost failed",
		fmt.Sprintf("Repost of post %s by account %s failed after %d attempts: %s",
			payload.PostID, payload.AccountID, job.Attempt, msg), ""); err != nil {
		w.log.Error("failure notification insert failed", zap.Error(err))
	}
}

func (w *PodRepostWorker) abandon(ctx context.Context, payload domain.PodRepostPayload,
	job domain.Job, reason string) error {

	if err := w.store.CompleteActivity(ctx, payload.ActivityID, domain.ActivityFailed,
		job.Attempt, reason, "", w.clock.Now().UTC()); err != nil {
		w.log.Warn("abandoned activity close failed", zap.Error(err),
			zap.String("activity_id", payload.ActivityID))
	}
	return Precondition(reason)
}

func (w *PodRepostWorker) notify(ctx context.Context, payload domain.PodRepostPayload,
	kind domain.NotificationType, title, message, resultURL string) error {

	meta, _ := json.Marshal(map[string]string{
		"activity_id": payload.ActivityID,
		"post_id":     payload.PostID,
		"pod_id":      payload.PodID,
		"account_id":  payload.AccountID,
		"result_url":  resultURL,
	})
	return w.store.InsertNotification(ctx, domain.Notification{
		UserID:   payload.UserID,
		Type:     kind,
		Title:    title,
		Message:  message,
		Metadata: meta,
	})
}

// PodPostPoller discovers fresh pod-member posts on a fixed interval and
// fans each one out. It backs the periodic cron entry; the HTTP trigger
// calls the scheduler directly.
type PodPostPoller struct {
	store     Store
	scheduler *PodRepostScheduler
	clock     clockwork.Clock
	cfg       config.Config
	log       *zap.Logger
}

func NewPodPostPoller(store Store, scheduler *PodRepostScheduler,
	clock clockwork.Clock, cfg config.Config, log *zap.Logger) *PodPostPoller {

	return &PodPostPoller{
		store:     store,
		scheduler: scheduler,
		clock:     clock,
		cfg:       cfg,
		log:       log.Named("pod-poller"),
	}
}

// Run performs one discovery pass. The lookback window is widened past the
// poll interval so a late run never leaves a gap; the per-member markers
// absorb the overlap.
func (p *PodPostPoller) Run(ctx context.Context) error {
	lookback := p.cfg.PodPollInterval * 2
	since := p.clock.Now().UTC().Add(-lookback)

	posts, err := p.store.RecentMemberPosts(ctx, since)
	if err != nil {
		return err
	}

	var errs error
	for _, post := range posts {
		report, err := p.scheduler.AmplifyPost(ctx, post.ID)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("post %s: %w", post.ID, err))
			continue
		}
		if report.ActivitiesScheduled > 0 {
			p.log.Info("fresh pod post amplified",
				zap.String("post_id", post.ID),
				zap.Int("members", report.ActivitiesScheduled))
		}
	}
	return errs
}
