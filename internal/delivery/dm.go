package delivery

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/growthpigs/revos-dispatch/internal/config"
	"github.com/growthpigs/revos-dispatch/internal/domain"
	"github.com/growthpigs/revos-dispatch/internal/queue"
	"github.com/growthpigs/revos-dispatch/internal/schedule"
)

// DMScheduler plans one direct message per matched comment: it writes the
// pending audit row, renders the message text and enqueues the delayed job.
type DMScheduler struct {
	store   Store
	queue   JobStore
	planner *schedule.Planner
	clock   clockwork.Clock
	cfg     config.Config
	log     *zap.Logger
}

func NewDMScheduler(store Store, q JobStore, planner *schedule.Planner,
	clock clockwork.Clock, cfg config.Config, log *zap.Logger) *DMScheduler {

	return &DMScheduler{
		store:   store,
		queue:   q,
		planner: planner,
		clock:   clock,
		cfg:     cfg,
		log:     log.Named("dm-scheduler"),
	}
}

// ScheduleDM creates the delivery activity and the queue job for a comment
// that matched a trigger word. The send time is the randomized DM delay
// plus jitter, clamped into the account's working hours.
func (s *DMScheduler) ScheduleDM(ctx context.Context, campaign domain.Campaign,
	comment domain.Comment, matchedTrigger string) (domain.DeliveryActivity, error) {

	message := RenderDM(campaign.DMTemplate, comment, matchedTrigger)
	sendAt := s.planner.PlanSend(s.planner.DMDelay(), campaign.Location())

	activity, err := s.store.InsertActivity(ctx, domain.DeliveryActivity{
		Type:         domain.ActivityDM,
		TargetID:     comment.AuthorID,
		ActorID:      campaign.AccountID,
		CampaignID:   campaign.ID,
		ScheduledFor: sendAt,
		MaxAttempts:  s.cfg.MaxAttempts,
		Message:      message,
	})
	if err != nil {
		return domain.DeliveryActivity{}, err
	}

	job, err := s.queue.Enqueue(ctx, domain.DMPayload{
		ActivityID:  activity.ID,
		CampaignID:  campaign.ID,
		AccountID:   campaign.AccountID,
		RecipientID: comment.AuthorID,
		Message:     message,
		CommentID:   comment.ID,
		UserID:      campaign.UserID,
	}, queue.EnqueueOptions{
		Delay:       sendAt.Sub(s.clock.Now().UTC()),
		MaxAttempts: s.cfg.MaxAttempts,
	})
	if err != nil {
		return domain.DeliveryActivity{}, err
	}

	s.log.Info("dm scheduled",
		zap.String("activity_id", activity.ID),
		zap.String("job_id", job.ID),
		zap.String("campaign_id", campaign.ID),
		zap.String("trigger", matchedTrigger),
		zap.Time("send_at", sendAt))
	return activity, nil
}

// ReplayActivity re-enqueues a manually reset activity. The stored message
// text is reused verbatim; the retry does not re-render the template. The
// job's attempt continues from the row's count so the audit trail keeps its
// full delivery history.
func (s *DMScheduler) ReplayActivity(ctx context.Context, a domain.DeliveryActivity,
	campaign domain.Campaign) (domain.Job, error) {

	if a.Type != domain.ActivityDM {
		return domain.Job{}, fmt.Errorf("activity %s is not a dm", a.ID)
	}
	sendAt := s.planner.PlanSend(s.planner.DMDelay(), campaign.Location())
	return s.queue.Enqueue(ctx, domain.DMPayload{
		ActivityID:  a.ID,
		CampaignID:  a.CampaignID,
		AccountID:   a.ActorID,
		RecipientID: a.TargetID,
		Message:     a.Message,
		UserID:      campaign.UserID,
	}, queue.EnqueueOptions{
		Delay:       sendAt.Sub(s.clock.Now().UTC()),
		Attempt:     a.Attempt,
		MaxAttempts: a.MaxAttempts,
	})
}

// DMWorker executes dm-delivery jobs: quota check, platform call, terminal
// bookkeeping. One job per message; the audit row and the job reference each
// other through ActivityID.
type DMWorker struct {
	store     Store
	messenger Messenger
	limiter   Limiter
	planner   *schedule.Planner
	clock     clockwork.Clock
	log       *zap.Logger
}

func NewDMWorker(store Store, messenger Messenger, limiter Limiter,
	planner *schedule.Planner, clock clockwork.Clock, log *zap.Logger) *DMWorker {

	return &DMWorker{
		store:     store,
		messenger: messenger,
		limiter:   limiter,
		planner:   planner,
		clock:     clock,
		log:       log.Named("dm-worker"),
	}
}

func (w *DMWorker) Queue() domain.QueueName { return domain.QueueDMDelivery }

func (w *DMWorker) Handle(ctx context.Context, job domain.Job) error {
	payload, err := job.DecodeDM()
	if err != nil {
		return Permanent(err)
	}

	campaign, err := w.store.CampaignByID(ctx, payload.CampaignID)
	if err != nil {
		if isNotFound(err) {
			return w.abandon(ctx, payload, job, "campaign no longer exists")
		}
		return err
	}
	if !campaign.IsActive() {
		return w.abandon(ctx, payload, job,
			fmt.Sprintf("campaign is %s", campaign.Status))
	}

	// The quota is consumed at execution time, not at scheduling time, so a
	// backlog of planned DMs can never overdraw a day.
	decision, err := w.limiter.Allow(ctx, payload.AccountID)
	if err != nil {
		// Fail closed: an unreachable counter reads as exhausted quota.
		return DeferUntil(
			w.planner.DeferToWorkingHours(decision.ResetAt, campaign.Location()),
			"quota counter unreachable")
	}
	if !decision.Allowed {
		return DeferUntil(
			w.planner.DeferToWorkingHours(decision.ResetAt, campaign.Location()),
			fmt.Sprintf("daily dm limit reached (%d/%d)", decision.Count, decision.Limit))
	}

	if err := w.store.TouchActivityAttempt(ctx, payload.ActivityID, job.Attempt); err != nil {
		w.log.Warn("attempt bookkeeping failed", zap.Error(err),
			zap.String("activity_id", payload.ActivityID))
	}

	result, err := w.messenger.SendMessage(ctx, payload.AccountID, payload.RecipientID, payload.Message)
	if err != nil {
		return err
	}

	now := w.clock.Now().UTC()
	if err := w.store.CompleteActivity(ctx, payload.ActivityID, domain.ActivitySuccess,
		job.Attempt, "", result.ChatURL, now); err != nil {
		return err
	}
	if err := w.notify(ctx, payload.UserID, domain.NotifyDMSent, "Message delivered",
		fmt.Sprintf("DM to %s delivered", payload.RecipientID), payload, result.ChatURL); err != nil {
		w.log.Warn("notification insert failed", zap.Error(err))
	}

	w.log.Info("dm delivered",
		zap.String("activity_id", payload.ActivityID),
		zap.String("message_id", result.MessageID),
		zap.Int64("quota_used", decision.Count),
		zap.Int("quota_limit", decision.Limit))
	return nil
}

// OnDeadLetter closes the audit trail for a message that will never be
// delivered: the activity goes terminal failed with the cause, and exactly
// one alert notification is written.
func (w *DMWorker) OnDeadLetter(ctx context.Context, job domain.Job, cause error) {
	payload, err := job.DecodeDM()
	if err != nil {
		w.log.Error("dead-lettered dm has undecodable payload",
			zap.String("job_id", job.ID), zap.Error(err))
		return
	}

	msg := cause.Error()
	if msg == "" {
		msg = "delivery failed"
	}
	if err := w.store.CompleteActivity(ctx, payload.ActivityID, domain.ActivityFailed,
		job.Attempt, msg, "", w.clock.Now().UTC()); err != nil {
		w.log.Error("failed activity close failed", zap.Error(err),
			zap.String("activity_id", payload.ActivityID))
	}
	if err := w.notify(ctx, payload.UserID, domain.NotifyDMFailed, "Message delivery failed",
		fmt.Sprintf("DM to %s failed after %d attempts: %s", payload.RecipientID, job.Attempt, msg),
		payload, ""); err != nil {
		w.log.Error("failure notification insert failed", zap.Error(err))
	}
}

// abandon resolves a job whose target state makes delivery pointless. The
// activity is closed as failed with the reason so the audit trail explains
// the no-op, but no alert fires.
func (w *DMWorker) abandon(ctx context.Context, payload domain.DMPayload,
	job domain.Job, reason string) error {

	if err := w.store.CompleteActivity(ctx, payload.ActivityID, domain.ActivityFailed,
		job.Attempt, reason, "", w.clock.Now().UTC()); err != nil {
		w.log.Warn("abandoned activity close failed", zap.Error(err),
			zap.String("activity_id", payload.ActivityID))
	}
	return Precondition(reason)
}

func (w *DMWorker) notify(ctx context.Context, userID string, kind domain.NotificationType,
	title, message string, payload domain.DMPayload, resultURL string) error {

	meta, _ := json.Marshal(map[string]string{
		"activity_id":  payload.ActivityID,
		"campaign_id":  payload.CampaignID,
		"recipient_id": payload.RecipientID,
		"result_url":   resultURL,
	})
	return w.store.InsertNotification(ctx, domain.Notification{
		UserID:   userID,
		Type:     kind,
		Title:    title,
		Message:  message,
		Metadata: meta,
	})
}
