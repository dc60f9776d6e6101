package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/growthpigs/revos-dispatch/internal/classify"
	"github.com/growthpigs/revos-dispatch/internal/config"
	"github.com/growthpigs/revos-dispatch/internal/domain"
	"github.com/growthpigs/revos-dispatch/internal/queue"
	"github.com/growthpigs/revos-dispatch/internal/schedule"
)

func pollMarker(postID string) string { return "poll:" + postID }

func commentMarker(postID, commentID string) string {
	return "comment:" + postID + ":" + commentID
}

// CommentPoller runs one poll pass over a post's comments: fetch what's new,
// classify, record, and schedule a DM for every fresh trigger match. It is
// shared by the on-demand HTTP trigger and the self-rescheduling poll jobs.
type CommentPoller struct {
	store      Store
	queue      JobStore
	messenger  Messenger
	classifier *classify.Classifier
	dms        *DMScheduler
	clock      clockwork.Clock
	cfg        config.Config
	log        *zap.Logger
}

func NewCommentPoller(store Store, q JobStore, messenger Messenger,
	classifier *classify.Classifier, dms *DMScheduler, clock clockwork.Clock,
	cfg config.Config, log *zap.Logger) *CommentPoller {

	return &CommentPoller{
		store:      store,
		queue:      q,
		messenger:  messenger,
		classifier: classifier,
		dms:        dms,
		clock:      clock,
		cfg:        cfg,
		log:        log.Named("comment-poller"),
	}
}

// PollPost fetches comments newer than the last poll and schedules DMs for
// trigger matches. Every fetched comment is recorded with its classification;
// the processed marker keeps a comment from ever scheduling twice, even when
// two poll passes overlap.
func (p *CommentPoller) PollPost(ctx context.Context, campaign domain.Campaign,
	post domain.Post) (int, error) {

	since := post.PublishedAt
	if post.LastPolledAt != nil {
		since = *post.LastPolledAt
	}

	// The cursor is captured before the fetch. A comment posted while the
	// pass runs lands after the fetch result but before a post-pass
	// timestamp, and a cursor taken late would skip it forever. The early
	// cursor re-fetches such comments next pass; the processed markers
	// absorb the overlap.
	cursor := p.clock.Now().UTC()

	comments, err := p.messenger.ListComments(ctx, campaign.AccountID, post.ExternalID, since)
	if err != nil {
		return 0, err
	}

	queued := 0
	for _, c := range comments {
		comment := domain.Comment{
			ID:         c.ID,
			PostID:     post.ID,
			AuthorID:   c.AuthorID,
			AuthorName: c.AuthorName,
			Text:       c.Text,
			PostedAt:   c.PostedAt,
		}

		if comment.AuthorID == post.AuthorUserID {
			continue
		}
		fresh, err := p.queue.MarkProcessed(ctx, commentMarker(post.ID, comment.ID), p.cfg.MarkerTTL)
		if err != nil {
			return queued, err
		}
		if !fresh {
			continue
		}

		res := p.classifier.Classify(comment.Text, campaign.TriggerWords)
		if err := p.store.RecordComment(ctx, comment, res.MatchedTrigger, res.BotScore); err != nil {
			p.log.Warn("comment record failed", zap.Error(err),
				zap.String("comment_id", comment.ID))
		}

		switch {
		case res.BotScore >= p.cfg.BotScoreThreshold:
			p.log.Debug("comment skipped as likely bot",
				zap.String("comment_id", comment.ID),
				zap.Float64("bot_score", res.BotScore))
			continue
		case res.MatchedTrigger == "":
			continue
		}

		if _, err := p.dms.ScheduleDM(ctx, campaign, comment, res.MatchedTrigger); err != nil {
			return queued, err
		}
		queued++
	}

	if err := p.store.MarkPostPolled(ctx, post.ID, cursor); err != nil {
		return queued, err
	}

	p.log.Info("poll pass done",
		zap.String("post_id", post.ID),
		zap.String("campaign_id", campaign.ID),
		zap.Int("comments", len(comments)),
		zap.Int("dms_queued", queued))
	return queued, nil
}

// PollReport summarizes one on-demand poll sweep across all active campaigns.
type PollReport struct {
	CampaignsProcessed int      `json:"campaigns_processed"`
	PostsPolled        int      `json:"posts_polled"`
	DMsQueued          int      `json:"dms_queued"`
	Errors             []string `json:"errors,omitempty"`
}

// CommentPollScheduler seeds the self-rescheduling poll loops. Each tracked
// post carries an armed marker; a post whose marker is live already has a
// poll job in flight and is left alone.
type CommentPollScheduler struct {
	store   Store
	queue   JobStore
	poller  *CommentPoller
	planner *schedule.Planner
	clock   clockwork.Clock
	cfg     config.Config
	log     *zap.Logger
}

func NewCommentPollScheduler(store Store, q JobStore, poller *CommentPoller,
	planner *schedule.Planner, clock clockwork.Clock, cfg config.Config,
	log *zap.Logger) *CommentPollScheduler {

	return &CommentPollScheduler{
		store:   store,
		queue:   q,
		poller:  poller,
		planner: planner,
		clock:   clock,
		cfg:     cfg,
		log:     log.Named("poll-scheduler"),
	}
}

// PollCampaigns sweeps every active campaign's recent posts: each unarmed
// post gets an immediate inline poll pass plus a delayed follow-up job. One
// campaign's failure never blocks the rest of the sweep.
func (s *CommentPollScheduler) PollCampaigns(ctx context.Context) (PollReport, error) {
	var report PollReport
	var errs error

	campaigns, err := s.store.ActiveCampaigns(ctx)
	if err != nil {
		return report, err
	}

	cutoff := s.clock.Now().UTC().Add(-s.cfg.MaxPostAge)
	for _, campaign := range campaigns {
		posts, err := s.store.PostsForCampaign(ctx, campaign.ID, cutoff)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("campaign %s: %w", campaign.ID, err))
			report.Errors = append(report.Errors, err.Error())
			continue
		}
		report.CampaignsProcessed++

		for _, post := range posts {
			armed, err := s.queue.TryArm(ctx, pollMarker(post.ID), s.armTTL())
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("post %s: %w", post.ID, err))
				report.Errors = append(report.Errors, err.Error())
				continue
			}
			if !armed {
				continue
			}

			queued, err := s.poller.PollPost(ctx, campaign, post)
			report.DMsQueued += queued
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("post %s: %w", post.ID, err))
				report.Errors = append(report.Errors, err.Error())
			}
			report.PostsPolled++

			if err := s.enqueueNext(ctx, campaign, post); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("post %s: %w", post.ID, err))
				report.Errors = append(report.Errors, err.Error())
			}
		}
	}
	return report, errs
}

func (s *CommentPollScheduler) enqueueNext(ctx context.Context,
	campaign domain.Campaign, post domain.Post) error {

	delay := s.planner.PollDelay()
	_, err := s.queue.Enqueue(ctx, domain.CommentPollPayload{
		CampaignID: campaign.ID,
		PostID:     post.ID,
		AccountID:  campaign.AccountID,
	}, queue.EnqueueOptions{
		Delay:       delay,
		MaxAttempts: s.cfg.MaxAttempts,
	})
	if err != nil {
		return err
	}
	return s.queue.Rearm(ctx, pollMarker(post.ID), s.armTTL())
}

// armTTL outlives the longest possible gap between polls, so the marker
// expiring is itself a recovery path: a lost job frees its post for the next
// sweep instead of orphaning it forever.
func (s *CommentPollScheduler) armTTL() time.Duration {
	return 2 * (s.cfg.CommentPollMaxDelay + s.cfg.ScheduleJitter)
}

// CommentPollWorker executes one poll job and re-arms the loop. The loop
// ends when its post ages out or its campaign goes inactive.
type CommentPollWorker struct {
	store   Store
	queue   JobStore
	poller  *CommentPoller
	planner *schedule.Planner
	clock   clockwork.Clock
	cfg     config.Config
	log     *zap.Logger
}

func NewCommentPollWorker(store Store, q JobStore, poller *CommentPoller,
	planner *schedule.Planner, clock clockwork.Clock, cfg config.Config,
	log *zap.Logger) *CommentPollWorker {

	return &CommentPollWorker{
		store:   store,
		queue:   q,
		poller:  poller,
		planner: planner,
		clock:   clock,
		cfg:     cfg,
		log:     log.Named("poll-worker"),
	}
}

func (w *CommentPollWorker) Queue() domain.QueueName { return domain.QueueCommentPoll }

func (w *CommentPollWorker) Handle(ctx context.Context, job domain.Job) error {
	payload, err := job.DecodeCommentPoll()
	if err != nil {
		return Permanent(err)
	}

	campaign, err := w.store.CampaignByID(ctx, payload.CampaignID)
	if err != nil {
		if isNotFound(err) {
			return w.endLoop(ctx, payload.PostID, "campaign no longer exists")
		}
		return err
	}
	if !campaign.IsActive() {
		return w.endLoop(ctx, payload.PostID, fmt.Sprintf("campaign is %s", campaign.Status))
	}

	post, err := w.store.PostByID(ctx, payload.PostID)
	if err != nil {
		if isNotFound(err) {
			return w.endLoop(ctx, payload.PostID, "post no longer exists")
		}
		return err
	}
	if age := w.clock.Now().UTC().Sub(post.PublishedAt); age > w.cfg.MaxPostAge {
		return w.endLoop(ctx, payload.PostID, fmt.Sprintf("post aged out at %s", age.Round(time.Hour)))
	}

	// The occasional skipped pass is deliberate pattern noise. The loop
	// still re-arms; only this pass's fetch is dropped.
	if w.planner.ShouldSkip() {
		w.log.Info("poll pass skipped", zap.String("post_id", post.ID))
		return w.rearm(ctx, campaign, post)
	}

	if _, err := w.poller.PollPost(ctx, campaign, post); err != nil {
		return err
	}
	return w.rearm(ctx, campaign, post)
}

func (w *CommentPollWorker) rearm(ctx context.Context, campaign domain.Campaign, post domain.Post) error {
	delay := w.planner.PollDelay()
	_, err := w.queue.Enqueue(ctx, domain.CommentPollPayload{
		CampaignID: campaign.ID,
		PostID:     post.ID,
		AccountID:  campaign.AccountID,
	}, queue.EnqueueOptions{
		Delay:       delay,
		MaxAttempts: w.cfg.MaxAttempts,
	})
	if err != nil {
		return err
	}
	ttl := 2 * (w.cfg.CommentPollMaxDelay + w.cfg.ScheduleJitter)
	return w.queue.Rearm(ctx, pollMarker(post.ID), ttl)
}

func (w *CommentPollWorker) endLoop(ctx context.Context, postID, reason string) error {
	if err := w.queue.Disarm(ctx, pollMarker(postID)); err != nil {
		w.log.Warn("disarm failed", zap.Error(err), zap.String("post_id", postID))
	}
	return Precondition(reason)
}

// OnDeadLetter releases the post's armed marker so the next sweep can start
// a fresh loop, and alerts the campaign owner that polling stopped.
func (w *CommentPollWorker) OnDeadLetter(ctx context.Context, job domain.Job, cause error) {
	payload, err := job.DecodeCommentPoll()
	if err != nil {
		w.log.Error("dead-lettered poll job has undecodable payload",
			zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if err := w.queue.Disarm(ctx, pollMarker(payload.PostID)); err != nil {
		w.log.Warn("disarm failed", zap.Error(err), zap.String("post_id", payload.PostID))
	}

	campaign, err := w.store.CampaignByID(ctx, payload.CampaignID)
	if err != nil {
		w.log.Error("cannot resolve campaign owner for dead-letter alert",
			zap.Error(err), zap.String("campaign_id", payload.CampaignID))
		return
	}
	meta, _ := json.Marshal(map[string]string{
		"job_id":      job.ID,
		"post_id":     payload.PostID,
		"campaign_id": payload.CampaignID,
	})
	if err := w.store.InsertNotification(ctx, domain.Notification{
		UserID:   campaign.UserID,
		Type:     domain.NotifyJobDeadLetter,
		Title:    "Comment polling stopped",
		Message:  fmt.Sprintf("Polling for post %s stopped after repeated failures: %s", payload.PostID, cause),
		Metadata: meta,
	}); err != nil {
		w.log.Error("dead-letter notification insert failed", zap.Error(err))
	}
}
