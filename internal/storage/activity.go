package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/growthpigs/revos-dispatch/internal/domain"
)

const activityColumns = `id, type, target_id, actor_id, campaign_id, status,
	scheduled_for, executed_at, attempt, max_attempts, message, error_message,
	result_url, created_at, updated_at`

// InsertActivity creates the pending audit row for a planned delivery.
// The generated id doubles as the job payload's activity reference.
func (s *Store) InsertActivity(ctx context.Context, a domain.DeliveryActivity) (domain.DeliveryActivity, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = domain.ActivityPending
	}
	if a.Attempt == 0 {
		a.Attempt = 1
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	_, err := s.db.Exec(ctx, `
		insert into delivery_activities
			(id, type, target_id, actor_id, campaign_id, status, scheduled_for, attempt, max_attempts, message, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		a.ID, a.Type, a.TargetID, a.ActorID, a.CampaignID, a.Status,
		a.ScheduledFor, a.Attempt, a.MaxAttempts, a.Message, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return domain.DeliveryActivity{}, errors.Wrap(err, "insert activity")
	}
	return a, nil
}

func (s *Store) ActivityByID(ctx context.Context, id string) (domain.DeliveryActivity, error) {
	var a domain.DeliveryActivity
	err := s.db.QueryRow(ctx,
		`select `+activityColumns+` from delivery_activities where id = $1`, id).
		Scan(&a.ID, &a.Type, &a.TargetID, &a.ActorID, &a.CampaignID, &a.Status,
			&a.ScheduledFor, &a.ExecutedAt, &a.Attempt, &a.MaxAttempts,
			&a.Message, &a.ErrorMessage, &a.ResultURL, &a.CreatedAt, &a.UpdatedAt)
	if err == pgx.ErrNoRows {
		return domain.DeliveryActivity{}, ErrNotFound
	}
	if err != nil {
		return domain.DeliveryActivity{}, errors.Wrap(err, "query activity")
	}
	return a, nil
}

// CompleteActivity moves a pending row to its terminal state. The where
// clause refuses to touch rows already terminal; status transitions only
// flow pending -> success | failed.
func (s *Store) CompleteActivity(ctx context.Context, id string, status domain.ActivityStatus,
	attempt int, errorMessage, resultURL string, executedAt time.Time) error {

	tag, err := s.db.Exec(ctx, `
		update delivery_activities
		   set status = $2, attempt = $3, error_message = $4, result_url = $5,
		       executed_at = $6, updated_at = now()
		 where id = $1 and status = $7`,
		id, status, attempt, errorMessage, resultURL, executedAt, domain.ActivityPending)
	if err != nil {
		return errors.Wrap(err, "complete activity")
	}
	if tag.RowsAffected() == 0 {
		return errors.Errorf("activity %s is not pending, refusing transition to %s", id, status)
	}
	return nil
}

// TouchActivityAttempt records that another attempt is underway without
// leaving the pending state. greatest() keeps the count monotonic: the row
// accumulates history across manual retries and must never move backwards.
func (s *Store) TouchActivityAttempt(ctx context.Context, id string, attempt int) error {
	_, err := s.db.Exec(ctx, `
		update delivery_activities
		   set attempt = greatest(attempt, $2), updated_at = now()
		 where id = $1 and status = $3`,
		id, attempt, domain.ActivityPending)
	return errors.Wrap(err, "touch activity attempt")
}

// ResetActivityForRetry is the operator escape hatch: a terminal failed row
// goes back to pending with an incremented attempt budget. Only failed rows
// qualify.
func (s *Store) ResetActivityForRetry(ctx context.Context, id string) (domain.DeliveryActivity, error) {
	var a domain.DeliveryActivity
	err := s.db.QueryRow(ctx, `
		update delivery_activities
		   set status = $2, attempt = attempt + 1, max_attempts = max_attempts + 1,
		       error_message = '', executed_at = null, updated_at = now()
		 where id = $1 and status = $3
		 returning `+activityColumns,
		id, domain.ActivityPending, domain.ActivityFailed).
		Scan(&a.ID, &a.Type, &a.TargetID, &a.ActorID, &a.CampaignID, &a.Status,
			&a.ScheduledFor, &a.ExecutedAt, &a.Attempt, &a.MaxAttempts,
			&a.Message, &a.ErrorMessage, &a.ResultURL, &a.CreatedAt, &a.UpdatedAt)
	if err == pgx.ErrNoRows {
		return domain.DeliveryActivity{}, ErrNotFound
	}
	if err != nil {
		return domain.DeliveryActivity{}, errors.Wrap(err, "reset activity")
	}
	return a, nil
}

// InsertNotification emits the operator-visible record for terminal
// outcomes. Silent failure is a correctness violation, so callers treat an
// insert error as a real error, not a logging nicety.
func (s *Store) InsertNotification(ctx context.Context, n domain.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	_, err := s.db.Exec(ctx, `
		insert into notifications (id, user_id, type, title, message, metadata, created_at)
		values ($1, $2, $3, $4, $5, $6, now())`,
		n.ID, n.UserID, n.Type, n.Title, n.Message, n.Metadata)
	return errors.Wrap(err, "insert notification")
}
