package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/growthpigs/revos-dispatch/internal/domain"
)

var ErrNotFound = errors.New("storage: not found")

// Store reads and writes the job-adjacent business rows. The schema is
// owned by the hosted platform; everything here is parameterized queries
// against externally-defined tables.
type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{db: db} }

func (s *Store) ActiveCampaigns(ctx context.Context) ([]domain.Campaign, error) {
	rows, err := s.db.Query(ctx, `
		select id, user_id, account_id, status, trigger_words, dm_template, timezone, created_at
		  from campaigns
		 where status = $1
		 order by created_at`, domain.CampaignActive)
	if err != nil {
		return nil, errors.Wrap(err, "query active campaigns")
	}
	defer rows.Close()
	return scanCampaigns(rows)
}

func (s *Store) CampaignByID(ctx context.Context, id string) (domain.Campaign, error) {
	rows, err := s.db.Query(ctx, `
		select id, user_id, account_id, status, trigger_words, dm_template, timezone, created_at
		  from campaigns
		 where id = $1`, id)
	if err != nil {
		return domain.Campaign{}, errors.Wrap(err, "query campaign")
	}
	defer rows.Close()
	campaigns, err := scanCampaigns(rows)
	if err != nil {
		return domain.Campaign{}, err
	}
	if len(campaigns) == 0 {
		return domain.Campaign{}, ErrNotFound
	}
	return campaigns[0], nil
}

func scanCampaigns(rows pgx.Rows) ([]domain.Campaign, error) {
	var out []domain.Campaign
	for rows.Next() {
		var c domain.Campaign
		if err := rows.Scan(&c.ID, &c.UserID, &c.AccountID, &c.Status,
			&c.TriggerWords, &c.DMTemplate, &c.Timezone, &c.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan campaign")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) PostByID(ctx context.Context, id string) (domain.Post, error) {
	var p domain.Post
	err := s.db.QueryRow(ctx, `
		select id, campaign_id, account_id, external_id, author_user_id, published_at, last_polled_at
		  from posts
		 where id = $1`, id).
		Scan(&p.ID, &p.CampaignID, &p.AccountID, &p.ExternalID, &p.AuthorUserID, &p.PublishedAt, &p.LastPolledAt)
	if err == pgx.ErrNoRows {
		return domain.Post{}, ErrNotFound
	}
	if err != nil {
		return domain.Post{}, errors.Wrap(err, "query post")
	}
	return p, nil
}

func (s *Store) PostsForCampaign(ctx context.Context, campaignID string, publishedAfter time.Time) ([]domain.Post, error) {
	rows, err := s.db.Query(ctx, `
		select id, campaign_id, account_id, external_id, author_user_id, published_at, last_polled_at
		  from posts
		 where campaign_id = $1 and published_at > $2
		 order by published_at desc`, campaignID, publishedAfter)
	if err != nil {
		return nil, errors.Wrap(err, "query campaign posts")
	}
	defer rows.Close()
	return scanPosts(rows)
}

// RecentMemberPosts lists pod members' posts published since the cutoff,
// for the amplification poll.
func (s *Store) RecentMemberPosts(ctx context.Context, publishedAfter time.Time) ([]domain.Post, error) {
	rows, err := s.db.Query(ctx, `
		select distinct p.id, p.campaign_id, p.account_id, p.external_id, p.author_user_id, p.published_at, p.last_polled_at
		  from posts p
		  join pod_members pm on pm.account_id = p.account_id
		  join pods on pods.id = pm.pod_id and pods.active
		 where p.published_at > $1
		 order by p.published_at desc`, publishedAfter)
	if err != nil {
		return nil, errors.Wrap(err, "query recent member posts")
	}
	defer rows.Close()
	return scanPosts(rows)
}

func scanPosts(rows pgx.Rows) ([]domain.Post, error) {
	var out []domain.Post
	for rows.Next() {
		var p domain.Post
		if err := rows.Scan(&p.ID, &p.CampaignID, &p.AccountID, &p.ExternalID,
			&p.AuthorUserID, &p.PublishedAt, &p.LastPolledAt); err != nil {
			return nil, errors.Wrap(err, "scan post")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) MarkPostPolled(ctx context.Context, postID string, at time.Time) error {
	_, err := s.db.Exec(ctx,
		`update posts set last_polled_at = $2 where id = $1`, postID, at)
	return errors.Wrap(err, "mark post polled")
}

// PodMembersForPost returns the members who should amplify the post,
// excluding the author's own account.
func (s *Store) PodMembersForPost(ctx context.Context, postID string) ([]domain.PodMember, error) {
	rows, err := s.db.Query(ctx, `
		select pm.pod_id, pm.account_id, pm.user_id
		  from pod_members pm
		  join pods on pods.id = pm.pod_id and pods.active
		  join pod_members author on author.pod_id = pm.pod_id
		  join posts p on p.account_id = author.account_id and p.id = $1
		 where pm.account_id <> p.account_id`, postID)
	if err != nil {
		return nil, errors.Wrap(err, "query pod members")
	}
	defer rows.Close()

	var out []domain.PodMember
	for rows.Next() {
		var m domain.PodMember
		if err := rows.Scan(&m.PodID, &m.AccountID, &m.UserID); err != nil {
			return nil, errors.Wrap(err, "scan pod member")
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// RecordComment keeps the scanned comment with its classification, for the
// dashboard's lead view. Conflicts are ignored; polling is at-least-once.
func (s *Store) RecordComment(ctx context.Context, c domain.Comment, matchedTrigger string, botScore float64) error {
	_, err := s.db.Exec(ctx, `
		insert into comments (id, post_id, author_id, author_name, text, posted_at, matched_trigger, bot_score)
		values ($1, $2, $3, $4, $5, $6, nullif($7, ''), $8)
		on conflict (id) do nothing`,
		c.ID, c.PostID, c.AuthorID, c.AuthorName, c.Text, c.PostedAt, matchedTrigger, botScore)
	return errors.Wrap(err, "record comment")
}
