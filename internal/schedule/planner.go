package schedule

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/growthpigs/revos-dispatch/internal/config"
)

// Planner computes when outbound actions fire. All timing policy lives
// here: randomized poll windows, working-hours deferral, schedule jitter,
// the random-skip noise and the retry backoff table.
type Planner struct {
	cfg   config.Config
	clock clockwork.Clock

	mu  sync.Mutex
	rng *rand.Rand
}

func New(cfg config.Config, clock clockwork.Clock) *Planner {
	return &Planner{
		cfg:   cfg,
		clock: clock,
		rng:   rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

// NewSeeded pins the random source; tests use it to make plans repeatable.
func NewSeeded(cfg config.Config, clock clockwork.Clock, seed uint64) *Planner {
	return &Planner{
		cfg:   cfg,
		clock: clock,
		rng:   rand.New(rand.NewPCG(seed, seed)),
	}
}

// PollDelay picks the next comment-poll delay uniformly from the configured
// window. A fixed interval would produce a detectable request pattern.
func (p *Planner) PollDelay() time.Duration {
	return p.uniform(p.cfg.CommentPollMinDelay, p.cfg.CommentPollMaxDelay)
}

// RepostDelay staggers pod members' reposts across the configured window so
// a burst of amplification doesn't land in the same minute.
func (p *Planner) RepostDelay() time.Duration {
	return p.uniform(p.cfg.RepostMinDelay, p.cfg.RepostMaxDelay)
}

// DMDelay spaces a triggered DM away from the comment that caused it; an
// instant reply reads as automation.
func (p *Planner) DMDelay() time.Duration {
	return p.uniform(p.cfg.DMMinDelay, p.cfg.DMMaxDelay)
}

// ShouldSkip rolls the configured skip probability. Skipped polls are
// re-armed, not dropped.
func (p *Planner) ShouldSkip() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rng.Float64() < p.cfg.SkipProbability
}

// Jitter returns a uniform offset in [-ScheduleJitter, +ScheduleJitter].
func (p *Planner) Jitter() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	j := int64(p.cfg.ScheduleJitter)
	if j <= 0 {
		return 0
	}
	return time.Duration(p.rng.Int64N(2*j+1) - j)
}

// Backoff returns the retry delay after the given failed attempt (1-based):
// base doubling per attempt, capped. The schedule is non-decreasing.
func (p *Planner) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.cfg.RetryBackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.cfg.RetryBackoffCap {
			return p.cfg.RetryBackoffCap
		}
	}
	if d > p.cfg.RetryBackoffCap {
		return p.cfg.RetryBackoffCap
	}
	return d
}

// ExtendedBackoff is used when the platform itself returned a rate-limit
// response: our estimate of its ceiling was wrong, so back off as if two
// extra attempts had already failed.
func (p *Planner) ExtendedBackoff(attempt int) time.Duration {
	return p.Backoff(attempt + 2)
}

// DeferToWorkingHours clamps t into the account's working-hours window. A
// time inside the window passes through unchanged; before the window moves
// to today's opening, after it moves to tomorrow's. Sends outside working
// hours are deferred, never executed out-of-policy and never dropped.
func (p *Planner) DeferToWorkingHours(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), p.cfg.WorkingHoursStart, 0, 0, 0, loc)
	end := time.Date(local.Year(), local.Month(), local.Day(), p.cfg.WorkingHoursEnd, 0, 0, 0, loc)

	switch {
	case local.Before(start):
		return start
	case !local.Before(end):
		return start.AddDate(0, 0, 1)
	default:
		return t
	}
}

// PlanSend computes the absolute send time for an action with the given
// base delay: now + delay + jitter, deferred into working hours.
func (p *Planner) PlanSend(delay time.Duration, loc *time.Location) time.Time {
	at := p.clock.Now().Add(delay + p.Jitter())
	return p.DeferToWorkingHours(at, loc)
}

func (p *Planner) uniform(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return min + time.Duration(p.rng.Int64N(int64(max-min)))
}
