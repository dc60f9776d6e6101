package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the single configuration surface for the dispatch core. Every
// policy constant the schedulers and workers consult lives here as a named
// field; call sites never carry their own literals.
type Config struct {
	AppEnv  string `env:"APP_ENV" envDefault:"development"`
	APIAddr string `env:"API_ADDR" envDefault:":8080"`

	PostgresDSN   string `env:"POSTGRES_DSN,notEmpty"`
	RedisAddr     string `env:"REDIS_ADDR,notEmpty"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	LinkedInBaseURL string `env:"LINKEDIN_API_BASE_URL,notEmpty"`
	LinkedInAPIKey  string `env:"LINKEDIN_API_KEY,notEmpty"`

	// Daily hard ceiling on DM sends per connected account. The platform's
	// own limit is unknown; staying under this keeps accounts off review.
	DailyDMLimit    int           `env:"DAILY_DM_LIMIT" envDefault:"100"`
	RateLimitKeyTTL time.Duration `env:"RATE_LIMIT_KEY_TTL" envDefault:"48h"`

	// Comment polling re-arms itself with a uniform delay in
	// [CommentPollMinDelay, CommentPollMaxDelay] so the request pattern
	// never looks like a fixed-interval cron.
	CommentPollMinDelay time.Duration `env:"COMMENT_POLL_MIN_DELAY" envDefault:"15m"`
	CommentPollMaxDelay time.Duration `env:"COMMENT_POLL_MAX_DELAY" envDefault:"45m"`
	MaxPostAge          time.Duration `env:"MAX_POST_AGE" envDefault:"336h"`

	PodPollInterval time.Duration `env:"POD_POLL_INTERVAL" envDefault:"30m"`
	RepostMinDelay  time.Duration `env:"REPOST_MIN_DELAY" envDefault:"5m"`
	RepostMaxDelay  time.Duration `env:"REPOST_MAX_DELAY" envDefault:"30m"`
	DMMinDelay      time.Duration `env:"DM_MIN_DELAY" envDefault:"2m"`
	DMMaxDelay      time.Duration `env:"DM_MAX_DELAY" envDefault:"20m"`

	WorkingHoursStart int `env:"WORKING_HOURS_START" envDefault:"9"`
	WorkingHoursEnd   int `env:"WORKING_HOURS_END" envDefault:"17"`

	// Probability of skipping a scheduled poll outright, as pattern noise.
	// The mechanism matters; the value is tunable.
	SkipProbability float64       `env:"POLL_SKIP_PROBABILITY" envDefault:"0.10"`
	ScheduleJitter  time.Duration `env:"SCHEDULE_JITTER" envDefault:"5m"`

	MaxAttempts      int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	RetryBackoffBase time.Duration `env:"RETRY_BACKOFF_BASE" envDefault:"60s"`
	RetryBackoffCap  time.Duration `env:"RETRY_BACKOFF_CAP" envDefault:"1h"`

	WorkerConcurrency int           `env:"WORKER_CONCURRENCY" envDefault:"3"`
	StartsPerMinute   int           `env:"QUEUE_STARTS_PER_MINUTE" envDefault:"10"`
	APICallTimeout    time.Duration `env:"API_CALL_TIMEOUT" envDefault:"30s"`
	StalledAfter      time.Duration `env:"STALLED_AFTER" envDefault:"5m"`
	MarkerTTL         time.Duration `env:"MARKER_TTL" envDefault:"48h"`
	DeadLetterTTL     time.Duration `env:"DEAD_LETTER_TTL" envDefault:"168h"`

	BotScoreThreshold float64 `env:"BOT_SCORE_THRESHOLD" envDefault:"0.6"`
}

func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return c, err
	}
	return c, c.Validate()
}

func (c Config) Validate() error {
	if c.DailyDMLimit <= 0 {
		return fmt.Errorf("config: DAILY_DM_LIMIT must be positive, got %d", c.DailyDMLimit)
	}
	if c.CommentPollMinDelay <= 0 || c.CommentPollMaxDelay < c.CommentPollMinDelay {
		return fmt.Errorf("config: comment poll window [%s, %s] is not a valid range",
			c.CommentPollMinDelay, c.CommentPollMaxDelay)
	}
	if c.RepostMinDelay <= 0 || c.RepostMaxDelay < c.RepostMinDelay {
		return fmt.Errorf("config: repost window [%s, %s] is not a valid range",
			c.RepostMinDelay, c.RepostMaxDelay)
	}
	if c.DMMinDelay <= 0 || c.DMMaxDelay < c.DMMinDelay {
		return fmt.Errorf("config: dm window [%s, %s] is not a valid range",
			c.DMMinDelay, c.DMMaxDelay)
	}
	if c.WorkingHoursStart < 0 || c.WorkingHoursEnd > 24 || c.WorkingHoursStart >= c.WorkingHoursEnd {
		return fmt.Errorf("config: working hours %d-%d are not a valid window",
			c.WorkingHoursStart, c.WorkingHoursEnd)
	}
	if c.SkipProbability < 0 || c.SkipProbability >= 1 {
		return fmt.Errorf("config: POLL_SKIP_PROBABILITY %v must be in [0, 1)", c.SkipProbability)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("config: MAX_ATTEMPTS must be at least 1, got %d", c.MaxAttempts)
	}
	if c.RetryBackoffBase <= 0 || c.RetryBackoffCap < c.RetryBackoffBase {
		return fmt.Errorf("config: backoff base %s / cap %s are not a valid schedule",
			c.RetryBackoffBase, c.RetryBackoffCap)
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("config: WORKER_CONCURRENCY must be at least 1, got %d", c.WorkerConcurrency)
	}
	if c.StartsPerMinute < 1 {
		return fmt.Errorf("config: QUEUE_STARTS_PER_MINUTE must be at least 1, got %d", c.StartsPerMinute)
	}
	if c.BotScoreThreshold <= 0 || c.BotScoreThreshold > 1 {
		return fmt.Errorf("config: BOT_SCORE_THRESHOLD %v must be in (0, 1]", c.BotScoreThreshold)
	}
	return nil
}
