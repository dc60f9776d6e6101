package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/growthpigs/revos-dispatch/internal/delivery"
	"github.com/growthpigs/revos-dispatch/internal/domain"
	"github.com/growthpigs/revos-dispatch/internal/queue"
	"github.com/growthpigs/revos-dispatch/internal/storage"
)

// StatusReporter exposes the queue counters; queue.Queue satisfies it.
type StatusReporter interface {
	Status(ctx context.Context, name domain.QueueName) (queue.Counts, error)
}

// Pinger covers the dependency health probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the operational HTTP surface: manual triggers, queue visibility
// and the retry escape hatch. It performs no delivery itself; everything it
// schedules flows through the same queues the background loops use.
type Server struct {
	store      delivery.Store
	status     StatusReporter
	pollSweep  *delivery.CommentPollScheduler
	amplifier  *delivery.PodRepostScheduler
	dms        *delivery.DMScheduler
	dbPing     Pinger
	redisPing  Pinger
	log        *zap.Logger
}

func NewServer(store delivery.Store, status StatusReporter,
	pollSweep *delivery.CommentPollScheduler, amplifier *delivery.PodRepostScheduler,
	dms *delivery.DMScheduler, dbPing, redisPing Pinger, log *zap.Logger) *Server {

	return &Server{
		store:     store,
		status:    status,
		pollSweep: pollSweep,
		amplifier: amplifier,
		dms:       dms,
		dbPing:    dbPing,
		redisPing: redisPing,
		log:       log.Named("http"),
	}
}

func (s *Server) Router() chi.Router {
	rtr := chi.NewRouter()
	rtr.Use(middleware.RequestID)
	rtr.Use(middleware.Recoverer)
	rtr.Use(s.logRequests)

	rtr.Get("/healthz", s.handleHealth)
	rtr.Route("/v1", func(rtr chi.Router) {
		rtr.Post("/campaigns/poll", s.handlePollCampaigns)
		rtr.Post("/posts/{id}/amplify", s.handleAmplifyPost)
		rtr.Get("/queues/status", s.handleQueueStatus)
		rtr.Post("/activities/{id}/retry", s.handleRetryActivity)
	})
	return rtr
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)))
	})
}

// handlePollCampaigns sweeps every active campaign now instead of waiting
// for the next armed poll. Partial failure still returns the report; the
// errors ride along in the body.
func (s *Server) handlePollCampaigns(w http.ResponseWriter, r *http.Request) {
	report, err := s.pollSweep.PollCampaigns(r.Context())
	if err != nil {
		s.log.Warn("poll sweep finished with errors", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleAmplifyPost(w http.ResponseWriter, r *http.Request) {
	postID := chi.URLParam(r, "id")
	report, err := s.amplifier.AmplifyPost(r.Context(), postID)
	if err != nil {
		if err == storage.ErrNotFound {
			writeError(w, http.StatusNotFound, "post not found")
			return
		}
		s.log.Warn("amplify finished with errors",
			zap.String("post_id", postID), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]queue.Counts, 3)
	for _, name := range domain.Queues() {
		counts, err := s.status.Status(r.Context(), name)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "queue store unreachable")
			return
		}
		out[string(name)] = counts
	}
	writeJSON(w, http.StatusOK, out)
}

// handleRetryActivity gives a terminal failed activity a fresh attempt
// budget and puts it back on its queue. Only failed rows qualify; retrying
// a pending or successful delivery would double-send.
func (s *Server) handleRetryActivity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	activity, err := s.store.ResetActivityForRetry(r.Context(), id)
	if err != nil {
		if err == storage.ErrNotFound {
			writeError(w, http.StatusConflict, "activity not found or not in a failed state")
			return
		}
		s.log.Error("activity reset failed", zap.String("activity_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "activity reset failed")
		return
	}

	var job domain.Job
	switch activity.Type {
	case domain.ActivityDM:
		campaign, err := s.store.CampaignByID(r.Context(), activity.CampaignID)
		if err != nil {
			writeError(w, http.StatusConflict, "campaign for activity no longer exists")
			return
		}
		job, err = s.dms.ReplayActivity(r.Context(), activity, campaign)
		if err != nil {
			s.log.Error("dm replay failed", zap.String("activity_id", id), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "replay failed")
			return
		}
	case domain.ActivityRepost:
		job, err = s.amplifier.ReplayActivity(r.Context(), activity)
		if err != nil {
			s.log.Error("repost replay failed", zap.String("activity_id", id), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "replay failed")
			return
		}
	default:
		writeError(w, http.StatusUnprocessableEntity, "unknown activity type")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"activity_id":   activity.ID,
		"job_id":        job.ID,
		"attempt":       activity.Attempt,
		"max_attempts":  activity.MaxAttempts,
		"scheduled_for": job.ScheduledFor,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{"postgres": "ok", "redis": "ok"}
	healthy := true
	if err := s.dbPing.Ping(ctx); err != nil {
		checks["postgres"] = err.Error()
		healthy = false
	}
	if err := s.redisPing.Ping(ctx); err != nil {
		checks["redis"] = err.Error()
		healthy = false
	}

	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, checks)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
