package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/andresmejia3/shroud/internal/job"
	"github.com/google/uuid"
)

const (
	liveTTL      = 30 * time.Minute
	finishedTTL  = 24 * time.Hour
	writeTimeout = 500 * time.Millisecond
)

// StatusStore is the subset of RedisCache the observer writes to.
type StatusStore interface {
	SetJobStatus(ctx context.Context, jobID uuid.UUID, status []byte, ttl time.Duration) error
}

// StatusObserver publishes job snapshots. Progress updates are throttled per job; state changes never are.
type StatusObserver struct {
	store    StatusStore
	interval time.Duration
	log      *slog.Logger

	mu       sync.Mutex
	lastSent map[uuid.UUID]time.Time
	now      func() time.Time
}

func NewStatusObserver(store StatusStore, interval time.Duration, logger *slog.Logger) *StatusObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusObserver{
		store:    store,
		interval: interval,
		log:      logger,
		lastSent: make(map[uuid.UUID]time.Time),
		now:      time.Now,
	}
}

func (o *StatusObserver) OnState(s job.Status) {
	o.mu.Lock()
	if s.State.Terminal() {
		delete(o.lastSent, s.ID)
	} else {
		o.lastSent[s.ID] = o.now()
	}
	o.mu.Unlock()

	o.publish(s)
}

func (o *StatusObserver) OnProgress(s job.Status) {
	now := o.now()
	o.mu.Lock()
	if last, ok := o.lastSent[s.ID]; ok && now.Sub(last) < o.interval {
		o.mu.Unlock()
		return
	}
	o.lastSent[s.ID] = now
	o.mu.Unlock()

	o.publish(s)
}

func (o *StatusObserver) publish(s job.Status) {
	payload, err := json.Marshal(s)
	if err != nil {
		o.log.Warn("encode job status", "job", s.ID, "error", err)
		return
	}

	ttl := liveTTL
	if s.State.Terminal() {
		ttl = finishedTTL
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := o.store.SetJobStatus(ctx, s.ID, payload, ttl); err != nil {
		o.log.Warn("mirror job status", "job", s.ID, "state", s.State, "error", err)
	}
}

// DecodeStatus parses a snapshot written by StatusObserver.
func DecodeStatus(raw []byte) (job.Status, error) {
	var s job.Status
	err := json.Unmarshal(raw, &s)
	return s, err
}
