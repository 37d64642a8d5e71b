package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/parcelscope/parcelscope/internal/broker/messages"
	"github.com/parcelscope/parcelscope/internal/insights"
	"github.com/parcelscope/parcelscope/internal/models"
)

type Repository interface {
	ListActiveParcels(ctx context.Context, limit int) ([]*models.Parcel, error)
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

// Watcher periodically sweeps non-terminal parcels, runs the anomaly and
// confidence analysis, and publishes a ParcelFlagged event the first time
// a parcel shows up reversed or stalled. Repeats within the suppression
// window are dropped via a redis counter.
type Watcher struct {
	repo     Repository
	producer Producer
	rl       RateLimiter

	topic string

	sweepInterval  time.Duration
	batchSize      int
	concurrency    int
	stallThreshold time.Duration
	suppressWindow time.Duration

	triggerCh chan struct{}

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalSwept          atomic.Int64
	totalFlagged        atomic.Int64
	totalErrors         atomic.Int64
	inFlight            atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(repo Repository, producer Producer, rl RateLimiter, topic string) *Watcher {
	return &Watcher{
		repo: repo, producer: producer, rl: rl, topic: topic,
		sweepInterval:  time.Minute,
		batchSize:      1000,
		concurrency:    10,
		stallThreshold: insights.DefaultStallThreshold,
		suppressWindow: 6 * time.Hour,
		triggerCh:      make(chan struct{}, 1),

		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

func (w *Watcher) WithSettings(sweepInterval time.Duration, batchSize, concurrency int, stallThreshold, suppressWindow time.Duration) *Watcher {
	if sweepInterval > 0 {
		w.sweepInterval = sweepInterval
	}
	if batchSize > 0 {
		w.batchSize = batchSize
	}
	if concurrency > 0 {
		w.concurrency = concurrency
	}
	if stallThreshold > 0 {
		w.stallThreshold = stallThreshold
	}
	if suppressWindow > 0 {
		w.suppressWindow = suppressWindow
	}
	return w
}

// Trigger forces an immediate sweep (best-effort, non-blocking).
func (w *Watcher) Trigger() {
	w.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt     time.Time  `json:"startedAt"`
	LastCycleAt   *time.Time `json:"lastCycleAt,omitempty"`
	LastTriggerAt *time.Time `json:"lastTriggerAt,omitempty"`
	TotalSwept    int64      `json:"totalSwept"`
	TotalFlagged  int64      `json:"totalFlagged"`
	TotalErrors   int64      `json:"totalErrors"`
	InFlight      int64      `json:"inFlight"`
	LastError     string     `json:"lastError,omitempty"`
}

func (w *Watcher) Stats() Stats {
	st := Stats{
		StartedAt:    time.Unix(0, w.startedAtUnixNano).UTC(),
		TotalSwept:   w.totalSwept.Load(),
		TotalFlagged: w.totalFlagged.Load(),
		TotalErrors:  w.totalErrors.Load(),
		InFlight:     w.inFlight.Load(),
	}
	if n := w.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := w.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	w.lastErrorMu.Lock()
	st.LastError = w.lastError
	w.lastErrorMu.Unlock()
	return st
}

func (w *Watcher) Run(ctx context.Context) error {
	t := time.NewTicker(w.sweepInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			w.runOnce(ctx)
		case <-w.triggerCh:
			w.runOnce(ctx)
		}
	}
}

func (w *Watcher) runOnce(ctx context.Context) {
	now := time.Now().UTC()
	w.lastCycleUnixNano.Store(now.UnixNano())

	parcels, err := w.repo.ListActiveParcels(ctx, w.batchSize)
	if err != nil {
		slog.Error("list active parcels", "error", err.Error())
		w.setLastError(err)
		return
	}
	w.totalSwept.Add(int64(len(parcels)))

	sem := make(chan struct{}, w.concurrency)
	var wg sync.WaitGroup
	for _, p := range parcels {
		sem <- struct{}{}
		wg.Add(1)
		pCopy := p
		w.inFlight.Add(1)
		go func() {
			defer func() {
				w.inFlight.Add(-1)
				<-sem
				wg.Done()
			}()
			if err := w.sweepOne(ctx, pCopy, now); err != nil {
				w.totalErrors.Add(1)
				w.setLastError(err)
				slog.Error("sweep parcel", "parcel_id", pCopy.ID, "error", err.Error())
			}
		}()
	}
	wg.Wait()
}

func (w *Watcher) sweepOne(ctx context.Context, p *models.Parcel, now time.Time) error {
	rep := insights.DetectAnomalies(p, w.stallThreshold, now)
	if !rep.Reversed && !rep.Stalled {
		return nil
	}

	if w.rl != nil && w.suppressWindow > 0 {
		key := fmt.Sprintf("flag:parcel:%d", p.ID)
		allowed, _, err := w.rl.Allow(ctx, key, 1, w.suppressWindow)
		if err != nil {
			return err
		}
		if !allowed {
			// Already flagged within the window.
			return nil
		}
	}

	msg := messages.ParcelFlagged{
		ParcelID:       p.ID,
		Reversed:       rep.Reversed,
		Stalled:        rep.Stalled,
		HoursSinceLast: rep.HoursSinceLast,
		FlaggedAt:      now,
	}
	if c, ok := insights.Confidence(p, now); ok {
		msg.Confidence = &c
	}

	b, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal flagged msg")
	}

	key := []byte(fmt.Sprintf("%d", p.ID))
	if err := w.producer.Publish(ctx, w.topic, key, b); err != nil {
		return err
	}
	w.totalFlagged.Add(1)
	slog.Info("parcel flagged", "parcel_id", p.ID, "reversed", rep.Reversed, "stalled", rep.Stalled, "hours_since_last", rep.HoursSinceLast)
	return nil
}

func (w *Watcher) setLastError(err error) {
	w.lastErrorMu.Lock()
	w.lastError = err.Error()
	w.lastErrorMu.Unlock()
}
