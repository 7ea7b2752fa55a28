package governor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/italolelis/seedbox_governor/internal/logctx"
	"github.com/italolelis/seedbox_governor/internal/telemetry"
	"github.com/italolelis/seedbox_governor/internal/transfer"
)

// DefaultMultiplier is the seed time to download time ratio used when none is configured.
const DefaultMultiplier = 10

type Phase string

const (
	PhaseDownloading Phase = "downloading"
	PhaseSeeding     Phase = "seeding"
	PhaseStopped     Phase = "stopped"
	PhaseErrored     Phase = "errored"
	PhaseVanished    Phase = "vanished"
)

// Record is the timing state the governor keeps for one job. The completion
// fields are either all set or all unset.
type Record struct {
	ID                     string        `json:"id"`
	Name                   string        `json:"name"`
	DownloadStartTime      time.Time     `json:"download_start_time"`
	DownloadCompletionTime *time.Time    `json:"download_completion_time,omitempty"`
	DownloadDuration       time.Duration `json:"download_duration,omitempty"`
	SeedingStopTime        *time.Time    `json:"seeding_stop_time,omitempty"`
	Stopped                bool          `json:"stopped"`
	Phase                  Phase         `json:"phase"`
	UpdatedAt              time.Time     `json:"updated_at"`
}

// Completed reports whether the completion fields are set.
func (r *Record) Completed() bool {
	return r.DownloadCompletionTime != nil
}

// Governor enforces the seed-time cutoff: once a job has seeded for
// multiplier times its own download duration it is paused.
type Governor struct {
	client     transfer.Client
	multiplier int
	retention  time.Duration
	tel        *telemetry.Telemetry
	now        func() time.Time

	// mu is never held across a call to client.
	mu      sync.Mutex
	records map[string]*Record
}

type Option func(*Governor)

// WithRetention evicts stopped and vanished records that have not changed for d. Zero disables eviction.
func WithRetention(d time.Duration) Option {
	return func(g *Governor) {
		g.retention = d
	}
}

func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(g *Governor) {
		g.tel = tel
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Governor) {
		g.now = now
	}
}

// New creates a Governor. A non-positive multiplier is replaced by DefaultMultiplier.
func New(client transfer.Client, multiplier int, opts ...Option) *Governor {
	if multiplier <= 0 {
		slog.Warn("invalid seeding multiplier, using default", "value", multiplier, "default", DefaultMultiplier)

		multiplier = DefaultMultiplier
	}

	g := &Governor{
		client:     client,
		multiplier: multiplier,
		now:        time.Now,
		records:    make(map[string]*Record),
	}

	for _, opt := range opts {
		opt(g)
	}

	return g
}

func (g *Governor) Multiplier() int {
	return g.multiplier
}

// Track starts timing a job. Tracking an already known id is a no-op and
// reports false. A snapshot that is already complete is completed right away.
func (g *Governor) Track(ctx context.Context, t *transfer.Transfer) (Record, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if rec, ok := g.records[t.ID]; ok {
		return *rec, false
	}

	now := g.now()

	start := t.AddedAt
	if start.IsZero() || start.After(now) {
		start = now
	}

	rec := &Record{
		ID:                t.ID,
		Name:              t.Name,
		DownloadStartTime: start,
		Phase:             PhaseDownloading,
		UpdatedAt:         now,
	}
	g.records[t.ID] = rec

	logger := logctx.LoggerFromContext(ctx).With("transfer_id", t.ID, "transfer_name", t.Name)
	logger.InfoContext(ctx, "tracking transfer", "download_start_time", start)

	if t.IsComplete() {
		g.complete(ctx, rec, now)
	}

	g.tel.RecordTrackedTransfers(len(g.records))

	return *rec, true
}

// ObserveCompletion sets the completion fields of a tracked job the first time
// it is seen complete. It reports whether the record changed.
func (g *Governor) ObserveCompletion(ctx context.Context, t *transfer.Transfer) bool {
	if !t.IsComplete() {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[t.ID]
	if !ok || rec.Completed() {
		return false
	}

	g.complete(ctx, rec, g.now())

	return true
}

// complete must be called with mu held.
func (g *Governor) complete(ctx context.Context, rec *Record, now time.Time) {
	duration := now.Sub(rec.DownloadStartTime)
	stop := now.Add(time.Duration(g.multiplier) * duration)

	rec.DownloadCompletionTime = &now
	rec.DownloadDuration = duration
	rec.SeedingStopTime = &stop
	rec.UpdatedAt = now

	// A job paused by hand keeps its stopped phase so retention still evicts it.
	if !rec.Stopped {
		rec.Phase = PhaseSeeding
	}

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "transfer completed, seeding until cutoff",
		"transfer_id", rec.ID,
		"download_duration", duration.String(),
		"seeding_stop_time", stop,
	)
}

// Sweep pauses, in one batch, every non-stopped job whose cutoff has elapsed.
// The batch is marked stopped only when the pause succeeds; otherwise it is
// retried by the next sweep.
func (g *Governor) Sweep(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	due := g.due()
	if len(due) == 0 {
		logger.DebugContext(ctx, "no transfers due for stopping")

		return nil
	}

	logger.InfoContext(ctx, "stopping transfers past their seeding cutoff", "transfer_ids", due)

	if err := g.client.PauseTransfers(ctx, due); err != nil {
		g.tel.RecordSystemError("governor", "sweep")

		return fmt.Errorf("failed to pause transfers: %w", err)
	}

	g.markStopped(due)
	g.tel.RecordSeedingStopped("sweep", len(due))

	return nil
}

func (g *Governor) due() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()

	var ids []string

	for id, rec := range g.records {
		if rec.Stopped || rec.SeedingStopTime == nil {
			continue
		}

		if !now.Before(*rec.SeedingStopTime) {
			ids = append(ids, id)
		}
	}

	sort.Strings(ids)

	return ids
}

func (g *Governor) markStopped(ids []string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()

	for _, id := range ids {
		if rec, ok := g.records[id]; ok {
			rec.Stopped = true
			rec.Phase = PhaseStopped
			rec.UpdatedAt = now
		}
	}
}

// Reconcile brings the records in line with the remote job list. Running it
// twice against an unchanged remote changes nothing.
func (g *Governor) Reconcile(ctx context.Context) error {
	transfers, err := g.client.ListTransfers(ctx)
	if err != nil {
		return fmt.Errorf("failed to list transfers: %w", err)
	}

	g.mu.Lock()
	known := make(map[string]bool, len(g.records))
	for id := range g.records {
		known[id] = true
	}
	g.mu.Unlock()

	seen := make(map[string]bool, len(transfers))

	for _, t := range transfers {
		seen[t.ID] = true

		if !known[t.ID] {
			if !t.IsComplete() {
				g.Track(ctx, t)
			}

			continue
		}

		g.ObserveCompletion(ctx, t)
		g.refreshPhase(t)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()

	for id, rec := range g.records {
		// Records created after the list call are not judged against it.
		if known[id] && !seen[id] && !rec.Stopped && rec.Phase != PhaseVanished {
			logctx.LoggerFromContext(ctx).WarnContext(ctx, "tracked transfer vanished from the remote", "transfer_id", id)

			rec.Phase = PhaseVanished
			rec.UpdatedAt = now
		}
	}

	g.evict(ctx, now)
	g.tel.RecordTrackedTransfers(len(g.records))

	return nil
}

// refreshPhase follows the remote into and out of the errored branch. A
// vanished job that shows up again resumes its phase.
func (g *Governor) refreshPhase(t *transfer.Transfer) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[t.ID]
	if !ok || rec.Stopped {
		return
	}

	phase := PhaseDownloading
	if rec.Completed() {
		phase = PhaseSeeding
	}

	if t.State == transfer.StateErrored {
		phase = PhaseErrored
	}

	if rec.Phase != phase {
		rec.Phase = phase
		rec.UpdatedAt = g.now()
	}
}

// evict must be called with mu held.
func (g *Governor) evict(ctx context.Context, now time.Time) {
	if g.retention <= 0 {
		return
	}

	for id, rec := range g.records {
		if rec.Phase != PhaseStopped && rec.Phase != PhaseVanished {
			continue
		}

		if now.Sub(rec.UpdatedAt) > g.retention {
			delete(g.records, id)

			logctx.LoggerFromContext(ctx).DebugContext(ctx, "evicted tracking record", "transfer_id", id, "phase", rec.Phase)
		}
	}
}

// Run is one scheduled pass: reconcile then sweep. A failed reconcile does
// not prevent the sweep from acting on what is already known.
func (g *Governor) Run(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	reconcileErr := g.Reconcile(ctx)
	if reconcileErr != nil {
		logger.ErrorContext(ctx, "failed to reconcile", "err", reconcileErr)
		g.tel.RecordSystemError("governor", "reconcile")
	}

	if err := g.Sweep(ctx); err != nil {
		return err
	}

	return reconcileErr
}

// ManualStop pauses ids immediately, regardless of their cutoff. Tracked ids
// are marked stopped on success; untracked ids are paused all the same.
func (g *Governor) ManualStop(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	if err := g.client.PauseTransfers(ctx, ids); err != nil {
		return fmt.Errorf("failed to pause transfers: %w", err)
	}

	g.markStopped(ids)
	g.tel.RecordSeedingStopped("manual", len(ids))

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "transfers stopped manually", "transfer_ids", ids)

	return nil
}

// Status returns a copy of every record, oldest first.
func (g *Governor) Status() []Record {
	g.mu.Lock()
	defer g.mu.Unlock()

	records := make([]Record, 0, len(g.records))
	for _, rec := range g.records {
		records = append(records, *rec)
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].DownloadStartTime.Equal(records[j].DownloadStartTime) {
			return records[i].ID < records[j].ID
		}

		return records[i].DownloadStartTime.Before(records[j].DownloadStartTime)
	})

	return records
}

// Get returns a copy of the record for id.
func (g *Governor) Get(id string) (Record, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[id]
	if !ok {
		return Record{}, false
	}

	return *rec, true
}

// Remove forgets id. It reports whether a record existed.
func (g *Governor) Remove(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.records[id]; !ok {
		return false
	}

	delete(g.records, id)
	g.tel.RecordTrackedTransfers(len(g.records))

	return true
}
