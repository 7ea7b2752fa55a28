package projector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/italolelis/seedbox_governor/internal/logctx"
	"github.com/italolelis/seedbox_governor/internal/notifier"
	"github.com/italolelis/seedbox_governor/internal/telemetry"
	"github.com/italolelis/seedbox_governor/internal/transfer"
)

var ErrAlreadyTracked = errors.New("transfer is already tracked")

// Handle links a job to the external message mirroring its progress.
type Handle struct {
	ID             string    `json:"id"`
	ExternalHandle string    `json:"external_handle"`
	LastProgress   float64   `json:"last_progress"`
	IsCompleted    bool      `json:"is_completed"`
	AddedAt        time.Time `json:"added_at"`
	DisplayName    string    `json:"display_name"`
}

// CompletionObserver is told as soon as a polled job is seen complete.
type CompletionObserver interface {
	ObserveCompletion(ctx context.Context, t *transfer.Transfer) bool
}

// Projector polls the remote for every open handle and edits the matching
// external message when something changed.
type Projector struct {
	client   transfer.Client
	notifier notifier.Notifier
	observer CompletionObserver
	renderer Renderer
	tel      *telemetry.Telemetry
	now      func() time.Time

	// mu is never held across a network call.
	mu      sync.Mutex
	handles map[string]*Handle
}

type Option func(*Projector)

func WithRenderer(r Renderer) Option {
	return func(p *Projector) {
		p.renderer = r
	}
}

func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(p *Projector) {
		p.tel = tel
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Projector) {
		p.now = now
	}
}

// New creates a Projector. observer may be nil.
func New(client transfer.Client, n notifier.Notifier, observer CompletionObserver, opts ...Option) *Projector {
	p := &Projector{
		client:   client,
		notifier: n,
		observer: observer,
		renderer: TextRenderer{},
		now:      time.Now,
		handles:  make(map[string]*Handle),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

func (p *Projector) Renderer() Renderer {
	return p.renderer
}

// BeginTracking opens a handle for id. There is at most one handle per id.
func (p *Projector) BeginTracking(id, externalHandle string, addedAt time.Time, displayName string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.handles[id]; ok {
		return fmt.Errorf("%s: %w", id, ErrAlreadyTracked)
	}

	if displayName == "" {
		displayName = id
	}

	p.handles[id] = &Handle{
		ID:             id,
		ExternalHandle: externalHandle,
		AddedAt:        addedAt,
		DisplayName:    displayName,
	}
	p.tel.RecordOpenHandles(len(p.handles))

	return nil
}

// Tracking reports whether id has an open handle.
func (p *Projector) Tracking(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, ok := p.handles[id]

	return ok
}

// Stop closes the handle for id without a final update.
func (p *Projector) Stop(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.handles[id]; !ok {
		return false
	}

	delete(p.handles, id)
	p.tel.RecordOpenHandles(len(p.handles))

	return true
}

// Handles returns a copy of every open handle, oldest first.
func (p *Projector) Handles() []Handle {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.snapshot()
}

// snapshot must be called with mu held.
func (p *Projector) snapshot() []Handle {
	handles := make([]Handle, 0, len(p.handles))
	for _, h := range p.handles {
		handles = append(handles, *h)
	}

	sort.Slice(handles, func(i, j int) bool {
		if handles[i].AddedAt.Equal(handles[j].AddedAt) {
			return handles[i].ID < handles[j].ID
		}

		return handles[i].AddedAt.Before(handles[j].AddedAt)
	})

	return handles
}

// Poll checks every open handle once. Handles that hit a terminal condition
// are closed. Fetch failures keep the handle open and are returned joined.
func (p *Projector) Poll(ctx context.Context) error {
	p.mu.Lock()
	handles := p.snapshot()
	p.mu.Unlock()

	var errs []error

	for _, h := range handles {
		if err := p.pollOne(ctx, h); err != nil {
			errs = append(errs, err)
		}
	}

	p.mu.Lock()
	p.tel.RecordOpenHandles(len(p.handles))
	p.mu.Unlock()

	return errors.Join(errs...)
}

func (p *Projector) pollOne(ctx context.Context, h Handle) error {
	logger := logctx.LoggerFromContext(ctx).With("transfer_id", h.ID)

	t, err := p.client.GetTransfer(ctx, h.ID)

	switch {
	case errors.Is(err, transfer.ErrNotFound):
		logger.InfoContext(ctx, "tracked transfer no longer found")

		p.push(ctx, h, p.renderer.Vanished(h))
		p.remove(h)
	case err != nil:
		logger.WarnContext(ctx, "failed to fetch tracked transfer, retrying next poll", "err", err)

		return fmt.Errorf("failed to fetch %s: %w", h.ID, err)
	case t.IsComplete():
		took := p.now().Sub(h.AddedAt)

		logger.InfoContext(ctx, "tracked transfer completed", "took", took.String())

		p.markCompleted(h)
		p.push(ctx, h, p.renderer.Completed(h, took))
		p.remove(h)

		if p.observer != nil {
			p.observer.ObserveCompletion(ctx, t)
		}
	case t.IsTerminal():
		logger.InfoContext(ctx, "tracked transfer stopped making progress", "state", t.State, "raw_state", t.RawState)

		p.push(ctx, h, p.renderer.Stopped(h, t))
		p.remove(h)
	case t.Progress != h.LastProgress:
		if p.push(ctx, h, p.renderer.Render(t)) {
			p.setProgress(h, t.Progress)
		}
	}

	return nil
}

// push edits the external message and reports whether it succeeded.
func (p *Projector) push(ctx context.Context, h Handle, content string) bool {
	if err := p.notifier.Edit(ctx, h.ExternalHandle, content); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to push update, closing handle",
			"transfer_id", h.ID,
			"err", err,
		)

		p.remove(h)

		return false
	}

	return true
}

// current returns the open handle for h.ID if it is still the one h was
// copied from. Must be called with mu held.
func (p *Projector) current(h Handle) (*Handle, bool) {
	cur, ok := p.handles[h.ID]
	if !ok || cur.ExternalHandle != h.ExternalHandle {
		return nil, false
	}

	return cur, true
}

func (p *Projector) remove(h Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.current(h); ok {
		delete(p.handles, h.ID)
	}
}

func (p *Projector) markCompleted(h Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cur, ok := p.current(h); ok {
		cur.IsCompleted = true
	}
}

func (p *Projector) setProgress(h Handle, progress float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cur, ok := p.current(h); ok {
		cur.LastProgress = progress
	}
}
