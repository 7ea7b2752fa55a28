package seedbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/italolelis/seedbox_governor/internal/governor"
	"github.com/italolelis/seedbox_governor/internal/logctx"
	"github.com/italolelis/seedbox_governor/internal/notifier"
	"github.com/italolelis/seedbox_governor/internal/projector"
	"github.com/italolelis/seedbox_governor/internal/transfer"
)

var (
	ErrNotTracked  = errors.New("transfer is not tracked")
	ErrNotComplete = errors.New("transfer has not finished downloading")
)

// Submission is the outcome of adding a job.
type Submission struct {
	// Transfer is nil when the remote accepted the source but the job could not be looked up.
	Transfer *transfer.Transfer `json:"transfer,omitempty"`
	Record   *governor.Record   `json:"record,omitempty"`
	Live     bool               `json:"live"`
}

// Service is the command surface over the remote client, the governor and the projector.
type Service struct {
	client    transfer.Client
	governor  *governor.Governor
	projector *projector.Projector
	notifier  notifier.Notifier
	now       func() time.Time
}

// NewService wires the command surface. n and p may be nil, in which case
// live tracking requests are accepted but ignored.
func NewService(client transfer.Client, g *governor.Governor, p *projector.Projector, n notifier.Notifier) *Service {
	return &Service{
		client:    client,
		governor:  g,
		projector: p,
		notifier:  n,
		now:       time.Now,
	}
}

// Submit adds source to the remote and starts governing it. When live is
// set, a message is posted and kept up to date until the job finishes.
func (s *Service) Submit(ctx context.Context, source, savePath string, live bool) (*Submission, error) {
	logger := logctx.LoggerFromContext(ctx)

	t, err := s.client.AddTransfer(ctx, source, savePath)
	if err != nil {
		return nil, fmt.Errorf("failed to add transfer: %w", err)
	}

	if t == nil {
		logger.InfoContext(ctx, "transfer added without a job to track")

		return &Submission{}, nil
	}

	rec, _ := s.governor.Track(ctx, t)
	sub := &Submission{Transfer: t, Record: &rec}

	if live {
		sub.Live = s.beginLive(ctx, t)
	}

	return sub, nil
}

func (s *Service) beginLive(ctx context.Context, t *transfer.Transfer) bool {
	logger := logctx.LoggerFromContext(ctx).With("transfer_id", t.ID)

	if s.notifier == nil || s.projector == nil {
		logger.WarnContext(ctx, "live updates requested but no notification surface is configured")

		return false
	}

	// Updates already flow to the existing message.
	if s.projector.Tracking(t.ID) {
		logger.DebugContext(ctx, "live updates already running")

		return true
	}

	handle, err := s.notifier.Post(ctx, s.projector.Renderer().Render(t))
	if err != nil {
		logger.WarnContext(ctx, "failed to post initial update", "err", err)

		return false
	}

	addedAt := t.AddedAt
	if addedAt.IsZero() {
		addedAt = s.now()
	}

	if err := s.projector.BeginTracking(t.ID, handle, addedAt, t.Name); err != nil {
		// Lost a race with a concurrent submit. The other message carries the updates.
		logger.WarnContext(ctx, "live updates not started, initial message left unused", "err", err, "message_id", handle)

		return errors.Is(err, projector.ErrAlreadyTracked)
	}

	return true
}

// TrackForSeeding starts governing a job that is already on the remote.
func (s *Service) TrackForSeeding(ctx context.Context, id string) (governor.Record, error) {
	id = normalizeID(id)

	t, err := s.client.GetTransfer(ctx, id)
	if err != nil {
		return governor.Record{}, fmt.Errorf("failed to get transfer: %w", err)
	}

	rec, _ := s.governor.Track(ctx, t)

	return rec, nil
}

// MarkCompleted records the completion of a tracked job now, rather than on the next pass.
func (s *Service) MarkCompleted(ctx context.Context, id string) (governor.Record, error) {
	id = normalizeID(id)

	if _, ok := s.governor.Get(id); !ok {
		return governor.Record{}, ErrNotTracked
	}

	t, err := s.client.GetTransfer(ctx, id)
	if err != nil {
		return governor.Record{}, fmt.Errorf("failed to get transfer: %w", err)
	}

	if !t.IsComplete() {
		return governor.Record{}, ErrNotComplete
	}

	s.governor.ObserveCompletion(ctx, t)

	rec, ok := s.governor.Get(id)
	if !ok {
		return governor.Record{}, ErrNotTracked
	}

	return rec, nil
}

func (s *Service) Status() []governor.Record {
	return s.governor.Status()
}

// Progress lists the open live update handles.
func (s *Service) Progress() []projector.Handle {
	if s.projector == nil {
		return []projector.Handle{}
	}

	return s.projector.Handles()
}

// StopSeeding pauses ids immediately.
func (s *Service) StopSeeding(ctx context.Context, ids []string) error {
	return s.governor.ManualStop(ctx, normalizeIDs(ids))
}

// RemoveTracking forgets id in both the governor and the projector.
func (s *Service) RemoveTracking(id string) bool {
	id = normalizeID(id)

	removed := s.governor.Remove(id)

	if s.projector != nil && s.projector.Stop(id) {
		removed = true
	}

	return removed
}

// Delete removes jobs from the remote and stops tracking them.
func (s *Service) Delete(ctx context.Context, ids []string, deleteFiles bool) error {
	ids = normalizeIDs(ids)

	if err := s.client.DeleteTransfers(ctx, ids, deleteFiles); err != nil {
		return fmt.Errorf("failed to delete transfers: %w", err)
	}

	for _, id := range ids {
		s.RemoveTracking(id)
	}

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "transfers deleted", "transfer_ids", ids, "delete_files", deleteFiles)

	return nil
}

func (s *Service) List(ctx context.Context) ([]*transfer.Transfer, error) {
	transfers, err := s.client.ListTransfers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}

	return transfers, nil
}

// Job ids are lowercase info hashes on the remote.
func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func normalizeIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, normalizeID(id))
	}

	return out
}
