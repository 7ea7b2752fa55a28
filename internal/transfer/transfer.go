package transfer

import (
	"context"
	"time"
)

// Client is the control surface of the remote download client.
type Client interface {
	Authenticate(ctx context.Context) error
	ListTransfers(ctx context.Context) ([]*Transfer, error)
	GetTransfer(ctx context.Context, id string) (*Transfer, error)
	AddTransfer(ctx context.Context, source string, savePath string) (*Transfer, error)
	PauseTransfers(ctx context.Context, ids []string) error
	DeleteTransfers(ctx context.Context, ids []string, deleteFiles bool) error
}

// Transfer is a read-only snapshot of a job as reported by the remote client.
// It is never mutated locally and should be re-fetched on every use.
type Transfer struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	State         State     `json:"state"`
	RawState      string    `json:"raw_state"`
	Progress      float64   `json:"progress"`
	DownloadSpeed int64     `json:"download_speed"`
	UploadSpeed   int64     `json:"upload_speed"`
	Seeds         int64     `json:"seeds"`
	Peers         int64     `json:"peers"`
	SavePath      string    `json:"save_path"`
	Size          int64     `json:"size"`
	AddedAt       time.Time `json:"added_at"`
	CompletedAt   time.Time `json:"completed_at"`
}

// IsComplete reports whether all pieces have been downloaded.
func (t *Transfer) IsComplete() bool {
	return t.Progress >= 1
}

// IsTerminal reports whether the remote reports a state the projector stops following.
func (t *Transfer) IsTerminal() bool {
	return t.State == StateErrored || t.State == StateStalled
}
