package transfer

import (
	"context"
	"errors"

	"github.com/italolelis/seedbox_governor/internal/telemetry"
)

// InstrumentedClient wraps Client with telemetry.
type InstrumentedClient struct {
	client     Client
	telemetry  *telemetry.Telemetry
	clientType string
}

// NewInstrumentedClient creates a new instrumented download client.
func NewInstrumentedClient(client Client, tel *telemetry.Telemetry, clientType string) *InstrumentedClient {
	return &InstrumentedClient{
		client:     client,
		telemetry:  tel,
		clientType: clientType,
	}
}

var _ Client = (*InstrumentedClient)(nil)

// Authenticate authenticates with the download client with telemetry.
func (c *InstrumentedClient) Authenticate(ctx context.Context) error {
	return c.telemetry.InstrumentClientOperation(ctx, c.clientType, "authenticate", func(ctx context.Context) error {
		return c.client.Authenticate(ctx)
	})
}

// ListTransfers lists every job with telemetry.
func (c *InstrumentedClient) ListTransfers(ctx context.Context) ([]*Transfer, error) {
	var result []*Transfer

	err := c.telemetry.InstrumentClientOperation(ctx, c.clientType, "list_transfers", func(ctx context.Context) error {
		var err error
		result, err = c.client.ListTransfers(ctx)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// GetTransfer fetches a single job with telemetry. A missing job is not counted as a client error.
func (c *InstrumentedClient) GetTransfer(ctx context.Context, id string) (*Transfer, error) {
	var result *Transfer

	var lookupErr error

	err := c.telemetry.InstrumentClientOperation(ctx, c.clientType, "get_transfer", func(ctx context.Context) error {
		result, lookupErr = c.client.GetTransfer(ctx, id)
		if errors.Is(lookupErr, ErrNotFound) {
			return nil
		}

		return lookupErr
	})
	if err != nil {
		return nil, err
	}

	if lookupErr != nil {
		return nil, lookupErr
	}

	return result, nil
}

// AddTransfer adds a job with telemetry.
func (c *InstrumentedClient) AddTransfer(ctx context.Context, source string, savePath string) (*Transfer, error) {
	var result *Transfer

	err := c.telemetry.InstrumentClientOperation(ctx, c.clientType, "add_transfer", func(ctx context.Context) error {
		var err error
		result, err = c.client.AddTransfer(ctx, source, savePath)

		return err
	})

	c.telemetry.RecordTransfer("add", statusOf(err))

	if err != nil {
		return nil, err
	}

	return result, nil
}

// PauseTransfers pauses jobs with telemetry.
func (c *InstrumentedClient) PauseTransfers(ctx context.Context, ids []string) error {
	err := c.telemetry.InstrumentClientOperation(ctx, c.clientType, "pause_transfers", func(ctx context.Context) error {
		return c.client.PauseTransfers(ctx, ids)
	})

	for range ids {
		c.telemetry.RecordTransfer("pause", statusOf(err))
	}

	return err
}

// DeleteTransfers removes jobs with telemetry.
func (c *InstrumentedClient) DeleteTransfers(ctx context.Context, ids []string, deleteFiles bool) error {
	err := c.telemetry.InstrumentClientOperation(ctx, c.clientType, "delete_transfers", func(ctx context.Context) error {
		return c.client.DeleteTransfers(ctx, ids, deleteFiles)
	})

	for range ids {
		c.telemetry.RecordTransfer("delete", statusOf(err))
	}

	return err
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}

	return "success"
}
