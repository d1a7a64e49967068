package transfer

import (
	"context"

	"github.com/italolelis/resumable_transfer/internal/chunkplan"
	"github.com/italolelis/resumable_transfer/internal/telemetry"
)

// InstrumentedClient wraps a ChunkClient with telemetry.
type InstrumentedClient struct {
	client    ChunkClient
	telemetry *telemetry.Telemetry
}

var _ ChunkClient = (*InstrumentedClient)(nil)

// NewInstrumentedClient creates a new instrumented chunk client.
func NewInstrumentedClient(client ChunkClient, tel *telemetry.Telemetry) *InstrumentedClient {
	return &InstrumentedClient{client: client, telemetry: tel}
}

// UploadedChunks queries the accepted-index set with telemetry.
func (c *InstrumentedClient) UploadedChunks(ctx context.Context, uploadURL, hash string) (chunkplan.IndexSet, error) {
	var result chunkplan.IndexSet

	err := c.telemetry.InstrumentClientOperation(ctx, "upload_status", func(ctx context.Context) error {
		var err error
		result, err = c.client.UploadedChunks(ctx, uploadURL, hash)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// SendChunk submits one chunk with telemetry.
func (c *InstrumentedClient) SendChunk(ctx context.Context, uploadURL string, chunk ChunkUpload) error {
	err := c.telemetry.InstrumentClientOperation(ctx, "send_chunk", func(ctx context.Context) error {
		return c.client.SendChunk(ctx, uploadURL, chunk)
	})

	if err != nil {
		c.telemetry.RecordChunk(ctx, string(KindUpload), "failed", 0)

		return err
	}

	c.telemetry.RecordChunk(ctx, string(KindUpload), "sent", int64(len(chunk.Data)))

	return nil
}

// FetchRange fetches one byte range with telemetry.
func (c *InstrumentedClient) FetchRange(ctx context.Context, downloadURL string, start, end int64) (*RangeResponse, error) {
	var result *RangeResponse

	err := c.telemetry.InstrumentClientOperation(ctx, "fetch_range", func(ctx context.Context) error {
		var err error
		result, err = c.client.FetchRange(ctx, downloadURL, start, end)

		return err
	})

	if err != nil {
		c.telemetry.RecordChunk(ctx, string(KindDownload), "failed", 0)

		return nil, err
	}

	c.telemetry.RecordChunk(ctx, string(KindDownload), "fetched", int64(len(result.Data)))

	return result, nil
}
