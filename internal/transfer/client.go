package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/italolelis/resumable_transfer/internal/chunkplan"
	"github.com/italolelis/resumable_transfer/internal/logctx"
)

// ChunkClient speaks the chunk-level wire protocol.
type ChunkClient interface {
	UploadedChunks(ctx context.Context, uploadURL, hash string) (chunkplan.IndexSet, error)
	SendChunk(ctx context.Context, uploadURL string, chunk ChunkUpload) error
	FetchRange(ctx context.Context, downloadURL string, start, end int64) (*RangeResponse, error)
}

// ChunkUpload is one chunk submission.
type ChunkUpload struct {
	Hash      string
	Index     int64
	TotalSize int64
	Data      []byte
}

// RangeResponse is the outcome of one range request.
type RangeResponse struct {
	Data []byte
	// Start is the offset of Data within the object.
	Start int64
	// TotalSize is the full object size, -1 when the server did not say.
	TotalSize int64
	// Partial is false when the server ignored the Range header and sent the whole object.
	Partial  bool
	FileName string
}

type statusResponse struct {
	UploadedChunks []int64 `json:"uploadedChunks"`
}

// Client is the HTTP implementation of ChunkClient.
type Client struct {
	httpClient *http.Client
}

var _ ChunkClient = (*Client)(nil)

func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{httpClient: httpClient}
}

// UploadedChunks asks the server which chunk indexes it already holds for hash. Any non-success
// answer counts as an empty set; only a transport failure is an error.
func (c *Client) UploadedChunks(ctx context.Context, uploadURL, hash string) (chunkplan.IndexSet, error) {
	logger := logctx.LoggerFromContext(ctx)

	statusURL, err := statusEndpoint(uploadURL, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to build status url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Operation: "upload_status", ChunkIndex: -1, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		logger.DebugContext(ctx, "upload status unavailable, assuming no chunks", "status", resp.StatusCode)

		return chunkplan.NewIndexSet(), nil
	}

	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		logger.WarnContext(ctx, "failed to decode upload status, assuming no chunks", "err", err)

		return chunkplan.NewIndexSet(), nil
	}

	return chunkplan.NewIndexSet(status.UploadedChunks...), nil
}

// SendChunk posts one chunk as a multipart form.
func (c *Client) SendChunk(ctx context.Context, uploadURL string, chunk ChunkUpload) error {
	var body bytes.Buffer

	mw := multipart.NewWriter(&body)
	fields := [][2]string{
		{"hash", chunk.Hash},
		{"chunkIndex", strconv.FormatInt(chunk.Index, 10)},
		{"totalSize", strconv.FormatInt(chunk.TotalSize, 10)},
	}

	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return fmt.Errorf("failed to write form field %s: %w", f[0], err)
		}
	}

	part, err := mw.CreateFormFile("chunk", "blob")
	if err != nil {
		return fmt.Errorf("failed to create chunk part: %w", err)
	}

	if _, err := part.Write(chunk.Data); err != nil {
		return fmt.Errorf("failed to write chunk part: %w", err)
	}

	if err := mw.Close(); err != nil {
		return fmt.Errorf("failed to close multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, &body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Operation: "send_chunk", ChunkIndex: chunk.Index, Err: err}
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &TransportError{Operation: "send_chunk", StatusCode: resp.StatusCode, ChunkIndex: chunk.Index}
	}

	return nil
}

// FetchRange requests bytes [start, end] of the object at downloadURL.
func (c *Client) FetchRange(ctx context.Context, downloadURL string, start, end int64) (*RangeResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Operation: "fetch_range", ChunkIndex: -1, Err: err}
	}
	defer resp.Body.Close()

	out := &RangeResponse{FileName: fileNameFromDisposition(resp.Header.Get("Content-Disposition"))}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		rStart, _, total, err := parseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			return nil, &TransportError{Operation: "fetch_range", StatusCode: resp.StatusCode, ChunkIndex: -1, Err: err}
		}

		out.Partial = true
		out.Start = rStart
		out.TotalSize = total
	case http.StatusOK:
		out.TotalSize = resp.ContentLength
	case http.StatusRequestedRangeNotSatisfiable:
		total, err := parseUnsatisfiedRange(resp.Header.Get("Content-Range"))
		if err != nil {
			return nil, &TransportError{Operation: "fetch_range", StatusCode: resp.StatusCode, ChunkIndex: -1, Err: err}
		}

		out.Partial = true
		out.Start = start
		out.TotalSize = total

		return out, nil
	default:
		return nil, &TransportError{Operation: "fetch_range", StatusCode: resp.StatusCode, ChunkIndex: -1}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Operation: "fetch_range", StatusCode: resp.StatusCode, ChunkIndex: -1, Err: err}
	}

	out.Data = data

	if !out.Partial && out.TotalSize < 0 {
		out.TotalSize = int64(len(data))
	}

	return out, nil
}

func statusEndpoint(uploadURL, hash string) (string, error) {
	u, err := url.Parse(uploadURL)
	if err != nil {
		return "", err
	}

	u.Path = strings.TrimRight(u.Path, "/") + "/status"
	q := u.Query()
	q.Set("hash", hash)
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// parseContentRange parses "bytes start-end/total". A total of "*" is returned as -1.
func parseContentRange(h string) (start, end, total int64, err error) {
	spec, ok := strings.CutPrefix(strings.TrimSpace(h), "bytes ")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid content-range %q", h)
	}

	rng, size, ok := strings.Cut(spec, "/")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid content-range %q", h)
	}

	first, last, ok := strings.Cut(rng, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid content-range %q", h)
	}

	if start, err = strconv.ParseInt(first, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid content-range start %q: %w", h, err)
	}

	if end, err = strconv.ParseInt(last, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid content-range end %q: %w", h, err)
	}

	total = -1
	if size != "*" {
		if total, err = strconv.ParseInt(size, 10, 64); err != nil {
			return 0, 0, 0, fmt.Errorf("invalid content-range size %q: %w", h, err)
		}
	}

	if end < start || (total >= 0 && end >= total) {
		return 0, 0, 0, fmt.Errorf("inconsistent content-range %q", h)
	}

	return start, end, total, nil
}

// parseUnsatisfiedRange parses the "bytes */total" form sent with 416 responses.
func parseUnsatisfiedRange(h string) (int64, error) {
	size, ok := strings.CutPrefix(strings.TrimSpace(h), "bytes */")
	if !ok {
		return 0, fmt.Errorf("range not satisfiable and no object size in %q", h)
	}

	return strconv.ParseInt(size, 10, 64)
}

func fileNameFromDisposition(h string) string {
	if h == "" {
		return ""
	}

	_, params, err := mime.ParseMediaType(h)
	if err != nil {
		return ""
	}

	return params["filename"]
}
