package spool

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/italolelis/resumable_transfer/internal/logctx"
	"github.com/pierrec/lz4/v4"
)

const chunkExt = ".lz4"

// Disk stores each chunk as an lz4 frame under dir/<task digest>/<index>.lz4.
type Disk struct {
	dir string
}

var _ Cache = (*Disk)(nil)

// NewDisk creates dir if needed.
func NewDisk(dir string) (*Disk, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}

	return &Disk{dir: dir}, nil
}

// taskDir maps a task id, which may hold URL characters, to a flat directory name.
func (d *Disk) taskDir(taskID string) string {
	sum := md5.Sum([]byte(taskID))

	return filepath.Join(d.dir, hex.EncodeToString(sum[:]))
}

// Put writes the chunk to a temporary file and renames it into place, so a crash never leaves a
// truncated frame behind.
func (d *Disk) Put(_ context.Context, taskID string, index int64, data []byte) error {
	dir := d.taskDir(taskID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create task spool: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "chunk-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create spool file: %w", err)
	}
	defer os.Remove(tmp.Name())

	zw := lz4.NewWriter(tmp)
	if _, err := zw.Write(data); err != nil {
		tmp.Close()

		return fmt.Errorf("compression failed: %w", err)
	}

	if err := zw.Close(); err != nil {
		tmp.Close()

		return fmt.Errorf("compression failed: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close spool file: %w", err)
	}

	return os.Rename(tmp.Name(), filepath.Join(dir, strconv.FormatInt(index, 10)+chunkExt))
}

// Chunks decodes every spooled chunk of taskID. Frames that fail to decode are skipped and
// will be fetched again.
func (d *Disk) Chunks(ctx context.Context, taskID string) (map[int64][]byte, error) {
	logger := logctx.LoggerFromContext(ctx)
	dir := d.taskDir(taskID)

	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return map[int64][]byte{}, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read task spool: %w", err)
	}

	out := make(map[int64][]byte, len(entries))

	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), chunkExt)
		if !ok || e.IsDir() {
			continue
		}

		index, err := strconv.ParseInt(name, 10, 64)
		if err != nil {
			continue
		}

		data, err := readFrame(filepath.Join(dir, e.Name()))
		if err != nil {
			logger.WarnContext(ctx, "discarding unreadable spooled chunk", "chunk_index", index, "err", err)

			continue
		}

		out[index] = data
	}

	return out, nil
}

func (d *Disk) Remove(_ context.Context, taskID string) error {
	if err := os.RemoveAll(d.taskDir(taskID)); err != nil {
		return fmt.Errorf("failed to remove task spool: %w", err)
	}

	return nil
}

func readFrame(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(lz4.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("decompression failed: %w", err)
	}

	return data, nil
}
