// Package saver writes completed downloads to a local directory.
package saver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/resumable_transfer/internal/logctx"
	"github.com/italolelis/resumable_transfer/internal/progress"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644

	maxNameAttempts = 1000
)

// Dir saves files under a target directory without overwriting existing ones: a clash gets a
// numeric suffix ("movie (1).mkv").
type Dir struct {
	dir              string
	progressInterval int64
}

func NewDir(dir string) *Dir {
	return &Dir{dir: dir, progressInterval: 100 * 1024 * 1024}
}

// Save writes data as fileName and returns the path written.
func (d *Dir) Save(ctx context.Context, fileName string, data []byte) (string, error) {
	logger := logctx.LoggerFromContext(ctx)

	if err := os.MkdirAll(d.dir, dirPerm); err != nil {
		logger.ErrorContext(ctx, "failed to create target directory", "dir", d.dir, "err", err)

		return "", fmt.Errorf("failed to create target directory: %w", err)
	}

	out, targetPath, err := d.create(safeName(fileName))
	if err != nil {
		return "", err
	}

	if err := d.writeFile(ctx, out, bytes.NewReader(data), targetPath, int64(len(data))); err != nil {
		out.Close()
		os.Remove(targetPath)

		return "", err
	}

	if err := out.Close(); err != nil {
		return "", fmt.Errorf("failed to close target file: %w", err)
	}

	logger.InfoContext(ctx, "saved download", "target", targetPath)

	return targetPath, nil
}

func (d *Dir) create(name string) (*os.File, string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	for i := range maxNameAttempts {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, i, ext)
		}

		targetPath := filepath.Join(d.dir, candidate)

		f, err := os.OpenFile(targetPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePerm)
		if errors.Is(err, fs.ErrExist) {
			continue
		}

		if err != nil {
			return nil, "", fmt.Errorf("failed to create target file: %w", err)
		}

		return f, targetPath, nil
	}

	return nil, "", fmt.Errorf("no free file name for %s in %s", name, d.dir)
}

func (d *Dir) writeFile(ctx context.Context, out io.Writer, reader io.Reader, targetPath string, totalBytes int64) error {
	logger := logctx.LoggerFromContext(ctx)

	progressCb := func(written int64, total int64) {
		logger.DebugContext(ctx, "save progress",
			"file_path", targetPath,
			"written", humanize.Bytes(uint64(written)),
			"total", humanize.Bytes(uint64(total)))
	}

	pr := progress.NewReader(reader, totalBytes, d.progressInterval, progressCb)

	if _, err := io.Copy(out, pr); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}

	return nil
}

// safeName strips directories so a server-supplied name cannot escape the target directory.
func safeName(name string) string {
	base := filepath.Base(filepath.Clean("/" + filepath.FromSlash(name)))
	if base == "/" || base == "." || base == string(filepath.Separator) {
		return "download"
	}

	return base
}
