package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/resumable_transfer/internal/config"
	"github.com/italolelis/resumable_transfer/internal/coordinator"
	"github.com/italolelis/resumable_transfer/internal/logctx"
	"github.com/italolelis/resumable_transfer/internal/resume"
	"github.com/italolelis/resumable_transfer/internal/transfer"
	"github.com/spf13/pflag"
)

const (
	cmdUpload   = "upload"
	cmdDownload = "download"
	cmdResume   = "resume"
	cmdTasks    = "tasks"
	cmdSweep    = "sweep"
	cmdServe    = "serve"
)

type command struct {
	name string
	args []string

	// chunkSize overrides the configured chunk size when positive.
	chunkSize int64
	taskID    string
	noResume  bool
	noSave    bool
}

func parseCommand(argv []string) (command, error) {
	var cmd command

	fs := pflag.NewFlagSet("resumable_transfer", pflag.ContinueOnError)
	fs.Int64Var(&cmd.chunkSize, "chunk-size", 0, "chunk size in bytes (defaults to CHUNK_SIZE)")
	fs.StringVar(&cmd.taskID, "task-id", "", "task id for a new transfer (generated when empty)")
	fs.BoolVar(&cmd.noResume, "no-resume", false, "do not persist resume records for an upload")
	fs.BoolVar(&cmd.noSave, "no-save", false, "do not write a finished download to DOWNLOAD_DIR")

	if err := fs.Parse(argv); err != nil {
		return command{}, err
	}

	rest := fs.Args()
	if len(rest) == 0 {
		return command{}, fmt.Errorf("missing command")
	}

	cmd.name, cmd.args = rest[0], rest[1:]

	want := map[string][2]int{
		cmdUpload:   {2, 2},
		cmdDownload: {1, 1},
		cmdResume:   {1, 2},
		cmdTasks:    {0, 0},
		cmdSweep:    {0, 0},
		cmdServe:    {0, 0},
	}

	bounds, ok := want[cmd.name]
	if !ok {
		return command{}, fmt.Errorf("unknown command %q", cmd.name)
	}

	if len(cmd.args) < bounds[0] || len(cmd.args) > bounds[1] {
		return command{}, fmt.Errorf("%s: wrong number of arguments", cmd.name)
	}

	if cmd.chunkSize < 0 {
		return command{}, fmt.Errorf("chunk size must be positive, got %d", cmd.chunkSize)
	}

	return cmd, nil
}

// startTransfer launches the transfer named by cmd. The returned func releases the upload source
// once the transfer has stopped.
func startTransfer(ctx context.Context, co *coordinator.Coordinator, cfg *config.Config, cmd command, cb coordinator.Callbacks) (func(), error) {
	logger := logctx.LoggerFromContext(ctx)
	noop := func() {}

	chunkSize := cfg.ChunkSize
	if cmd.chunkSize > 0 {
		chunkSize = cmd.chunkSize
	}

	switch cmd.name {
	case cmdUpload:
		file, err := transfer.OpenFile(cmd.args[0])
		if err != nil {
			return noop, err
		}

		taskID, err := co.Upload(ctx, coordinator.UploadRequest{
			Source:        file,
			Name:          file.BaseName(),
			URL:           cmd.args[1],
			ChunkSize:     chunkSize,
			ResumeEnabled: !cmd.noResume,
			TaskID:        cmd.taskID,
		}, cb)
		if err != nil {
			file.Close()

			return noop, err
		}

		logger.Info("upload started", "task_id", taskID, "file", cmd.args[0], "size", humanize.Bytes(uint64(file.Size())))

		return func() { file.Close() }, nil
	case cmdDownload:
		taskID, err := co.Download(ctx, coordinator.DownloadRequest{
			URL:       cmd.args[0],
			ChunkSize: chunkSize,
			AutoSave:  cfg.AutoSave && !cmd.noSave,
			TaskID:    cmd.taskID,
		}, cb)
		if err != nil {
			return noop, err
		}

		logger.Info("download started", "task_id", taskID, "url", cmd.args[0])

		return noop, nil
	case cmdResume:
		taskID := cmd.args[0]

		if len(cmd.args) == 1 {
			logger.Info("resuming download", "task_id", taskID)

			return noop, co.ResumeDownload(ctx, taskID, cb)
		}

		file, err := transfer.OpenFile(cmd.args[1])
		if err != nil {
			return noop, err
		}

		if err := co.ResumeUpload(ctx, taskID, file, cb); err != nil {
			file.Close()

			return noop, err
		}

		logger.Info("resuming upload", "task_id", taskID, "file", cmd.args[1])

		return func() { file.Close() }, nil
	}

	return noop, fmt.Errorf("%s does not start a transfer", cmd.name)
}

// cliCallbacks logs the transfer and reports its outcome on finished.
func cliCallbacks(ctx context.Context, finished chan<- error) coordinator.Callbacks {
	logger := logctx.LoggerFromContext(ctx)

	report := func(err error) {
		select {
		case finished <- err:
		default:
		}
	}

	return coordinator.Callbacks{
		OnProgress: func(p coordinator.Progress) {
			logger.Info("transfer progress", "task_id", p.TaskID, "percent", fmt.Sprintf("%.1f", p.Percent), "chunk_index", p.ChunkIndex)
		},
		OnComplete: func(res coordinator.Result) {
			logger.Info("transfer complete",
				"task_id", res.TaskID,
				"kind", res.Kind,
				"size", humanize.Bytes(uint64(res.TotalSize)),
				"file_hash", res.FileHash,
				"file_name", res.FileName,
				"saved_path", res.SavedPath,
			)

			report(res.SaveErr)
		},
		OnError: func(err error, snapshot *resume.Record) {
			attrs := []any{"err", err}
			if snapshot != nil {
				attrs = append(attrs, "offset", humanize.Bytes(uint64(snapshot.Offset)), "percent", fmt.Sprintf("%.1f", snapshot.Percent()))
			}

			logger.Error("transfer failed", attrs...)

			report(fmt.Errorf("transfer failed: %w", err))
		},
	}
}

func printTasks(ctx context.Context, out io.Writer, co *coordinator.Coordinator) error {
	entries, err := co.Tasks(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tasks: %w", err)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK ID\tKIND\tPROGRESS\tSIZE\tUPDATED\tURL")

	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%.1f%%\t%s\t%s\t%s\n",
			e.TaskID,
			e.Record.Kind,
			e.Record.Percent(),
			humanize.Bytes(uint64(e.Record.TotalSize)),
			humanize.Time(time.UnixMilli(e.Record.Timestamp)),
			e.Record.URL,
		)
	}

	return tw.Flush()
}

func printSweep(ctx context.Context, out io.Writer, co *coordinator.Coordinator) error {
	removed, err := co.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("failed to sweep tasks: %w", err)
	}

	for _, taskID := range removed {
		fmt.Fprintln(out, taskID)
	}

	fmt.Fprintf(out, "removed %d expired task(s)\n", len(removed))

	return nil
}
