package notifier

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/resumable_transfer/internal/coordinator"
	"github.com/italolelis/resumable_transfer/internal/logctx"
	"github.com/italolelis/resumable_transfer/internal/resume"
)

// TransferCallbacks wraps cb so finished and failed transfers are also announced through n.
// Notification failures are logged and never reach the transfer.
func TransferCallbacks(ctx context.Context, n Notifier, cb coordinator.Callbacks) coordinator.Callbacks {
	logger := logctx.LoggerFromContext(ctx)

	send := func(content string) {
		if err := n.Notify(ctx, content); err != nil {
			logger.Error("failed to send notification", "err", err)
		}
	}

	return coordinator.Callbacks{
		OnProgress: cb.OnProgress,
		OnComplete: func(res coordinator.Result) {
			if cb.OnComplete != nil {
				cb.OnComplete(res)
			}

			send(CompleteMessage(res))
		},
		OnError: func(err error, snapshot *resume.Record) {
			if cb.OnError != nil {
				cb.OnError(err, snapshot)
			}

			send(FailureMessage(err, snapshot))
		},
	}
}

func CompleteMessage(res coordinator.Result) string {
	size := humanize.Bytes(uint64(res.TotalSize))

	if res.FileName != "" {
		msg := fmt.Sprintf("✅ Download finished: %s (%s)", res.FileName, size)

		if res.SaveErr != nil {
			msg += fmt.Sprintf(", but saving failed: %v", res.SaveErr)
		}

		return msg
	}

	return fmt.Sprintf("✅ Upload finished: %s (%s, md5 %s)", res.TaskID, size, res.FileHash)
}

func FailureMessage(err error, snapshot *resume.Record) string {
	if snapshot == nil {
		return fmt.Sprintf("❌ Transfer failed: %v", err)
	}

	return fmt.Sprintf("❌ %s failed at %.1f%%: %v", snapshot.Kind, snapshot.Percent(), err)
}
