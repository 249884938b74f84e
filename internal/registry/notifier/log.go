package notifier

import (
	"context"

	"github.com/autopeer-io/sysflash/internal/registry"
	"github.com/autopeer-io/sysflash/pkg/log"
)

// LogNotifier writes every notification to the structured log.
type LogNotifier struct {
	logger log.Logger
}

var _ registry.Notifier = (*LogNotifier)(nil)

func NewLogNotifier(logger log.Logger) *LogNotifier {
	if logger == nil {
		logger = log.WithName("updates")
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) UpdateChanged(_ context.Context, u registry.Update) {
	n.logger.Info("Update changed", "update", u.ID, "status", u.Status.String(), "progress", u.Progress)
}

func (n *LogNotifier) InstallProgress(_ context.Context, u registry.Update) {
	n.logger.Debug("Install progress", "update", u.ID, "progress", u.Progress, "finalizing", u.Finalizing)
}

func (n *LogNotifier) UpdateDeleted(_ context.Context, id string) {
	n.logger.Info("Update deleted", "update", id)
}
