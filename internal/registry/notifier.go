package registry

import (
	"context"
)

// Notifier receives registry change notifications. Implementations must not
// block for long: they are called after the registry lock is released but on
// the caller's goroutine.
type Notifier interface {
	// UpdateChanged reports a status change of u.
	UpdateChanged(ctx context.Context, u Update)

	// InstallProgress reports new install progress of u.
	InstallProgress(ctx context.Context, u Update)

	// UpdateDeleted reports that the update with id is gone.
	UpdateDeleted(ctx context.Context, id string)
}

// Notifiers fans every notification out to each member in order.
type Notifiers []Notifier

var _ Notifier = Notifiers(nil)

func (ns Notifiers) UpdateChanged(ctx context.Context, u Update) {
	for _, n := range ns {
		n.UpdateChanged(ctx, u)
	}
}

func (ns Notifiers) InstallProgress(ctx context.Context, u Update) {
	for _, n := range ns {
		n.InstallProgress(ctx, u)
	}
}

func (ns Notifiers) UpdateDeleted(ctx context.Context, id string) {
	for _, n := range ns {
		n.UpdateDeleted(ctx, id)
	}
}

type nopNotifier struct{}

func (nopNotifier) UpdateChanged(context.Context, Update)   {}
func (nopNotifier) InstallProgress(context.Context, Update) {}
func (nopNotifier) UpdateDeleted(context.Context, string)   {}
