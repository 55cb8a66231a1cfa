package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// ErrNoNotifier is returned by an empty Fanout.
var ErrNoNotifier = errors.New("completion: no notifier configured")

type namedNotifier struct {
	name string
	n    Notifier
}

// Fanout delivers to every registered notifier concurrently. Delivery counts
// as successful when at least one notifier succeeded.
type Fanout struct {
	notifiers []namedNotifier
}

func NewFanout() *Fanout {
	return &Fanout{}
}

// Add registers a notifier under name. Nil notifiers are ignored.
func (f *Fanout) Add(name string, n Notifier) {
	if n == nil {
		return
	}
	f.notifiers = append(f.notifiers, namedNotifier{name: name, n: n})
}

// Len returns the number of registered notifiers.
func (f *Fanout) Len() int {
	return len(f.notifiers)
}

// Names returns the registered notifier names in order.
func (f *Fanout) Names() []string {
	out := make([]string, len(f.notifiers))
	for i, nn := range f.notifiers {
		out[i] = nn.name
	}
	return out
}

func (f *Fanout) Notify(ctx context.Context, n Notification) error {
	if len(f.notifiers) == 0 {
		return ErrNoNotifier
	}

	errs := make([]error, len(f.notifiers))
	var g errgroup.Group
	for i, nn := range f.notifiers {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					errs[i] = fmt.Errorf("%s: panic: %v", nn.name, r)
				}
			}()
			if err := nn.n.Notify(ctx, n); err != nil {
				errs[i] = fmt.Errorf("%s: %w", nn.name, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	delivered := 0
	for i, err := range errs {
		if err == nil {
			delivered++
			continue
		}
		completionLog.Warn("notifier_failed",
			slog.String("notifier", f.notifiers[i].name),
			slog.String("session_id", n.SessionID),
			slog.String("error", err.Error()))
	}
	if delivered == 0 {
		return errors.Join(errs...)
	}
	return nil
}
