package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Clearer deletes the state of a user and tells every surface about it.
type Clearer interface {
	ClearConversation(ctx context.Context, userID, origin string) error
	ClearButtons(ctx context.Context, userID, origin string) error
}

// Resetter clears the state of a fixed list of users on a cron schedule, so an unattended demo
// starts over on its own.
type Resetter struct {
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	clearer Clearer
	users   []string
	logger  *slog.Logger
}

// Origin is the origin token stamped on the clear events of a scheduled reset.
const Origin = "scheduler"

const errLoggerKey = "err"

// NewResetter validates schedule, a standard five field cron expression evaluated in UTC.
func NewResetter(schedule string, users []string, clearer Clearer, logger *slog.Logger) (*Resetter, error) {
	c := cron.New(cron.WithLocation(time.UTC))
	ctx, cancel := context.WithCancel(context.Background())
	r := &Resetter{
		cron:    c,
		ctx:     ctx,
		cancel:  cancel,
		clearer: clearer,
		users:   users,
		logger:  logger.With(slog.String("module", "scheduler")),
	}

	if _, err := c.AddFunc(schedule, r.run); err != nil {
		cancel()
		return nil, fmt.Errorf("invalid reset schedule %q: %w", schedule, err)
	}
	return r, nil
}

// Start runs the schedule in the background.
func (r *Resetter) Start() {
	r.cron.Start()
	r.logger.Info("Reset scheduler started", slog.Int("users", len(r.users)))
}

// Stop stops the schedule and waits for a running reset to finish.
func (r *Resetter) Stop() {
	<-r.cron.Stop().Done()
	r.cancel()
}

// Next returns the time of the next scheduled reset, or the zero time if the scheduler is stopped.
func (r *Resetter) Next() time.Time {
	entries := r.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// Reset clears the conversation and button state of every user. A failure for one user does not
// stop the others.
func (r *Resetter) Reset(ctx context.Context) error {
	var errs []error
	for _, user := range r.users {
		if err := r.clearer.ClearConversation(ctx, user, Origin); err != nil {
			errs = append(errs, fmt.Errorf("failed to clear conversation of %s: %w", user, err))
		}
		if err := r.clearer.ClearButtons(ctx, user, Origin); err != nil {
			errs = append(errs, fmt.Errorf("failed to clear buttons of %s: %w", user, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Resetter) run() {
	r.logger.Info("Resetting demo state")
	if err := r.Reset(r.ctx); err != nil {
		r.logger.Error("Scheduled reset failed", slog.String(errLoggerKey, err.Error()))
	}
}
