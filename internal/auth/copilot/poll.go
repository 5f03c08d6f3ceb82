package copilot

import (
	"context"
	"time"

	apperrors "github.com/router-for-me/copilotctl/internal/errors"
)

// Sleeper suspends the caller for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// ContextSleep is the default Sleeper backed by a timer.
func ContextSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Poll drives PollOnce until the flow ends. Between polls it sleeps for the interval the
// server asked for, never past the device code deadline. Cancelling ctx during a sleep
// cancels the flow and returns ErrFlowCancelled.
func (f *DeviceFlow) Poll(ctx context.Context, sleep Sleeper) (*Credential, error) {
	if sleep == nil {
		sleep = ContextSleep
	}
	for {
		res, err := f.PollOnce(ctx)
		if err != nil {
			return nil, err
		}
		if res.Credential != nil {
			return res.Credential, nil
		}

		wait := res.Wait
		if remaining := f.Remaining(); wait > remaining {
			wait = remaining
		}
		if errSleep := sleep(ctx, wait); errSleep != nil {
			f.Cancel()
			return nil, apperrors.Wrap(apperrors.ErrFlowCancelled, "authentication cancelled", errSleep)
		}
	}
}
