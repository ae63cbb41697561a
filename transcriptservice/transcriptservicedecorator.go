package transcriptservice

import (
	"context"

	"github.com/chatwire/chatwire/libtracker"
	"github.com/chatwire/chatwire/transcriptstore"
)

type activityTrackerDecorator struct {
	service Service
	tracker libtracker.ActivityTracker
}

func (d *activityTrackerDecorator) OnMessageFinalized(ctx context.Context, event FinalizedMessage) error {
	reportErrFn, reportChangeFn, endFn := d.tracker.Start(
		ctx,
		"append",
		"transcript_message",
		"sessionUUID", event.SessionUUID,
		"role", event.Role,
	)
	defer endFn()

	err := d.service.OnMessageFinalized(ctx, event)
	if err != nil {
		reportErrFn(err)
	} else {
		reportChangeFn(event.SessionUUID, map[string]interface{}{
			"role": event.Role,
		})
	}

	return err
}

func (d *activityTrackerDecorator) List(ctx context.Context, sessionUUID string) ([]*transcriptstore.Message, error) {
	reportErrFn, _, endFn := d.tracker.Start(
		ctx,
		"list",
		"transcript_message",
		"sessionUUID", sessionUUID,
	)
	defer endFn()

	messages, err := d.service.List(ctx, sessionUUID)
	if err != nil {
		reportErrFn(err)
	}

	return messages, err
}

func (d *activityTrackerDecorator) Count(ctx context.Context, sessionUUID string) (int64, error) {
	reportErrFn, _, endFn := d.tracker.Start(
		ctx,
		"count",
		"transcript_message",
		"sessionUUID", sessionUUID,
	)
	defer endFn()

	count, err := d.service.Count(ctx, sessionUUID)
	if err != nil {
		reportErrFn(err)
	}

	return count, err
}

func WithActivityTracker(service Service, tracker libtracker.ActivityTracker) Service {
	return &activityTrackerDecorator{
		service: service,
		tracker: tracker,
	}
}

var _ Service = (*activityTrackerDecorator)(nil)
