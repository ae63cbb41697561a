package ratelimitservice

import (
	"context"

	"github.com/chatwire/chatwire/libtracker"
)

type activityTrackerDecorator struct {
	service Service
	tracker libtracker.ActivityTracker
}

func (d *activityTrackerDecorator) Check(ctx context.Context, operation, clientID string) (Decision, error) {
	reportErrFn, _, endFn := d.tracker.Start(
		ctx,
		"check",
		"ratelimit",
		"operation", operation,
		"clientID", clientID,
	)
	defer endFn()

	decision, err := d.service.Check(ctx, operation, clientID)
	if err != nil {
		reportErrFn(err)
	}

	return decision, err
}

func (d *activityTrackerDecorator) Record(ctx context.Context, operation, clientID string) error {
	reportErrFn, _, endFn := d.tracker.Start(
		ctx,
		"record",
		"ratelimit",
		"operation", operation,
		"clientID", clientID,
	)
	defer endFn()

	err := d.service.Record(ctx, operation, clientID)
	if err != nil {
		reportErrFn(err)
	}

	return err
}

func WithActivityTracker(service Service, tracker libtracker.ActivityTracker) Service {
	return &activityTrackerDecorator{
		service: service,
		tracker: tracker,
	}
}

var _ Service = (*activityTrackerDecorator)(nil)
