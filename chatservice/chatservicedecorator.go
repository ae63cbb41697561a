package chatservice

import (
	"context"

	"github.com/chatwire/chatwire/libtracker"
)

type activityTrackerDecorator struct {
	service Service
	tracker libtracker.ActivityTracker
}

func (d *activityTrackerDecorator) SendMessage(ctx context.Context, req SendRequest) (<-chan Event, error) {
	reportErrFn, reportChangeFn, endFn := d.tracker.Start(
		ctx,
		"send",
		"chat_message",
		"instanceID", req.InstanceID,
		"visitorID", req.VisitorID,
	)
	defer endFn()

	events, err := d.service.SendMessage(ctx, req)
	if err != nil {
		reportErrFn(err)
	} else {
		reportChangeFn(req.InstanceID, map[string]interface{}{
			"sessionUUID": req.SessionUUID,
		})
	}

	return events, err
}

func WithActivityTracker(service Service, tracker libtracker.ActivityTracker) Service {
	return &activityTrackerDecorator{
		service: service,
		tracker: tracker,
	}
}

var _ Service = (*activityTrackerDecorator)(nil)
