package sessionservice

import (
	"context"

	"github.com/chatwire/chatwire/libtracker"
	"github.com/chatwire/chatwire/sessionstore"
)

type activityTrackerDecorator struct {
	service Service
	tracker libtracker.ActivityTracker
}

func (d *activityTrackerDecorator) GetOrCreate(ctx context.Context, instanceID, visitorID, clientUUID string) (*sessionstore.Session, error) {
	reportErrFn, reportChangeFn, endFn := d.tracker.Start(
		ctx,
		"get_or_create",
		"session",
		"instanceID", instanceID,
		"visitorID", visitorID,
	)
	defer endFn()

	session, err := d.service.GetOrCreate(ctx, instanceID, visitorID, clientUUID)
	if err != nil {
		reportErrFn(err)
	} else if session.UUID != clientUUID {
		reportChangeFn(session.UUID, map[string]interface{}{
			"instanceID": session.InstanceID,
			"visitorID":  session.VisitorID,
		})
	}

	return session, err
}

func (d *activityTrackerDecorator) Get(ctx context.Context, sessionUUID string) (*sessionstore.Session, error) {
	reportErrFn, _, endFn := d.tracker.Start(
		ctx,
		"read",
		"session",
		"sessionUUID", sessionUUID,
	)
	defer endFn()

	session, err := d.service.Get(ctx, sessionUUID)
	if err != nil {
		reportErrFn(err)
	}

	return session, err
}

func (d *activityTrackerDecorator) Touch(ctx context.Context, sessionUUID string) error {
	reportErrFn, _, endFn := d.tracker.Start(
		ctx,
		"touch",
		"session",
		"sessionUUID", sessionUUID,
	)
	defer endFn()

	err := d.service.Touch(ctx, sessionUUID)
	if err != nil {
		reportErrFn(err)
	}

	return err
}

func (d *activityTrackerDecorator) Close(ctx context.Context, sessionUUID string) error {
	reportErrFn, reportChangeFn, endFn := d.tracker.Start(
		ctx,
		"close",
		"session",
		"sessionUUID", sessionUUID,
	)
	defer endFn()

	err := d.service.Close(ctx, sessionUUID)
	if err != nil {
		reportErrFn(err)
	} else {
		reportChangeFn(sessionUUID, nil)
	}

	return err
}

func (d *activityTrackerDecorator) ListByVisitor(ctx context.Context, instanceID, visitorID string) ([]*sessionstore.Session, error) {
	reportErrFn, _, endFn := d.tracker.Start(
		ctx,
		"list",
		"sessions",
		"instanceID", instanceID,
		"visitorID", visitorID,
	)
	defer endFn()

	sessions, err := d.service.ListByVisitor(ctx, instanceID, visitorID)
	if err != nil {
		reportErrFn(err)
	}

	return sessions, err
}

func (d *activityTrackerDecorator) Sweep(ctx context.Context) (SweepReport, error) {
	reportErrFn, reportChangeFn, endFn := d.tracker.Start(
		ctx,
		"sweep",
		"sessions",
	)
	defer endFn()

	report, err := d.service.Sweep(ctx)
	if err != nil {
		reportErrFn(err)
	} else if report.Closed > 0 || report.Purged > 0 {
		reportChangeFn("", map[string]interface{}{
			"closed": report.Closed,
			"purged": report.Purged,
		})
	}

	return report, err
}

func WithActivityTracker(service Service, tracker libtracker.ActivityTracker) Service {
	return &activityTrackerDecorator{
		service: service,
		tracker: tracker,
	}
}

var _ Service = (*activityTrackerDecorator)(nil)
