package instanceservice

import (
	"context"

	"github.com/chatwire/chatwire/instancestore"
	"github.com/chatwire/chatwire/libtracker"
)

type activityTrackerDecorator struct {
	service Service
	tracker libtracker.ActivityTracker
}

func (d *activityTrackerDecorator) Create(ctx context.Context, instance *instancestore.Instance) error {
	reportErrFn, reportChangeFn, endFn := d.tracker.Start(
		ctx,
		"create",
		"instance",
		"name", instance.Name,
	)
	defer endFn()

	err := d.service.Create(ctx, instance)
	if err != nil {
		reportErrFn(err)
	} else {
		// the fingerprint, never the webhook url, goes into the audit trail
		reportChangeFn(instance.ID, map[string]interface{}{
			"name":               instance.Name,
			"enabled":            instance.Enabled,
			"webhookFingerprint": instance.WebhookFingerprint,
		})
	}

	return err
}

func (d *activityTrackerDecorator) Get(ctx context.Context, id string) (*instancestore.Instance, error) {
	reportErrFn, _, endFn := d.tracker.Start(
		ctx,
		"read",
		"instance",
		"instanceID", id,
	)
	defer endFn()

	instance, err := d.service.Get(ctx, id)
	if err != nil {
		reportErrFn(err)
	}

	return instance, err
}

func (d *activityTrackerDecorator) GetByName(ctx context.Context, name string) (*instancestore.Instance, error) {
	reportErrFn, _, endFn := d.tracker.Start(
		ctx,
		"read",
		"instance",
		"name", name,
	)
	defer endFn()

	instance, err := d.service.GetByName(ctx, name)
	if err != nil {
		reportErrFn(err)
	}

	return instance, err
}

func (d *activityTrackerDecorator) Update(ctx context.Context, instance *instancestore.Instance) error {
	reportErrFn, reportChangeFn, endFn := d.tracker.Start(
		ctx,
		"update",
		"instance",
		"instanceID", instance.ID,
		"name", instance.Name,
	)
	defer endFn()

	err := d.service.Update(ctx, instance)
	if err != nil {
		reportErrFn(err)
	} else {
		reportChangeFn(instance.ID, map[string]interface{}{
			"name":               instance.Name,
			"enabled":            instance.Enabled,
			"webhookFingerprint": instance.WebhookFingerprint,
		})
	}

	return err
}

func (d *activityTrackerDecorator) Delete(ctx context.Context, id string) error {
	reportErrFn, reportChangeFn, endFn := d.tracker.Start(
		ctx,
		"delete",
		"instance",
		"instanceID", id,
	)
	defer endFn()

	err := d.service.Delete(ctx, id)
	if err != nil {
		reportErrFn(err)
	} else {
		reportChangeFn(id, nil)
	}

	return err
}

func (d *activityTrackerDecorator) List(ctx context.Context) ([]*instancestore.Instance, error) {
	reportErrFn, _, endFn := d.tracker.Start(
		ctx,
		"list",
		"instances",
	)
	defer endFn()

	instances, err := d.service.List(ctx)
	if err != nil {
		reportErrFn(err)
	}

	return instances, err
}

func (d *activityTrackerDecorator) ListEnabled(ctx context.Context) ([]*instancestore.Instance, error) {
	reportErrFn, _, endFn := d.tracker.Start(
		ctx,
		"list",
		"instances",
		"filter", "enabled",
	)
	defer endFn()

	instances, err := d.service.ListEnabled(ctx)
	if err != nil {
		reportErrFn(err)
	}

	return instances, err
}

func (d *activityTrackerDecorator) GetAll(ctx context.Context) ([]*instancestore.Instance, error) {
	return d.service.GetAll(ctx)
}

func WithActivityTracker(service Service, tracker libtracker.ActivityTracker) Service {
	return &activityTrackerDecorator{
		service: service,
		tracker: tracker,
	}
}

var _ Service = (*activityTrackerDecorator)(nil)
