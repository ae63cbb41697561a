package instanceservice_test

import (
	"context"
	"testing"

	"github.com/chatwire/chatwire/instanceservice"
	"github.com/chatwire/chatwire/instancestore"
	libdb "github.com/chatwire/chatwire/libdbexec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupService(t *testing.T) (context.Context, instanceservice.Service) {
	t.Helper()
	ctx := context.Background()
	dbManager, err := libdb.NewSQLiteDBManager(ctx, ":memory:", instancestore.SchemaSQLite)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, dbManager.Close()) })
	return ctx, instanceservice.New(dbManager, "server-secret")
}

func TestUnit_Create_FingerprintsWebhook(t *testing.T) {
	ctx, svc := setupService(t)

	instance := &instancestore.Instance{
		Name:       "support",
		Enabled:    true,
		WebhookURL: "https://hooks.internal/relay/abc",
	}
	require.NoError(t, svc.Create(ctx, instance))
	require.NotEmpty(t, instance.ID)
	require.NotEmpty(t, instance.WebhookFingerprint)
	assert.NotContains(t, instance.WebhookFingerprint, "hooks.internal")

	got, err := svc.Get(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, instance.WebhookFingerprint, got.WebhookFingerprint)

	// a changed endpoint yields a different fingerprint
	got.WebhookURL = "https://hooks.internal/relay/xyz"
	require.NoError(t, svc.Update(ctx, got))
	updated, err := svc.Get(ctx, instance.ID)
	require.NoError(t, err)
	assert.NotEqual(t, instance.WebhookFingerprint, updated.WebhookFingerprint)
}

func TestUnit_Create_Validation(t *testing.T) {
	ctx, svc := setupService(t)

	cases := []*instancestore.Instance{
		{WebhookURL: "https://a.example"},
		{Name: "no-webhook"},
		{Name: "bad-scheme", WebhookURL: "ftp://a.example"},
		{Name: "bad-policy", WebhookURL: "https://a.example", AccessPolicy: "vip"},
		{Name: "bad-rule-type", WebhookURL: "https://a.example", Rules: []instancestore.TargetingRule{
			{Type: "geo", Condition: instancestore.CondEquals, Value: "eu"},
		}},
		{Name: "bad-rule-cond", WebhookURL: "https://a.example", Rules: []instancestore.TargetingRule{
			{Type: instancestore.RuleTypeURLPattern, Condition: "regex", Value: ".*"},
		}},
		{Name: "empty-rule-value", WebhookURL: "https://a.example", Rules: []instancestore.TargetingRule{
			{Type: instancestore.RuleTypeURLPattern, Condition: instancestore.CondEquals, Value: ""},
		}},
	}
	for _, instance := range cases {
		require.ErrorIs(t, svc.Create(ctx, instance), instanceservice.ErrInvalidInstance, "instance %q", instance.Name)
	}
}

func TestUnit_Create_DefaultsAccessPolicy(t *testing.T) {
	ctx, svc := setupService(t)

	instance := &instancestore.Instance{Name: "support", WebhookURL: "https://a.example"}
	require.NoError(t, svc.Create(ctx, instance))
	assert.Equal(t, instancestore.AccessPublic, instance.AccessPolicy)
}

func TestUnit_GetAll_FeedsResolver(t *testing.T) {
	ctx, svc := setupService(t)

	for _, name := range []string{"first", "second"} {
		require.NoError(t, svc.Create(ctx, &instancestore.Instance{
			Name:       name,
			Enabled:    true,
			WebhookURL: "https://a.example/" + name,
		}))
	}

	all, err := svc.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
