package instancestore_test

import (
	"testing"

	"github.com/chatwire/chatwire/instancestore"
	libdb "github.com/chatwire/chatwire/libdbexec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSystem_Instances_CreateAndGet(t *testing.T) {
	ctx, s := instancestore.SetupStore(t)

	instance := &instancestore.Instance{
		Name:           "pricing-assistant",
		Enabled:        true,
		WebhookURL:     "https://hooks.internal/relay/abc",
		Title:          "Sales assistant",
		Greeting:       "Hi! How can I help?",
		SystemTemplate: "You are assisting a visitor on {page_url}.",
		Priority:       5,
		Position:       1,
		Rules: []instancestore.TargetingRule{
			{Type: instancestore.RuleTypeURLPattern, Condition: instancestore.CondContains, Value: "/pricing"},
		},
		AccessPolicy: instancestore.AccessPublic,
		Fallback:     instancestore.FallbackPolicy{Mode: instancestore.FallbackMessage, Message: "We are offline."},
	}
	require.NoError(t, s.Create(ctx, instance))
	require.NotEmpty(t, instance.ID)
	require.False(t, instance.CreatedAt.IsZero())

	got, err := s.Get(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, instance.Name, got.Name)
	assert.Equal(t, instance.WebhookURL, got.WebhookURL)
	assert.Equal(t, instance.Rules, got.Rules)
	assert.Equal(t, instance.Fallback, got.Fallback)
	assert.Equal(t, 5, got.Priority)

	byName, err := s.GetByName(ctx, "pricing-assistant")
	require.NoError(t, err)
	assert.Equal(t, instance.ID, byName.ID)
}

func TestSystem_Instances_GetNotFound(t *testing.T) {
	ctx, s := instancestore.SetupStore(t)

	_, err := s.Get(ctx, "00000000-0000-0000-0000-000000000000")
	require.ErrorIs(t, err, libdb.ErrNotFound)
}

func TestSystem_Instances_DuplicateName(t *testing.T) {
	ctx, s := instancestore.SetupStore(t)

	first := &instancestore.Instance{Name: "support", WebhookURL: "https://a.example"}
	require.NoError(t, s.Create(ctx, first))

	second := &instancestore.Instance{Name: "support", WebhookURL: "https://b.example"}
	err := s.Create(ctx, second)
	require.Error(t, err)
	require.ErrorIs(t, err, libdb.ErrUniqueViolation)
}

func TestSystem_Instances_Update(t *testing.T) {
	ctx, s := instancestore.SetupStore(t)

	instance := &instancestore.Instance{Name: "support", WebhookURL: "https://a.example"}
	require.NoError(t, s.Create(ctx, instance))

	instance.Enabled = true
	instance.Priority = 10
	instance.Rules = []instancestore.TargetingRule{
		{Type: instancestore.RuleTypePostType, Condition: instancestore.CondEquals, Value: "product"},
	}
	require.NoError(t, s.Update(ctx, instance))

	got, err := s.Get(ctx, instance.ID)
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	assert.Equal(t, 10, got.Priority)
	assert.Len(t, got.Rules, 1)
	assert.True(t, got.UpdatedAt.After(got.CreatedAt) || got.UpdatedAt.Equal(got.CreatedAt))

	missing := &instancestore.Instance{ID: "00000000-0000-0000-0000-000000000000", Name: "ghost"}
	require.ErrorIs(t, s.Update(ctx, missing), libdb.ErrNotFound)
}

func TestSystem_Instances_ListEnabledOrder(t *testing.T) {
	ctx, s := instancestore.SetupStore(t)

	a := &instancestore.Instance{Name: "a", Enabled: true, Position: 2, WebhookURL: "https://a.example"}
	b := &instancestore.Instance{Name: "b", Enabled: true, Position: 1, WebhookURL: "https://b.example"}
	c := &instancestore.Instance{Name: "c", Enabled: false, Position: 0, WebhookURL: "https://c.example"}
	for _, inst := range []*instancestore.Instance{a, b, c} {
		require.NoError(t, s.Create(ctx, inst))
	}

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)

	enabled, err := s.ListEnabled(ctx)
	require.NoError(t, err)
	require.Len(t, enabled, 2)
	assert.Equal(t, "b", enabled[0].Name)
	assert.Equal(t, "a", enabled[1].Name)
}

func TestSystem_Instances_Delete(t *testing.T) {
	ctx, s := instancestore.SetupStore(t)

	instance := &instancestore.Instance{Name: "gone", WebhookURL: "https://a.example"}
	require.NoError(t, s.Create(ctx, instance))
	require.NoError(t, s.Delete(ctx, instance.ID))

	_, err := s.Get(ctx, instance.ID)
	require.ErrorIs(t, err, libdb.ErrNotFound)
	require.ErrorIs(t, s.Delete(ctx, instance.ID), libdb.ErrNotFound)
}
