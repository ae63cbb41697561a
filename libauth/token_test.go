package libauth_test

import (
	"context"
	"testing"
	"time"

	"github.com/chatwire/chatwire/libauth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnit_MintAndVerify(t *testing.T) {
	ctx := context.Background()
	issuer, err := libauth.NewIssuer("test-secret", time.Hour)
	require.NoError(t, err)

	token, err := issuer.Mint(ctx, "inst-1", "sess-1", "visitor-1", []string{"subscriber"})
	require.NoError(t, err)
	require.NotEmpty(t, token)

	cap, err := issuer.Verify(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "inst-1", cap.InstanceID)
	assert.Equal(t, "sess-1", cap.SessionUUID)
	assert.Equal(t, "visitor-1", cap.VisitorID)
	assert.Equal(t, []string{"subscriber"}, cap.VisitorRoles)
}

func TestUnit_VerifyExpired(t *testing.T) {
	ctx := context.Background()
	issuer, err := libauth.NewIssuer("test-secret", -time.Minute)
	require.NoError(t, err)

	token, err := issuer.Mint(ctx, "inst-1", "sess-1", "visitor-1", nil)
	require.NoError(t, err)

	_, err = issuer.Verify(ctx, token)
	assert.ErrorIs(t, err, libauth.ErrTokenExpired)
}

func TestUnit_VerifyWrongSecret(t *testing.T) {
	ctx := context.Background()
	issuer, err := libauth.NewIssuer("secret-a", time.Hour)
	require.NoError(t, err)
	other, err := libauth.NewIssuer("secret-b", time.Hour)
	require.NoError(t, err)

	token, err := issuer.Mint(ctx, "inst-1", "sess-1", "visitor-1", nil)
	require.NoError(t, err)

	_, err = other.Verify(ctx, token)
	assert.ErrorIs(t, err, libauth.ErrTokenParsingFailed)
}

func TestUnit_VerifyMissingToken(t *testing.T) {
	issuer, err := libauth.NewIssuer("test-secret", time.Hour)
	require.NoError(t, err)

	_, err = issuer.Verify(context.Background(), "")
	assert.ErrorIs(t, err, libauth.ErrTokenMissing)

	_, err = issuer.Mint(context.Background(), "inst-1", "sess-1", "", nil)
	assert.ErrorIs(t, err, libauth.ErrIdentityMissing)
}
