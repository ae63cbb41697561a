package sessionservice_test

import (
	"context"
	"testing"
	"time"

	libdb "github.com/chatwire/chatwire/libdbexec"
	"github.com/chatwire/chatwire/sessionservice"
	"github.com/chatwire/chatwire/sessionstore"
	"github.com/chatwire/chatwire/transcriptstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupService(t *testing.T, idleTimeout, retention time.Duration) (context.Context, sessionservice.Service, libdb.DBManager) {
	t.Helper()
	ctx := context.Background()
	schema := sessionstore.SchemaSQLite + "\n" + transcriptstore.SchemaSQLite
	dbManager, err := libdb.NewSQLiteDBManager(ctx, ":memory:", schema)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, dbManager.Close()) })
	return ctx, sessionservice.New(dbManager, idleTimeout, retention), dbManager
}

func TestUnit_GetOrCreate_NewSession(t *testing.T) {
	ctx, svc, _ := setupService(t, 0, 0)

	session, err := svc.GetOrCreate(ctx, "inst-1", "visitor-1", "")
	require.NoError(t, err)
	require.NotEmpty(t, session.UUID)
	assert.Equal(t, "inst-1", session.InstanceID)
	assert.Equal(t, sessionstore.StatusActive, session.Status)
}

func TestUnit_GetOrCreate_ReusesActiveSession(t *testing.T) {
	ctx, svc, _ := setupService(t, 0, 0)

	first, err := svc.GetOrCreate(ctx, "inst-1", "visitor-1", "")
	require.NoError(t, err)

	second, err := svc.GetOrCreate(ctx, "inst-1", "visitor-1", first.UUID)
	require.NoError(t, err)
	assert.Equal(t, first.UUID, second.UUID)

	sessions, err := svc.ListByVisitor(ctx, "inst-1", "visitor-1")
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestUnit_GetOrCreate_ForeignInstanceCreatesNew(t *testing.T) {
	ctx, svc, _ := setupService(t, 0, 0)

	other, err := svc.GetOrCreate(ctx, "inst-other", "visitor-1", "")
	require.NoError(t, err)

	session, err := svc.GetOrCreate(ctx, "inst-1", "visitor-1", other.UUID)
	require.NoError(t, err)
	assert.NotEqual(t, other.UUID, session.UUID)
	assert.Equal(t, "inst-1", session.InstanceID)
}

func TestUnit_GetOrCreate_ClosedSessionCreatesNew(t *testing.T) {
	ctx, svc, _ := setupService(t, 0, 0)

	first, err := svc.GetOrCreate(ctx, "inst-1", "visitor-1", "")
	require.NoError(t, err)
	require.NoError(t, svc.Close(ctx, first.UUID))

	session, err := svc.GetOrCreate(ctx, "inst-1", "visitor-1", first.UUID)
	require.NoError(t, err)
	assert.NotEqual(t, first.UUID, session.UUID)

	closed, err := svc.Get(ctx, first.UUID)
	require.NoError(t, err)
	assert.Equal(t, sessionstore.StatusClosed, closed.Status)
	require.NotNil(t, closed.ClosedAt)
}

func TestUnit_GetOrCreate_UnknownUUIDCreatesNew(t *testing.T) {
	ctx, svc, _ := setupService(t, 0, 0)

	session, err := svc.GetOrCreate(ctx, "inst-1", "visitor-1", "no-such-session")
	require.NoError(t, err)
	require.NotEmpty(t, session.UUID)
	assert.NotEqual(t, "no-such-session", session.UUID)
}

func TestUnit_GetOrCreate_Validation(t *testing.T) {
	ctx, svc, _ := setupService(t, 0, 0)

	_, err := svc.GetOrCreate(ctx, "", "visitor-1", "")
	require.ErrorIs(t, err, sessionservice.ErrInvalidSessionRequest)

	_, err = svc.GetOrCreate(ctx, "inst-1", "", "")
	require.ErrorIs(t, err, sessionservice.ErrInvalidSessionRequest)
}

func TestUnit_TouchAndCloseMissing(t *testing.T) {
	ctx, svc, _ := setupService(t, 0, 0)

	require.ErrorIs(t, svc.Touch(ctx, "missing"), libdb.ErrNotFound)
	require.ErrorIs(t, svc.Close(ctx, "missing"), libdb.ErrNotFound)
}

func TestUnit_Sweep_ClosesIdleAndPurgesOld(t *testing.T) {
	ctx, svc, _ := setupService(t, time.Millisecond, time.Millisecond)

	session, err := svc.GetOrCreate(ctx, "inst-1", "visitor-idle", "")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	report, err := svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Closed)
	assert.Equal(t, int64(0), report.Purged)

	closed, err := svc.Get(ctx, session.UUID)
	require.NoError(t, err)
	assert.Equal(t, sessionstore.StatusClosed, closed.Status)

	time.Sleep(20 * time.Millisecond)
	report, err = svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Purged)

	_, err = svc.Get(ctx, session.UUID)
	require.ErrorIs(t, err, libdb.ErrNotFound)
}

func TestUnit_Sweep_PurgesTranscriptWithSession(t *testing.T) {
	ctx, svc, dbManager := setupService(t, time.Millisecond, time.Millisecond)
	transcripts := transcriptstore.New(dbManager.WithoutTransaction())

	session, err := svc.GetOrCreate(ctx, "inst-1", "visitor-1", "")
	require.NoError(t, err)
	require.NoError(t, transcripts.Append(ctx, &transcriptstore.Message{
		ID:          "msg-1",
		SessionUUID: session.UUID,
		Role:        transcriptstore.RoleUser,
		Parts:       []transcriptstore.Part{{Type: transcriptstore.PartText, Text: "hi"}},
	}))

	time.Sleep(20 * time.Millisecond)
	report, err := svc.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), report.Closed)

	time.Sleep(20 * time.Millisecond)
	report, err = svc.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), report.Purged)

	count, err := transcripts.Count(ctx, session.UUID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}
