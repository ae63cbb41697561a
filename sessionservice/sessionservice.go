package sessionservice

import (
	"context"
	"errors"
	"fmt"
	"time"

	libdb "github.com/chatwire/chatwire/libdbexec"
	"github.com/chatwire/chatwire/sessionstore"
)

var ErrInvalidSessionRequest = errors.New("invalid session request")

// DefaultIdleTimeout and DefaultRetention apply when the deployment does
// not configure its own windows.
const (
	DefaultIdleTimeout = 30 * time.Minute
	DefaultRetention   = 30 * 24 * time.Hour
)

// SweepReport summarizes one maintenance pass.
type SweepReport struct {
	Closed int64 `json:"closed" example:"12"`
	Purged int64 `json:"purged" example:"3"`
}

type Service interface {
	// GetOrCreate validates a client-supplied session uuid and reuses it
	// when it is active and belongs to the given instance. Any other
	// outcome, missing, foreign, or closed, silently falls through to
	// creating a fresh session.
	GetOrCreate(ctx context.Context, instanceID, visitorID, clientUUID string) (*sessionstore.Session, error)
	Get(ctx context.Context, sessionUUID string) (*sessionstore.Session, error)
	Touch(ctx context.Context, sessionUUID string) error
	Close(ctx context.Context, sessionUUID string) error
	ListByVisitor(ctx context.Context, instanceID, visitorID string) ([]*sessionstore.Session, error)
	// Sweep closes idle-expired sessions and purges closed ones past the
	// retention window. Driven by the maintenance loop, not by requests.
	Sweep(ctx context.Context) (SweepReport, error)
}

type service struct {
	dbInstance  libdb.DBManager
	idleTimeout time.Duration
	retention   time.Duration
}

func New(db libdb.DBManager, idleTimeout, retention time.Duration) Service {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &service{dbInstance: db, idleTimeout: idleTimeout, retention: retention}
}

func (s *service) GetOrCreate(ctx context.Context, instanceID, visitorID, clientUUID string) (*sessionstore.Session, error) {
	if instanceID == "" {
		return nil, fmt.Errorf("%w: instance id is required", ErrInvalidSessionRequest)
	}
	if visitorID == "" {
		return nil, fmt.Errorf("%w: visitor id is required", ErrInvalidSessionRequest)
	}
	tx := s.dbInstance.WithoutTransaction()
	storeInstance := sessionstore.New(tx)

	if clientUUID != "" {
		existing, err := storeInstance.Get(ctx, clientUUID)
		if err == nil &&
			existing.Status == sessionstore.StatusActive &&
			existing.InstanceID == instanceID {
			if err := storeInstance.Touch(ctx, existing.UUID); err == nil {
				existing.LastActivityAt = time.Now().UTC()
				return existing, nil
			}
		}
		// stale, foreign or closed uuid: fall through to a new session
	}

	session := &sessionstore.Session{
		InstanceID: instanceID,
		VisitorID:  visitorID,
	}
	if err := storeInstance.Create(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

func (s *service) Get(ctx context.Context, sessionUUID string) (*sessionstore.Session, error) {
	tx := s.dbInstance.WithoutTransaction()
	return sessionstore.New(tx).Get(ctx, sessionUUID)
}

func (s *service) Touch(ctx context.Context, sessionUUID string) error {
	tx := s.dbInstance.WithoutTransaction()
	return sessionstore.New(tx).Touch(ctx, sessionUUID)
}

func (s *service) Close(ctx context.Context, sessionUUID string) error {
	tx := s.dbInstance.WithoutTransaction()
	return sessionstore.New(tx).Close(ctx, sessionUUID)
}

func (s *service) ListByVisitor(ctx context.Context, instanceID, visitorID string) ([]*sessionstore.Session, error) {
	tx := s.dbInstance.WithoutTransaction()
	return sessionstore.New(tx).ListByVisitor(ctx, instanceID, visitorID)
}

func (s *service) Sweep(ctx context.Context) (SweepReport, error) {
	now := time.Now().UTC()
	tx := s.dbInstance.WithoutTransaction()
	storeInstance := sessionstore.New(tx)

	closed, err := storeInstance.CloseIdle(ctx, now.Add(-s.idleTimeout))
	if err != nil {
		return SweepReport{}, fmt.Errorf("failed to close idle sessions: %w", err)
	}
	purged, err := storeInstance.DeleteClosedBefore(ctx, now.Add(-s.retention))
	if err != nil {
		return SweepReport{Closed: closed}, fmt.Errorf("failed to purge closed sessions: %w", err)
	}
	return SweepReport{Closed: closed, Purged: purged}, nil
}
