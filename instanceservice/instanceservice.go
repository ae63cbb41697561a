package instanceservice

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net/url"

	"github.com/chatwire/chatwire/instancestore"
	"github.com/chatwire/chatwire/libcipher"
	libdb "github.com/chatwire/chatwire/libdbexec"
)

var ErrInvalidInstance = errors.New("invalid instance data")

type Service interface {
	Create(ctx context.Context, instance *instancestore.Instance) error
	Get(ctx context.Context, id string) (*instancestore.Instance, error)
	GetByName(ctx context.Context, name string) (*instancestore.Instance, error)
	Update(ctx context.Context, instance *instancestore.Instance) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*instancestore.Instance, error)
	ListEnabled(ctx context.Context) ([]*instancestore.Instance, error)
	// GetAll satisfies the resolver's config accessor.
	GetAll(ctx context.Context) ([]*instancestore.Instance, error)
}

type service struct {
	dbInstance libdb.DBManager
	signingKey []byte
}

// New creates the instance service. secret is the server token; the
// webhook fingerprint key is derived from it, so audit output can
// correlate endpoint changes without storing the URL anywhere visible.
func New(db libdb.DBManager, secret string) Service {
	return &service{
		dbInstance: db,
		signingKey: libcipher.DeriveKey(secret, "webhook-fingerprint", 32),
	}
}

func (s *service) Create(ctx context.Context, instance *instancestore.Instance) error {
	if err := validate(instance); err != nil {
		return err
	}
	tx := s.dbInstance.WithoutTransaction()
	storeInstance := instancestore.New(tx)
	if err := storeInstance.Create(ctx, instance); err != nil {
		return err
	}
	// the fingerprint salts with the instance id, so it is computed after
	// the id is assigned
	if err := s.applyFingerprint(instance); err != nil {
		return err
	}
	return storeInstance.Update(ctx, instance)
}

func (s *service) Get(ctx context.Context, id string) (*instancestore.Instance, error) {
	tx := s.dbInstance.WithoutTransaction()
	return instancestore.New(tx).Get(ctx, id)
}

func (s *service) GetByName(ctx context.Context, name string) (*instancestore.Instance, error) {
	tx := s.dbInstance.WithoutTransaction()
	return instancestore.New(tx).GetByName(ctx, name)
}

func (s *service) Update(ctx context.Context, instance *instancestore.Instance) error {
	if err := validate(instance); err != nil {
		return err
	}
	if err := s.applyFingerprint(instance); err != nil {
		return err
	}
	tx := s.dbInstance.WithoutTransaction()
	return instancestore.New(tx).Update(ctx, instance)
}

func (s *service) Delete(ctx context.Context, id string) error {
	tx := s.dbInstance.WithoutTransaction()
	return instancestore.New(tx).Delete(ctx, id)
}

func (s *service) List(ctx context.Context) ([]*instancestore.Instance, error) {
	tx := s.dbInstance.WithoutTransaction()
	return instancestore.New(tx).List(ctx)
}

func (s *service) ListEnabled(ctx context.Context) ([]*instancestore.Instance, error) {
	tx := s.dbInstance.WithoutTransaction()
	return instancestore.New(tx).ListEnabled(ctx)
}

func (s *service) GetAll(ctx context.Context) ([]*instancestore.Instance, error) {
	return s.List(ctx)
}

func (s *service) applyFingerprint(instance *instancestore.Instance) error {
	sealed, err := libcipher.NewHash(libcipher.GenerateHashArgs{
		Payload:    []byte(instance.WebhookURL),
		SigningKey: s.signingKey,
		Salt:       []byte(instance.ID),
	}, sha256.New)
	if err != nil {
		return fmt.Errorf("failed to fingerprint webhook url: %w", err)
	}
	instance.WebhookFingerprint = fmt.Sprintf("%x", sealed[:6])
	return nil
}

func validate(instance *instancestore.Instance) error {
	if instance.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInstance)
	}
	if instance.WebhookURL == "" {
		return fmt.Errorf("%w: webhook url is required", ErrInvalidInstance)
	}
	parsed, err := url.Parse(instance.WebhookURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("%w: webhook url must be a valid http(s) url", ErrInvalidInstance)
	}
	switch instance.AccessPolicy {
	case "", instancestore.AccessPublic, instancestore.AccessAuthenticated, instancestore.AccessRoles:
	default:
		return fmt.Errorf("%w: unknown access policy %q", ErrInvalidInstance, instance.AccessPolicy)
	}
	if instance.AccessPolicy == "" {
		instance.AccessPolicy = instancestore.AccessPublic
	}
	for _, r := range instance.Rules {
		if err := validateRule(r); err != nil {
			return err
		}
	}
	return nil
}

func validateRule(rule instancestore.TargetingRule) error {
	switch rule.Type {
	case instancestore.RuleTypeURLPattern, instancestore.RuleTypePostType,
		instancestore.RuleTypePageID, instancestore.RuleTypeCategory,
		instancestore.RuleTypeUserRole:
	default:
		return fmt.Errorf("%w: unknown rule type %q", ErrInvalidInstance, rule.Type)
	}
	switch rule.Condition {
	case instancestore.CondEquals, instancestore.CondStartsWith,
		instancestore.CondEndsWith, instancestore.CondContains,
		instancestore.CondWildcard:
	default:
		return fmt.Errorf("%w: unknown rule condition %q", ErrInvalidInstance, rule.Condition)
	}
	if rule.Value == "" {
		return fmt.Errorf("%w: rule value is required", ErrInvalidInstance)
	}
	return nil
}
