package instancestore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	libdb "github.com/chatwire/chatwire/libdbexec"
	"github.com/google/uuid"
)

//go:embed schema.sql
var Schema string

//go:embed schema_sqlite.sql
var SchemaSQLite string

type store struct {
	Exec libdb.Exec
}

// New creates a new instance store.
func New(exec libdb.Exec) Store {
	if exec == nil {
		panic("SERVER BUG: instancestore.New called with nil exec")
	}
	return &store{Exec: exec}
}

const instanceColumns = `
	id, name, enabled, is_default, webhook_url, webhook_fingerprint,
	title, greeting, system_template,
	targeting_enabled, priority, ordinal, rules,
	access_policy, allowed_roles, fallback, features,
	created_at, updated_at`

func (s *store) Create(ctx context.Context, instance *Instance) error {
	now := time.Now().UTC()
	instance.CreatedAt = now
	instance.UpdatedAt = now
	if instance.ID == "" {
		instance.ID = uuid.NewString()
	}

	rulesJSON, rolesJSON, fallbackJSON, featuresJSON, err := marshalInstanceColumns(instance)
	if err != nil {
		return err
	}

	_, err = s.Exec.ExecContext(ctx, `
		INSERT INTO chat_instances (`+instanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		instance.ID,
		instance.Name,
		instance.Enabled,
		instance.IsDefault,
		instance.WebhookURL,
		instance.WebhookFingerprint,
		instance.Title,
		instance.Greeting,
		instance.SystemTemplate,
		instance.TargetingEnabled,
		instance.Priority,
		instance.Position,
		rulesJSON,
		instance.AccessPolicy,
		rolesJSON,
		fallbackJSON,
		featuresJSON,
		instance.CreatedAt,
		instance.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create instance: %w", err)
	}
	return nil
}

func (s *store) Update(ctx context.Context, instance *Instance) error {
	instance.UpdatedAt = time.Now().UTC()

	rulesJSON, rolesJSON, fallbackJSON, featuresJSON, err := marshalInstanceColumns(instance)
	if err != nil {
		return err
	}

	result, err := s.Exec.ExecContext(ctx, `
		UPDATE chat_instances
		SET name = $2, enabled = $3, is_default = $4, webhook_url = $5,
			webhook_fingerprint = $6, title = $7, greeting = $8,
			system_template = $9, targeting_enabled = $10, priority = $11,
			ordinal = $12, rules = $13, access_policy = $14,
			allowed_roles = $15, fallback = $16, features = $17, updated_at = $18
		WHERE id = $1`,
		instance.ID,
		instance.Name,
		instance.Enabled,
		instance.IsDefault,
		instance.WebhookURL,
		instance.WebhookFingerprint,
		instance.Title,
		instance.Greeting,
		instance.SystemTemplate,
		instance.TargetingEnabled,
		instance.Priority,
		instance.Position,
		rulesJSON,
		instance.AccessPolicy,
		rolesJSON,
		fallbackJSON,
		featuresJSON,
		instance.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update instance: %w", err)
	}
	return checkRowsAffected(result)
}

func (s *store) Get(ctx context.Context, id string) (*Instance, error) {
	row := s.Exec.QueryRowContext(ctx, `
		SELECT `+instanceColumns+`
		FROM chat_instances
		WHERE id = $1`, id)
	return scanInstance(row)
}

func (s *store) GetByName(ctx context.Context, name string) (*Instance, error) {
	row := s.Exec.QueryRowContext(ctx, `
		SELECT `+instanceColumns+`
		FROM chat_instances
		WHERE name = $1`, name)
	return scanInstance(row)
}

func (s *store) List(ctx context.Context) ([]*Instance, error) {
	return s.list(ctx, `
		SELECT `+instanceColumns+`
		FROM chat_instances
		ORDER BY ordinal ASC, created_at ASC`)
}

func (s *store) ListEnabled(ctx context.Context) ([]*Instance, error) {
	return s.list(ctx, `
		SELECT `+instanceColumns+`
		FROM chat_instances
		WHERE enabled = TRUE
		ORDER BY ordinal ASC, created_at ASC`)
}

func (s *store) list(ctx context.Context, query string) ([]*Instance, error) {
	rows, err := s.Exec.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query instances: %w", err)
	}
	defer rows.Close()

	instances := []*Instance{}
	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, instance)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return instances, nil
}

func (s *store) Delete(ctx context.Context, id string) error {
	result, err := s.Exec.ExecContext(ctx, `
		DELETE FROM chat_instances
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete instance: %w", err)
	}
	return checkRowsAffected(result)
}

func marshalInstanceColumns(instance *Instance) (rules, roles, fallback, features []byte, err error) {
	if instance.Rules == nil {
		instance.Rules = []TargetingRule{}
	}
	rules, err = json.Marshal(instance.Rules)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal rules: %w", err)
	}
	if instance.AllowedRoles == nil {
		instance.AllowedRoles = []string{}
	}
	roles, err = json.Marshal(instance.AllowedRoles)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal allowed roles: %w", err)
	}
	fallback, err = json.Marshal(instance.Fallback)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal fallback policy: %w", err)
	}
	features, err = json.Marshal(instance.Features)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal features: %w", err)
	}
	return rules, roles, fallback, features, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*Instance, error) {
	var instance Instance
	var rulesJSON, rolesJSON, fallbackJSON, featuresJSON []byte

	err := row.Scan(
		&instance.ID,
		&instance.Name,
		&instance.Enabled,
		&instance.IsDefault,
		&instance.WebhookURL,
		&instance.WebhookFingerprint,
		&instance.Title,
		&instance.Greeting,
		&instance.SystemTemplate,
		&instance.TargetingEnabled,
		&instance.Priority,
		&instance.Position,
		&rulesJSON,
		&instance.AccessPolicy,
		&rolesJSON,
		&fallbackJSON,
		&featuresJSON,
		&instance.CreatedAt,
		&instance.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, libdb.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan instance: %w", err)
	}

	if err := json.Unmarshal(rulesJSON, &instance.Rules); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rules: %w", err)
	}
	if err := json.Unmarshal(rolesJSON, &instance.AllowedRoles); err != nil {
		return nil, fmt.Errorf("failed to unmarshal allowed roles: %w", err)
	}
	if err := json.Unmarshal(fallbackJSON, &instance.Fallback); err != nil {
		return nil, fmt.Errorf("failed to unmarshal fallback policy: %w", err)
	}
	if err := json.Unmarshal(featuresJSON, &instance.Features); err != nil {
		return nil, fmt.Errorf("failed to unmarshal features: %w", err)
	}
	return &instance, nil
}

func checkRowsAffected(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return libdb.ErrNotFound
	}
	return nil
}
