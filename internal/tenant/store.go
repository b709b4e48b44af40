package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

const tenantColumns = `id, external_id, name, jwt_secret, jwt_jwks, api_key,
	max_concurrent_clients, max_events_per_second, max_joins_per_second,
	max_bytes_per_second, max_channels_per_client, jwt_claim_validators,
	suspended, private_only, persist_broadcasts, inserted_at, updated_at`

// Store persists tenant records in the control database.
type Store struct {
	pool   *pgxpool.Pool
	logger *logrus.Entry
}

// NewStore creates a tenant store over the control pool.
func NewStore(pool *pgxpool.Pool, logger *logrus.Entry) *Store {
	return &Store{
		pool:   pool,
		logger: logger,
	}
}

// Create inserts a tenant and its extensions in one transaction.
func (s *Store) Create(ctx context.Context, t *Tenant) error {
	t.SetLimitDefaults()
	if err := t.Validate(); err != nil {
		return err
	}

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	t.InsertedAt = now
	t.UpdatedAt = now

	validators, err := json.Marshal(claimValidatorsOrEmpty(t.JWTClaimValidators))
	if err != nil {
		return fmt.Errorf("failed to encode claim validators: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO tenants (id, external_id, name, jwt_secret, jwt_jwks, api_key,
			max_concurrent_clients, max_events_per_second, max_joins_per_second,
			max_bytes_per_second, max_channels_per_client, jwt_claim_validators,
			suspended, private_only, persist_broadcasts, inserted_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, t.ID, t.ExternalID, t.Name, t.JWTSecret, nullableJSON(t.JWTJWKS), nullableString(t.APIKey),
		t.MaxConcurrentClients, t.MaxEventsPerSecond, t.MaxJoinsPerSecond,
		t.MaxBytesPerSecond, t.MaxChannelsPerClient, validators,
		t.Suspended, t.PrivateOnly, t.PersistBroadcasts, t.InsertedAt, t.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrTenantExists
		}
		return fmt.Errorf("failed to create tenant: %w", err)
	}

	for i := range t.Extensions {
		if err := upsertExtension(ctx, tx, t.ExternalID, &t.Extensions[i], now); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// GetByExternalID retrieves a tenant, with extensions, by external id.
func (s *Store) GetByExternalID(ctx context.Context, externalID string) (*Tenant, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM tenants WHERE external_id = $1
	`, tenantColumns), externalID)

	t, err := scanTenant(row)
	if err != nil {
		return nil, err
	}

	if err := s.loadExtensions(ctx, t); err != nil {
		return nil, err
	}

	return t, nil
}

// GetByAPIKey retrieves a tenant by its API key.
func (s *Store) GetByAPIKey(ctx context.Context, apiKey string) (*Tenant, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM tenants WHERE api_key = $1
	`, tenantColumns), apiKey)

	t, err := scanTenant(row)
	if err != nil {
		return nil, err
	}

	if err := s.loadExtensions(ctx, t); err != nil {
		return nil, err
	}

	return t, nil
}

// List returns all tenants without their extensions.
func (s *Store) List(ctx context.Context) ([]*Tenant, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM tenants ORDER BY external_id ASC
	`, tenantColumns))
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []*Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}

	return tenants, rows.Err()
}

// Update rewrites a tenant's mutable fields and upserts its extensions.
func (s *Store) Update(ctx context.Context, t *Tenant) error {
	t.SetLimitDefaults()
	if err := t.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	t.UpdatedAt = now

	validators, err := json.Marshal(claimValidatorsOrEmpty(t.JWTClaimValidators))
	if err != nil {
		return fmt.Errorf("failed to encode claim validators: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE tenants SET
			name = $2, jwt_secret = $3, jwt_jwks = $4, api_key = $5,
			max_concurrent_clients = $6, max_events_per_second = $7,
			max_joins_per_second = $8, max_bytes_per_second = $9,
			max_channels_per_client = $10, jwt_claim_validators = $11,
			suspended = $12, private_only = $13, persist_broadcasts = $14,
			updated_at = $15
		WHERE external_id = $1
	`, t.ExternalID, t.Name, t.JWTSecret, nullableJSON(t.JWTJWKS), nullableString(t.APIKey),
		t.MaxConcurrentClients, t.MaxEventsPerSecond, t.MaxJoinsPerSecond,
		t.MaxBytesPerSecond, t.MaxChannelsPerClient, validators,
		t.Suspended, t.PrivateOnly, t.PersistBroadcasts, now)
	if err != nil {
		return fmt.Errorf("failed to update tenant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTenantNotFound
	}

	for i := range t.Extensions {
		if err := upsertExtension(ctx, tx, t.ExternalID, &t.Extensions[i], now); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// Delete removes a tenant; extensions cascade.
func (s *Store) Delete(ctx context.Context, externalID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tenants WHERE external_id = $1`, externalID)
	if err != nil {
		return fmt.Errorf("failed to delete tenant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTenantNotFound
	}

	s.logger.WithField("tenant", externalID).Info("Tenant deleted")
	return nil
}

func (s *Store) loadExtensions(ctx context.Context, t *Tenant) error {
	rows, err := s.pool.Query(ctx, `
		SELECT id, type, settings, inserted_at, updated_at
		FROM extensions
		WHERE tenant_external_id = $1
		ORDER BY type ASC
	`, t.ExternalID)
	if err != nil {
		return fmt.Errorf("failed to load extensions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ext Extension
		if err := rows.Scan(&ext.ID, &ext.Type, &ext.Settings, &ext.InsertedAt, &ext.UpdatedAt); err != nil {
			return fmt.Errorf("failed to scan extension: %w", err)
		}
		t.Extensions = append(t.Extensions, ext)
	}

	return rows.Err()
}

func upsertExtension(ctx context.Context, tx pgx.Tx, externalID string, ext *Extension, now time.Time) error {
	if ext.ID == "" {
		ext.ID = uuid.NewString()
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO extensions (id, tenant_external_id, type, settings, inserted_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (tenant_external_id, type)
		DO UPDATE SET settings = EXCLUDED.settings, updated_at = EXCLUDED.updated_at
	`, ext.ID, externalID, ext.Type, ext.Settings, now)
	if err != nil {
		return fmt.Errorf("failed to upsert %s extension: %w", ext.Type, err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTenant(row rowScanner) (*Tenant, error) {
	var (
		t          Tenant
		jwks       []byte
		apiKey     *string
		validators []byte
	)

	err := row.Scan(
		&t.ID,
		&t.ExternalID,
		&t.Name,
		&t.JWTSecret,
		&jwks,
		&apiKey,
		&t.MaxConcurrentClients,
		&t.MaxEventsPerSecond,
		&t.MaxJoinsPerSecond,
		&t.MaxBytesPerSecond,
		&t.MaxChannelsPerClient,
		&validators,
		&t.Suspended,
		&t.PrivateOnly,
		&t.PersistBroadcasts,
		&t.InsertedAt,
		&t.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan tenant: %w", err)
	}

	if len(jwks) > 0 {
		t.JWTJWKS = json.RawMessage(jwks)
	}
	if apiKey != nil {
		t.APIKey = *apiKey
	}
	if len(validators) > 0 {
		if err := json.Unmarshal(validators, &t.JWTClaimValidators); err != nil {
			return nil, fmt.Errorf("failed to decode claim validators: %w", err)
		}
	}

	return &t, nil
}

func claimValidatorsOrEmpty(v map[string]string) map[string]string {
	if v == nil {
		return map[string]string{}
	}
	return v
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
