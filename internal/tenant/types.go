package tenant

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Extension types understood by the supervisor.
const (
	ExtensionTypeCDC = "postgres_cdc_rls"
)

// Common tenant errors
var (
	ErrTenantNotFound  = errors.New("tenant not found")
	ErrTenantSuspended = errors.New("tenant suspended")
	ErrTenantExists    = errors.New("tenant already exists")
)

// UnavailableError is returned to callers awaiting tenant readiness
// when a supervisor start step failed.
type UnavailableError struct {
	ExternalID string
	Reason     string
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("tenant %s unavailable: %s", e.ExternalID, e.Reason)
}

var externalIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,61}[a-z0-9]$`)

// Tenant is the control-plane record for one isolated tenant. Created
// and mutated only through the Store; all other components read it via
// the Registry cache.
type Tenant struct {
	ID         string `json:"id"`
	ExternalID string `json:"external_id"`
	Name       string `json:"name,omitempty"`

	// JWT material. JWTSecret verifies HS256 tokens; JWTJWKS holds an
	// optional JSON Web Key Set for asymmetric algorithms.
	JWTSecret          string            `json:"jwt_secret"`
	JWTJWKS            json.RawMessage   `json:"jwt_jwks,omitempty"`
	JWTClaimValidators map[string]string `json:"jwt_claim_validators,omitempty"`

	// APIKey authenticates HTTP fan-in and may select the tenant when
	// no subdomain is present.
	APIKey string `json:"api_key,omitempty"`

	// Limits
	MaxConcurrentClients int `json:"max_concurrent_clients"`
	MaxEventsPerSecond   int `json:"max_events_per_second"`
	MaxJoinsPerSecond    int `json:"max_joins_per_second"`
	MaxBytesPerSecond    int `json:"max_bytes_per_second"`
	MaxChannelsPerClient int `json:"max_channels_per_client"`

	// Flags
	Suspended         bool `json:"suspended"`
	PrivateOnly       bool `json:"private_only"`
	PersistBroadcasts bool `json:"persist_broadcasts"`

	Extensions []Extension `json:"extensions,omitempty"`

	InsertedAt time.Time `json:"inserted_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Extension attaches typed settings to a tenant. At most one extension
// of each type per tenant (enforced by the control schema).
type Extension struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Settings   json.RawMessage `json:"settings"`
	InsertedAt time.Time       `json:"inserted_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// CDCSettings is the decoded settings payload of a postgres_cdc_rls
// extension: where the tenant's database lives and how to poll it.
type CDCSettings struct {
	DBHost     string `json:"db_host"`
	DBPort     int    `json:"db_port"`
	DBName     string `json:"db_name"`
	DBUser     string `json:"db_user"`
	DBPassword string `json:"db_password"`

	SlotName           string `json:"slot_name,omitempty"`
	Publication        string `json:"publication,omitempty"`
	PollIntervalMS     int    `json:"poll_interval_ms,omitempty"`
	PollMaxChanges     int    `json:"poll_max_changes,omitempty"`
	PollMaxRecordBytes int    `json:"poll_max_record_bytes,omitempty"`
	SSLEnforced        bool   `json:"ssl_enforced,omitempty"`
}

// URL renders the tenant dataplane connection string.
func (s CDCSettings) URL() string {
	sslMode := "disable"
	if s.SSLEnforced {
		sslMode = "require"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		s.DBUser, s.DBPassword, s.DBHost, s.DBPort, s.DBName, sslMode)
}

// Validate checks a tenant record before it is written to the control
// database.
func (t *Tenant) Validate() error {
	if !externalIDPattern.MatchString(t.ExternalID) {
		return fmt.Errorf("external_id %q must be a lowercase dns-style label (3-63 chars)", t.ExternalID)
	}

	if t.JWTSecret == "" && len(t.JWTJWKS) == 0 {
		return errors.New("either jwt_secret or jwt_jwks is required")
	}

	if len(t.JWTJWKS) > 0 && !json.Valid(t.JWTJWKS) {
		return errors.New("jwt_jwks is not valid JSON")
	}

	for _, ext := range t.Extensions {
		if err := ext.Validate(); err != nil {
			return err
		}
	}

	return nil
}

// Validate checks an extension's type and settings shape.
func (e *Extension) Validate() error {
	switch e.Type {
	case ExtensionTypeCDC:
		settings, err := e.DecodeCDCSettings()
		if err != nil {
			return err
		}
		if settings.DBHost == "" || settings.DBName == "" || settings.DBUser == "" {
			return errors.New("postgres_cdc_rls settings require db_host, db_name and db_user")
		}
		return nil
	default:
		return fmt.Errorf("unknown extension type %q", e.Type)
	}
}

// DecodeCDCSettings parses the extension settings as CDCSettings.
func (e *Extension) DecodeCDCSettings() (*CDCSettings, error) {
	if e.Type != ExtensionTypeCDC {
		return nil, fmt.Errorf("extension is %q, not %q", e.Type, ExtensionTypeCDC)
	}
	var settings CDCSettings
	if err := json.Unmarshal(e.Settings, &settings); err != nil {
		return nil, fmt.Errorf("invalid postgres_cdc_rls settings: %w", err)
	}
	if settings.DBPort == 0 {
		settings.DBPort = 5432
	}
	return &settings, nil
}

// CDCExtension returns the tenant's postgres_cdc_rls extension, if any.
func (t *Tenant) CDCExtension() *Extension {
	for i := range t.Extensions {
		if t.Extensions[i].Type == ExtensionTypeCDC {
			return &t.Extensions[i]
		}
	}
	return nil
}

// SetLimitDefaults fills zero-valued limits with their defaults.
func (t *Tenant) SetLimitDefaults() {
	if t.MaxConcurrentClients == 0 {
		t.MaxConcurrentClients = 200
	}
	if t.MaxEventsPerSecond == 0 {
		t.MaxEventsPerSecond = 1000
	}
	if t.MaxJoinsPerSecond == 0 {
		t.MaxJoinsPerSecond = 500
	}
	if t.MaxBytesPerSecond == 0 {
		t.MaxBytesPerSecond = 100_000
	}
	if t.MaxChannelsPerClient == 0 {
		t.MaxChannelsPerClient = 100
	}
}
