package tenant

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTenant() *Tenant {
	return &Tenant{
		ExternalID: "acme-prod",
		JWTSecret:  "super-secret",
	}
}

func TestTenantValidate(t *testing.T) {
	tn := validTenant()
	require.NoError(t, tn.Validate())
}

func TestTenantValidate_BadExternalID(t *testing.T) {
	cases := []string{"", "A", "UPPER", "has space", "-leading", "trailing-", "x"}
	for _, id := range cases {
		t.Run(id, func(t *testing.T) {
			tn := validTenant()
			tn.ExternalID = id
			assert.Error(t, tn.Validate())
		})
	}
}

func TestTenantValidate_RequiresJWTMaterial(t *testing.T) {
	tn := validTenant()
	tn.JWTSecret = ""
	assert.Error(t, tn.Validate())

	tn.JWTJWKS = json.RawMessage(`{"keys":[]}`)
	assert.NoError(t, tn.Validate())

	tn.JWTJWKS = json.RawMessage(`{"keys":`)
	assert.Error(t, tn.Validate())
}

func TestTenantValidate_Extensions(t *testing.T) {
	tn := validTenant()
	tn.Extensions = []Extension{{
		Type:     ExtensionTypeCDC,
		Settings: json.RawMessage(`{"db_host":"db.acme.internal","db_name":"acme","db_user":"wavecast"}`),
	}}
	require.NoError(t, tn.Validate())

	tn.Extensions[0].Settings = json.RawMessage(`{"db_host":"db.acme.internal"}`)
	assert.Error(t, tn.Validate(), "missing db_name/db_user must fail")

	tn.Extensions[0].Type = "webhooks"
	assert.Error(t, tn.Validate(), "unknown extension type must fail")
}

func TestDecodeCDCSettings(t *testing.T) {
	ext := Extension{
		Type: ExtensionTypeCDC,
		Settings: json.RawMessage(`{
			"db_host": "db.acme.internal",
			"db_name": "acme",
			"db_user": "wavecast",
			"db_password": "pw",
			"ssl_enforced": true
		}`),
	}

	settings, err := ext.DecodeCDCSettings()
	require.NoError(t, err)
	assert.Equal(t, 5432, settings.DBPort, "port defaults to 5432")
	assert.Equal(t, "postgres://wavecast:pw@db.acme.internal:5432/acme?sslmode=require", settings.URL())
}

func TestDecodeCDCSettings_WrongType(t *testing.T) {
	ext := Extension{Type: "webhooks"}
	_, err := ext.DecodeCDCSettings()
	assert.Error(t, err)
}

func TestCDCExtension(t *testing.T) {
	tn := validTenant()
	assert.Nil(t, tn.CDCExtension())

	tn.Extensions = []Extension{{Type: ExtensionTypeCDC, Settings: json.RawMessage(`{}`)}}
	require.NotNil(t, tn.CDCExtension())
}

func TestSetLimitDefaults(t *testing.T) {
	tn := &Tenant{}
	tn.SetLimitDefaults()

	assert.Equal(t, 200, tn.MaxConcurrentClients)
	assert.Equal(t, 1000, tn.MaxEventsPerSecond)
	assert.Equal(t, 500, tn.MaxJoinsPerSecond)
	assert.Equal(t, 100_000, tn.MaxBytesPerSecond)
	assert.Equal(t, 100, tn.MaxChannelsPerClient)

	tn = &Tenant{MaxEventsPerSecond: 5}
	tn.SetLimitDefaults()
	assert.Equal(t, 5, tn.MaxEventsPerSecond, "explicit limits are preserved")
}
