package migrations

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// ControlMigrations returns the migration set for the control-plane
// database holding tenant records.
func ControlMigrations() []Migration {
	return []Migration{
		controlMigration1_Tenants(),
		controlMigration2_Extensions(),
		controlMigration3_LimitsAndValidators(),
		controlMigration4_BroadcastFlags(),
	}
}

// TenantMigrations returns the migration set applied to every tenant
// dataplane database when its supervisor starts.
func TenantMigrations() []Migration {
	return []Migration{
		tenantMigration1_RealtimeSchema(),
		tenantMigration2_MessagesTopicIndex(),
	}
}

func controlMigration1_Tenants() Migration {
	return Migration{
		Version:     1,
		Description: "Create tenants table",
		Up: func(ctx context.Context, tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, `
				CREATE TABLE IF NOT EXISTS tenants (
					id UUID PRIMARY KEY,
					external_id TEXT UNIQUE NOT NULL,
					name TEXT,
					jwt_secret TEXT NOT NULL,
					jwt_jwks JSONB,
					api_key TEXT UNIQUE,
					max_concurrent_clients INTEGER NOT NULL DEFAULT 200,
					max_events_per_second INTEGER NOT NULL DEFAULT 1000,
					max_joins_per_second INTEGER NOT NULL DEFAULT 500,
					suspended BOOLEAN NOT NULL DEFAULT FALSE,
					inserted_at TIMESTAMPTZ NOT NULL DEFAULT now(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
				)
			`); err != nil {
				return err
			}

			if _, err := tx.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_tenants_external_id ON tenants(external_id)`); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_tenants_api_key ON tenants(api_key)`); err != nil {
				return err
			}

			return nil
		},
	}
}

func controlMigration2_Extensions() Migration {
	return Migration{
		Version:     2,
		Description: "Create extensions table",
		Up: func(ctx context.Context, tx pgx.Tx) error {
			// The UNIQUE constraint keeps a tenant at no more than one
			// extension of each type.
			if _, err := tx.Exec(ctx, `
				CREATE TABLE IF NOT EXISTS extensions (
					id UUID PRIMARY KEY,
					tenant_external_id TEXT NOT NULL REFERENCES tenants(external_id) ON DELETE CASCADE,
					type TEXT NOT NULL,
					settings JSONB NOT NULL DEFAULT '{}'::jsonb,
					inserted_at TIMESTAMPTZ NOT NULL DEFAULT now(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
					UNIQUE (tenant_external_id, type)
				)
			`); err != nil {
				return err
			}

			if _, err := tx.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_extensions_tenant ON extensions(tenant_external_id)`); err != nil {
				return err
			}

			return nil
		},
	}
}

func controlMigration3_LimitsAndValidators() Migration {
	return Migration{
		Version:     3,
		Description: "Add byte/channel limits and claim validators",
		Up: func(ctx context.Context, tx pgx.Tx) error {
			stmts := []string{
				`ALTER TABLE tenants ADD COLUMN IF NOT EXISTS max_bytes_per_second INTEGER NOT NULL DEFAULT 100000`,
				`ALTER TABLE tenants ADD COLUMN IF NOT EXISTS max_channels_per_client INTEGER NOT NULL DEFAULT 100`,
				`ALTER TABLE tenants ADD COLUMN IF NOT EXISTS jwt_claim_validators JSONB NOT NULL DEFAULT '{}'::jsonb`,
			}
			for _, stmt := range stmts {
				if _, err := tx.Exec(ctx, stmt); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func controlMigration4_BroadcastFlags() Migration {
	return Migration{
		Version:     4,
		Description: "Add private_only and persist_broadcasts flags",
		Up: func(ctx context.Context, tx pgx.Tx) error {
			stmts := []string{
				`ALTER TABLE tenants ADD COLUMN IF NOT EXISTS private_only BOOLEAN NOT NULL DEFAULT FALSE`,
				`ALTER TABLE tenants ADD COLUMN IF NOT EXISTS persist_broadcasts BOOLEAN NOT NULL DEFAULT FALSE`,
			}
			for _, stmt := range stmts {
				if _, err := tx.Exec(ctx, stmt); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func tenantMigration1_RealtimeSchema() Migration {
	return Migration{
		Version:     1,
		Description: "Create realtime schema and messages table",
		Up: func(ctx context.Context, tx pgx.Tx) error {
			stmts := []string{
				`CREATE SCHEMA IF NOT EXISTS realtime`,
				`CREATE TABLE IF NOT EXISTS realtime.messages (
					id BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
					topic TEXT NOT NULL,
					event TEXT,
					payload JSONB,
					private BOOLEAN NOT NULL DEFAULT FALSE,
					inserted_at TIMESTAMPTZ NOT NULL DEFAULT now()
				)`,
				// Topic access policies attach to this table; RLS must be
				// on for the authorization probes to mean anything.
				`ALTER TABLE realtime.messages ENABLE ROW LEVEL SECURITY`,
			}
			for _, stmt := range stmts {
				if _, err := tx.Exec(ctx, stmt); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func tenantMigration2_MessagesTopicIndex() Migration {
	return Migration{
		Version:     2,
		Description: "Index persisted messages by topic",
		Up: func(ctx context.Context, tx pgx.Tx) error {
			_, err := tx.Exec(ctx, `CREATE INDEX IF NOT EXISTS messages_topic_inserted_at_idx ON realtime.messages (topic, inserted_at DESC)`)
			return err
		},
	}
}
