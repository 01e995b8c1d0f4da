package authz

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns the full schema, ordered.
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create organizations table",
			SQL: `
				CREATE TABLE IF NOT EXISTS organizations (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					slug VARCHAR(255) NOT NULL UNIQUE,
					settings JSONB NOT NULL DEFAULT '{}',
					created_by TEXT,
					created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
				);

				CREATE INDEX idx_organizations_slug ON organizations(slug);
			`,
		},
		{
			Version:     2,
			Description: "Create roles table",
			SQL: `
				CREATE TABLE IF NOT EXISTS roles (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					slug VARCHAR(255) NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					organization_id BIGINT REFERENCES organizations(id) ON DELETE CASCADE,
					rules JSONB NOT NULL DEFAULT '[]',
					is_system BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
					created_by TEXT,
					UNIQUE(slug, organization_id)
				);

				CREATE UNIQUE INDEX idx_roles_system_slug ON roles(slug) WHERE organization_id IS NULL;
				CREATE INDEX idx_roles_organization_id ON roles(organization_id);
			`,
		},
		{
			Version:     3,
			Description: "Create memberships table",
			SQL: `
				CREATE TABLE IF NOT EXISTS memberships (
					id BIGSERIAL PRIMARY KEY,
					organization_id BIGINT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
					principal_id TEXT,
					email VARCHAR(320) NOT NULL DEFAULT '',
					role_id BIGINT NOT NULL REFERENCES roles(id),
					status VARCHAR(20) NOT NULL DEFAULT 'invited',
					invited_by TEXT,
					invitation_token VARCHAR(64),
					created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
				);

				-- principal_id is NULL until an invitation is accepted;
				-- from then on one membership per (organization, principal).
				CREATE UNIQUE INDEX idx_memberships_org_principal ON memberships(organization_id, principal_id) WHERE principal_id IS NOT NULL;
				CREATE UNIQUE INDEX idx_memberships_invited_email ON memberships(organization_id, email) WHERE status = 'invited';
				CREATE INDEX idx_memberships_principal_id ON memberships(principal_id);
				CREATE INDEX idx_memberships_role_id ON memberships(role_id);
				CREATE INDEX idx_memberships_invitation_token ON memberships(invitation_token);
			`,
		},
		{
			Version:     4,
			Description: "Create agents table",
			SQL: `
				CREATE TABLE IF NOT EXISTS agents (
					id BIGSERIAL PRIMARY KEY,
					organization_id BIGINT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
					name VARCHAR(255) NOT NULL,
					slug VARCHAR(255) NOT NULL,
					config JSONB NOT NULL DEFAULT '{}',
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					visibility JSONB NOT NULL DEFAULT '{}',
					created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
					UNIQUE(organization_id, slug)
				);

				CREATE INDEX idx_agents_organization_id ON agents(organization_id);
			`,
		},
		{
			Version:     5,
			Description: "Create data_sources table",
			SQL: `
				CREATE TABLE IF NOT EXISTS data_sources (
					id BIGSERIAL PRIMARY KEY,
					organization_id BIGINT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
					name VARCHAR(255) NOT NULL,
					slug VARCHAR(255) NOT NULL,
					config JSONB NOT NULL DEFAULT '{}',
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					visibility JSONB NOT NULL DEFAULT '{}',
					created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
					UNIQUE(organization_id, slug)
				);

				CREATE INDEX idx_data_sources_organization_id ON data_sources(organization_id);
			`,
		},
		{
			Version:     6,
			Description: "Create agent_overrides table",
			SQL: `
				CREATE TABLE IF NOT EXISTS agent_overrides (
					id BIGSERIAL PRIMARY KEY,
					agent_id BIGINT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
					role_id BIGINT REFERENCES roles(id) ON DELETE CASCADE,
					principal_id TEXT,
					rules JSONB NOT NULL DEFAULT '[]',
					created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
					created_by TEXT,
					CHECK ((role_id IS NULL) != (principal_id IS NULL))
				);

				-- At most one override per (instance, scope target).
				CREATE UNIQUE INDEX idx_agent_overrides_role_scope ON agent_overrides(agent_id, role_id) WHERE role_id IS NOT NULL;
				CREATE UNIQUE INDEX idx_agent_overrides_principal_scope ON agent_overrides(agent_id, principal_id) WHERE principal_id IS NOT NULL;
				CREATE INDEX idx_agent_overrides_agent_id ON agent_overrides(agent_id);
				CREATE INDEX idx_agent_overrides_principal_id ON agent_overrides(principal_id);
			`,
		},
		{
			Version:     7,
			Description: "Create data_source_overrides table",
			SQL: `
				CREATE TABLE IF NOT EXISTS data_source_overrides (
					id BIGSERIAL PRIMARY KEY,
					data_source_id BIGINT NOT NULL REFERENCES data_sources(id) ON DELETE CASCADE,
					role_id BIGINT REFERENCES roles(id) ON DELETE CASCADE,
					principal_id TEXT,
					rules JSONB NOT NULL DEFAULT '[]',
					created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
					created_by TEXT,
					CHECK ((role_id IS NULL) != (principal_id IS NULL))
				);

				CREATE UNIQUE INDEX idx_data_source_overrides_role_scope ON data_source_overrides(data_source_id, role_id) WHERE role_id IS NOT NULL;
				CREATE UNIQUE INDEX idx_data_source_overrides_principal_scope ON data_source_overrides(data_source_id, principal_id) WHERE principal_id IS NOT NULL;
				CREATE INDEX idx_data_source_overrides_data_source_id ON data_source_overrides(data_source_id);
				CREATE INDEX idx_data_source_overrides_principal_id ON data_source_overrides(principal_id);
			`,
		},
		{
			Version:     8,
			Description: "Create audit_log table",
			SQL: `
				CREATE TABLE IF NOT EXISTS audit_log (
					id BIGSERIAL PRIMARY KEY,
					organization_id BIGINT REFERENCES organizations(id) ON DELETE SET NULL,
					actor_id TEXT NOT NULL,
					action VARCHAR(100) NOT NULL,
					resource_type VARCHAR(50) NOT NULL,
					resource_id VARCHAR(255) NOT NULL,
					old_value JSONB,
					new_value JSONB,
					created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
				);

				CREATE INDEX idx_audit_log_created_at ON audit_log(created_at DESC);
				CREATE INDEX idx_audit_log_organization_id ON audit_log(organization_id);
				CREATE INDEX idx_audit_log_actor_id ON audit_log(actor_id);
				CREATE INDEX idx_audit_log_resource ON audit_log(resource_type, resource_id);
			`,
		},
	}
}

// RunMigrations executes all pending migrations
func RunMigrations(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}

	appliedVersions := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		appliedVersions[version] = true
	}
	rows.Close()

	for _, migration := range GetMigrations() {
		if appliedVersions[migration.Version] {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, description) VALUES ($1, $2)",
			migration.Version, migration.Description,
		); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}
