package rbac

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Dialect selects the SQL flavour migrations are rendered for.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite3"
)

// ParseDialect maps a database/sql driver name to a Dialect.
func ParseDialect(driver string) (Dialect, error) {
	switch driver {
	case "postgres", "pgx":
		return DialectPostgres, nil
	case "sqlite3", "sqlite":
		return DialectSQLite, nil
	}
	return "", fmt.Errorf("unsupported database driver %q: %w", driver, ErrInvalidArgument)
}

func (d Dialect) replacer() *strings.Replacer {
	if d == DialectSQLite {
		return strings.NewReplacer(
			"{{serial}}", "INTEGER PRIMARY KEY AUTOINCREMENT",
			"{{timestamp}}", "DATETIME",
			"{{json}}", "TEXT",
		)
	}
	return strings.NewReplacer(
		"{{serial}}", "BIGSERIAL PRIMARY KEY",
		"{{timestamp}}", "TIMESTAMP",
		"{{json}}", "JSONB",
	)
}

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Render returns the migration SQL for a dialect.
func (m Migration) Render(d Dialect) string {
	return d.replacer().Replace(m.SQL)
}

// GetMigrations returns all permission engine migrations
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create permissions and entity tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS permissions (
					id {{serial}},
					permission_name VARCHAR(255) NOT NULL UNIQUE,
					permission_longname VARCHAR(255) NOT NULL DEFAULT ''
				);

				CREATE TABLE IF NOT EXISTS users (
					id {{serial}},
					username VARCHAR(255) NOT NULL UNIQUE,
					api_key VARCHAR(255) NOT NULL DEFAULT '',
					active BOOLEAN NOT NULL DEFAULT TRUE,
					admin BOOLEAN NOT NULL DEFAULT FALSE,
					is_default BOOLEAN NOT NULL DEFAULT FALSE,
					inherit_default_permissions BOOLEAN NOT NULL DEFAULT TRUE,
					created_at {{timestamp}} NOT NULL DEFAULT CURRENT_TIMESTAMP
				);

				CREATE INDEX IF NOT EXISTS idx_users_api_key ON users(api_key);

				CREATE TABLE IF NOT EXISTS user_groups (
					id {{serial}},
					name VARCHAR(255) NOT NULL UNIQUE,
					active BOOLEAN NOT NULL DEFAULT TRUE,
					owner_id BIGINT NOT NULL REFERENCES users(id)
				);

				CREATE TABLE IF NOT EXISTS user_group_members (
					id {{serial}},
					user_group_id BIGINT NOT NULL REFERENCES user_groups(id) ON DELETE CASCADE,
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					UNIQUE(user_group_id, user_id)
				);

				CREATE INDEX IF NOT EXISTS idx_user_group_members_user_id ON user_group_members(user_id);

				CREATE TABLE IF NOT EXISTS repo_groups (
					id {{serial}},
					name VARCHAR(255) NOT NULL UNIQUE,
					parent_group_id BIGINT REFERENCES repo_groups(id),
					owner_id BIGINT NOT NULL REFERENCES users(id)
				);

				CREATE INDEX IF NOT EXISTS idx_repo_groups_parent ON repo_groups(parent_group_id);

				CREATE TABLE IF NOT EXISTS repositories (
					id {{serial}},
					name VARCHAR(255) NOT NULL UNIQUE,
					group_id BIGINT REFERENCES repo_groups(id),
					owner_id BIGINT NOT NULL REFERENCES users(id),
					private BOOLEAN NOT NULL DEFAULT FALSE
				);

				CREATE INDEX IF NOT EXISTS idx_repositories_group_id ON repositories(group_id);
			`,
		},
		{
			Version:     2,
			Description: "Create object grant tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS repo_to_perm (
					id {{serial}},
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					repository_id BIGINT NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
					permission_id BIGINT NOT NULL REFERENCES permissions(id),
					UNIQUE(user_id, repository_id)
				);

				CREATE TABLE IF NOT EXISTS user_group_repo_to_perm (
					id {{serial}},
					user_group_id BIGINT NOT NULL REFERENCES user_groups(id) ON DELETE CASCADE,
					repository_id BIGINT NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
					permission_id BIGINT NOT NULL REFERENCES permissions(id),
					UNIQUE(user_group_id, repository_id)
				);

				CREATE TABLE IF NOT EXISTS user_repo_group_to_perm (
					id {{serial}},
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					group_id BIGINT NOT NULL REFERENCES repo_groups(id) ON DELETE CASCADE,
					permission_id BIGINT NOT NULL REFERENCES permissions(id),
					UNIQUE(user_id, group_id)
				);

				CREATE TABLE IF NOT EXISTS user_group_repo_group_to_perm (
					id {{serial}},
					user_group_id BIGINT NOT NULL REFERENCES user_groups(id) ON DELETE CASCADE,
					group_id BIGINT NOT NULL REFERENCES repo_groups(id) ON DELETE CASCADE,
					permission_id BIGINT NOT NULL REFERENCES permissions(id),
					UNIQUE(user_group_id, group_id)
				);

				CREATE TABLE IF NOT EXISTS user_user_group_to_perm (
					id {{serial}},
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					user_group_id BIGINT NOT NULL REFERENCES user_groups(id) ON DELETE CASCADE,
					permission_id BIGINT NOT NULL REFERENCES permissions(id),
					UNIQUE(user_id, user_group_id)
				);

				CREATE TABLE IF NOT EXISTS user_group_user_group_to_perm (
					id {{serial}},
					user_group_id BIGINT NOT NULL REFERENCES user_groups(id) ON DELETE CASCADE,
					target_user_group_id BIGINT NOT NULL REFERENCES user_groups(id) ON DELETE CASCADE,
					permission_id BIGINT NOT NULL REFERENCES permissions(id),
					UNIQUE(user_group_id, target_user_group_id)
				);

				CREATE INDEX IF NOT EXISTS idx_repo_to_perm_repository ON repo_to_perm(repository_id);
				CREATE INDEX IF NOT EXISTS idx_user_repo_group_to_perm_group ON user_repo_group_to_perm(group_id);
			`,
		},
		{
			Version:     3,
			Description: "Create global grant tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS user_to_perm (
					id {{serial}},
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					permission_id BIGINT NOT NULL REFERENCES permissions(id),
					UNIQUE(user_id, permission_id)
				);

				CREATE TABLE IF NOT EXISTS user_group_to_perm (
					id {{serial}},
					user_group_id BIGINT NOT NULL REFERENCES user_groups(id) ON DELETE CASCADE,
					permission_id BIGINT NOT NULL REFERENCES permissions(id),
					UNIQUE(user_group_id, permission_id)
				);
			`,
		},
		{
			Version:     4,
			Description: "Create user action log table",
			SQL: `
				CREATE TABLE IF NOT EXISTS user_logs (
					id {{serial}},
					event_id VARCHAR(64) NOT NULL,
					event_type VARCHAR(100) NOT NULL,
					status VARCHAR(20) NOT NULL,
					actor_id BIGINT,
					actor_name VARCHAR(255) NOT NULL DEFAULT '',
					object_kind VARCHAR(50) NOT NULL DEFAULT '',
					object_name VARCHAR(255) NOT NULL DEFAULT '',
					subject_kind VARCHAR(50) NOT NULL DEFAULT '',
					subject_name VARCHAR(255) NOT NULL DEFAULT '',
					permission VARCHAR(255) NOT NULL DEFAULT '',
					message TEXT NOT NULL DEFAULT '',
					details {{json}},
					created_at {{timestamp}} NOT NULL DEFAULT CURRENT_TIMESTAMP
				);

				CREATE INDEX IF NOT EXISTS idx_user_logs_created_at ON user_logs(created_at);
				CREATE INDEX IF NOT EXISTS idx_user_logs_object ON user_logs(object_kind, object_name);
			`,
		},
	}
}

// RunMigrations applies pending migrations for the dialect and returns how many ran.
func RunMigrations(ctx context.Context, db *sql.DB, dialect Dialect) (int, error) {
	// Create migration tracking table
	_, err := db.ExecContext(ctx, dialect.replacer().Replace(`
		CREATE TABLE IF NOT EXISTS rbac_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at {{timestamp}} NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`))
	if err != nil {
		return 0, fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM rbac_migrations ORDER BY version")
	if err != nil {
		return 0, fmt.Errorf("failed to query migrations: %w", err)
	}

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to read migrations: %w", err)
	}

	count := 0
	for _, migration := range GetMigrations() {
		if applied[migration.Version] {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return count, fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, migration.Render(dialect)); err != nil {
			tx.Rollback()
			return count, fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO rbac_migrations (version, description) VALUES ($1, $2)",
			migration.Version, migration.Description,
		); err != nil {
			tx.Rollback()
			return count, fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return count, fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
		count++
	}

	return count, nil
}
