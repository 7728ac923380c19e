// Package config loads repoperm configuration from an optional YAML file and
// environment variables.
//
// Defaults come from Default. When REPOPERM_CONFIG names a file it is applied
// next, and REPOPERM_* environment variables override both.
//
// Server settings:
//
//	REPOPERM_HOST="0.0.0.0"
//	REPOPERM_PORT="8080"
//	REPOPERM_HEALTH_PORT="9090"
//	REPOPERM_CORS_ORIGINS="https://hg.example.com,https://ci.example.com"
//
// Database settings:
//
//	REPOPERM_DB_DRIVER="postgres"  # postgres, sqlite3
//	REPOPERM_DB_DSN="postgres://localhost/repoperm?sslmode=disable"
//	REPOPERM_DB_MAX_OPEN_CONNS="20"
//
// Resolution cache:
//
//	REPOPERM_CACHE_TYPE="redis"  # none, memory, redis
//	REPOPERM_CACHE_TTL="5m"
//	REPOPERM_REDIS_URL="redis://localhost:6379/0"
//
// Audit and repair:
//
//	REPOPERM_AUDIT_DIR="/var/log/repoperm/audit"
//	REPOPERM_AUDIT_DATABASE="true"
//	REPOPERM_REPAIR_SCHEDULE="@hourly"  # empty disables
//
// Observability settings:
//
//	REPOPERM_LOG_LEVEL="info"  # debug, info, warn, error
//	REPOPERM_OTEL_ENABLED="true"
//	REPOPERM_OTEL_ENDPOINT="otel-collector:4317"
package config
