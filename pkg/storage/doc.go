// Package storage opens the connections repoperm persists through: the SQL
// database holding permissions and grants (PostgreSQL via lib/pq, or SQLite
// via go-sqlite3) and the optional Redis server backing the shared resolution
// cache.
//
//	db, err := storage.OpenDatabase(ctx, cfg.Database)
//	client, err := storage.OpenRedis(ctx, cfg.Cache)
//
// Schema creation and all queries live in pkg/rbac.
package storage
