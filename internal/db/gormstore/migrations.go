// Package gormstore runs versioned schema migrations for the chronicle
// store using gormigrate over an already-open SQLite connection.
package gormstore

import (
	"database/sql"
	"fmt"

	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Migrate applies all pending migrations to the given connection.
func Migrate(sqlDB *sql.DB) error {
	db, err := gorm.Open(sqlite.Dialector{Conn: sqlDB, DriverName: "sqlite"}, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return fmt.Errorf("open gorm: %w", err)
	}

	m := gormigrate.New(db, gormigrate.DefaultOptions, migrations())
	if err := m.Migrate(); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func migrations() []*gormigrate.Migration {
	return []*gormigrate.Migration{
		// Migration 001: conversation tables. Foreign keys cascade so that
		// an external retention process deleting a session or message takes
		// its children with it.
		{
			ID: "001_conversation_tables",
			Migrate: func(tx *gorm.DB) error {
				stmts := []string{
					`CREATE TABLE IF NOT EXISTS sessions (
						id TEXT PRIMARY KEY,
						origin_session_id TEXT NOT NULL,
						source_path TEXT NOT NULL,
						created_at TEXT NOT NULL,
						created_at_epoch INTEGER NOT NULL
					)`,
					`CREATE TABLE IF NOT EXISTS messages (
						id TEXT PRIMARY KEY,
						session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
						kind TEXT NOT NULL CHECK (kind IN ('user','assistant','system','summary','tool_carrier')),
						timestamp TEXT NOT NULL,
						timestamp_epoch INTEGER NOT NULL,
						parent_id TEXT,
						is_sidechain INTEGER NOT NULL DEFAULT 0,
						is_system_text INTEGER NOT NULL DEFAULT 0,
						user_text TEXT,
						assistant_text TEXT,
						summary_project TEXT,
						summary_active_file TEXT,
						tool_use_id TEXT
					)`,
					`CREATE TABLE IF NOT EXISTS tool_uses (
						id TEXT PRIMARY KEY,
						message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
						session_id TEXT NOT NULL,
						tool_name TEXT NOT NULL,
						params_json TEXT NOT NULL DEFAULT '{}',
						created_at TEXT NOT NULL,
						created_at_epoch INTEGER NOT NULL
					)`,
					`CREATE TABLE IF NOT EXISTS tool_results (
						id TEXT PRIMARY KEY,
						tool_use_id TEXT NOT NULL UNIQUE REFERENCES tool_uses(id) ON DELETE CASCADE,
						message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
						session_id TEXT NOT NULL,
						output TEXT,
						output_type TEXT NOT NULL DEFAULT 'text',
						error TEXT,
						error_kind TEXT,
						created_at TEXT NOT NULL,
						created_at_epoch INTEGER NOT NULL
					)`,
					`CREATE TABLE IF NOT EXISTS attachments (
						id TEXT PRIMARY KEY,
						message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
						session_id TEXT NOT NULL,
						type TEXT NOT NULL CHECK (type IN ('file','text','url')),
						file_path TEXT,
						content TEXT,
						url TEXT
					)`,
					`CREATE TABLE IF NOT EXISTS env_infos (
						message_id TEXT PRIMARY KEY REFERENCES messages(id) ON DELETE CASCADE,
						session_id TEXT NOT NULL,
						working_dir TEXT,
						platform TEXT,
						git_branch TEXT,
						version TEXT
					)`,
				}
				for _, s := range stmts {
					if err := tx.Exec(s).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(
					"env_infos", "attachments", "tool_results", "tool_uses", "messages", "sessions",
				)
			},
		},

		// Migration 002: indexes for the query workload.
		{
			ID: "002_query_indexes",
			Migrate: func(tx *gorm.DB) error {
				stmts := []string{
					`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id)`,
					`CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp_epoch)`,
					`CREATE INDEX IF NOT EXISTS idx_messages_kind ON messages(kind)`,
					`CREATE INDEX IF NOT EXISTS idx_tool_uses_message ON tool_uses(message_id)`,
					`CREATE INDEX IF NOT EXISTS idx_tool_uses_name ON tool_uses(tool_name)`,
					`CREATE INDEX IF NOT EXISTS idx_tool_results_message ON tool_results(message_id)`,
					`CREATE INDEX IF NOT EXISTS idx_attachments_message ON attachments(message_id)`,
				}
				for _, s := range stmts {
					if err := tx.Exec(s).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				stmts := []string{
					"DROP INDEX IF EXISTS idx_messages_session",
					"DROP INDEX IF EXISTS idx_messages_timestamp",
					"DROP INDEX IF EXISTS idx_messages_kind",
					"DROP INDEX IF EXISTS idx_tool_uses_message",
					"DROP INDEX IF EXISTS idx_tool_uses_name",
					"DROP INDEX IF EXISTS idx_tool_results_message",
					"DROP INDEX IF EXISTS idx_attachments_message",
				}
				for _, s := range stmts {
					if err := tx.Exec(s).Error; err != nil {
						return err
					}
				}
				return nil
			},
		},

		// Migration 003: per-file sync offsets for resumable ingestion.
		{
			ID: "003_sync_offsets",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&SyncOffset{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("sync_offsets")
			},
		},
	}
}
