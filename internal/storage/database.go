package storage

import (
	"database/sql"
	"fmt"
	"strings"

	"coscene/internal/config"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// Open connects to the configured database.
func Open(dbType string, cfg *config.Config) (*sql.DB, error) {
	dbCfg, ok := cfg.Databases[dbType]
	if !ok {
		return nil, fmt.Errorf("database config for %s not found", dbType)
	}

	var (
		db  *sql.DB
		err error
	)

	switch strings.ToLower(dbType) {
	case "sqlite", "sqlite3":
		if dbCfg.DSN == "" {
			return nil, fmt.Errorf("sqlite dsn must be provided")
		}
		db, err = sql.Open("sqlite3", dbCfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable sqlite foreign keys: %w", err)
		}
	case "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
			dbCfg.Username,
			dbCfg.Password,
			dbCfg.Host,
			dbCfg.Port,
			dbCfg.DBName,
			dbCfg.Params,
		)
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", dbType)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Migrate ensures the required tables are present.
func Migrate(db *sql.DB, driver string) error {
	var stmts []string
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				user_id INTEGER NOT NULL,
				status TEXT NOT NULL DEFAULT 'active'
					CHECK (status IN ('active', 'suspended', 'completed')),
				metadata TEXT,
				last_active_at DATETIME NOT NULL,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id)`,
			`CREATE TABLE IF NOT EXISTS messages (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id INTEGER NOT NULL,
				role TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system')),
				content TEXT NOT NULL,
				metadata TEXT,
				created_at DATETIME NOT NULL,
				FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at)`,
			`CREATE TABLE IF NOT EXISTS scene_versions (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id INTEGER NOT NULL,
				version_number INTEGER NOT NULL,
				parent_version_id INTEGER,
				scene_text TEXT NOT NULL,
				checksum TEXT NOT NULL,
				created_by_message_id INTEGER,
				created_at DATETIME NOT NULL,
				UNIQUE(session_id, version_number),
				FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE,
				FOREIGN KEY(parent_version_id) REFERENCES scene_versions(id) ON DELETE SET NULL,
				FOREIGN KEY(created_by_message_id) REFERENCES messages(id) ON DELETE SET NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_scene_versions_checksum ON scene_versions(checksum)`,
			`CREATE TABLE IF NOT EXISTS renders (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				scene_version_id INTEGER NOT NULL,
				camera_angle TEXT NOT NULL,
				quality TEXT NOT NULL
					CHECK (quality IN ('preview', 'verification', 'final')),
				width INTEGER NOT NULL,
				height INTEGER NOT NULL,
				image_data BLOB NOT NULL,
				render_time_ms INTEGER NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL,
				expires_at DATETIME,
				FOREIGN KEY(scene_version_id) REFERENCES scene_versions(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_renders_scene ON renders(scene_version_id, camera_angle)`,
			`CREATE INDEX IF NOT EXISTS idx_renders_expiry ON renders(expires_at)`,
		}
	case "mysql":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				user_id BIGINT UNSIGNED NOT NULL,
				status VARCHAR(20) NOT NULL DEFAULT 'active',
				metadata MEDIUMTEXT,
				last_active_at DATETIME NOT NULL,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_sessions_user (user_id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS messages (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				session_id BIGINT UNSIGNED NOT NULL,
				role VARCHAR(20) NOT NULL,
				content MEDIUMTEXT NOT NULL,
				metadata MEDIUMTEXT,
				created_at DATETIME NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_messages_session (session_id, created_at),
				CONSTRAINT fk_messages_session FOREIGN KEY (session_id)
					REFERENCES sessions(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS scene_versions (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				session_id BIGINT UNSIGNED NOT NULL,
				version_number INT NOT NULL,
				parent_version_id BIGINT UNSIGNED,
				scene_text MEDIUMTEXT NOT NULL,
				checksum VARCHAR(64) NOT NULL,
				created_by_message_id BIGINT UNSIGNED,
				created_at DATETIME NOT NULL,
				PRIMARY KEY (id),
				UNIQUE KEY uniq_session_version (session_id, version_number),
				INDEX idx_scene_versions_checksum (checksum),
				CONSTRAINT fk_scene_versions_session FOREIGN KEY (session_id)
					REFERENCES sessions(id) ON DELETE CASCADE,
				CONSTRAINT fk_scene_versions_parent FOREIGN KEY (parent_version_id)
					REFERENCES scene_versions(id) ON DELETE SET NULL,
				CONSTRAINT fk_scene_versions_message FOREIGN KEY (created_by_message_id)
					REFERENCES messages(id) ON DELETE SET NULL
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS renders (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				scene_version_id BIGINT UNSIGNED NOT NULL,
				camera_angle VARCHAR(50) NOT NULL,
				quality VARCHAR(20) NOT NULL,
				width INT NOT NULL,
				height INT NOT NULL,
				image_data LONGBLOB NOT NULL,
				render_time_ms INT NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL,
				expires_at DATETIME,
				PRIMARY KEY (id),
				INDEX idx_renders_scene (scene_version_id, camera_angle),
				INDEX idx_renders_expiry (expires_at),
				CONSTRAINT fk_renders_version FOREIGN KEY (scene_version_id)
					REFERENCES scene_versions(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	default:
		return fmt.Errorf("unsupported driver for migration: %s", driver)
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate (%s): %w", driver, err)
		}
	}
	return nil
}
