package storage

import (
	"database/sql"
	"fmt"
	"strings"

	"logosrelay/internal/config"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// Normalize maps driver aliases onto the database/sql driver names.
func Normalize(dbType string) string {
	switch strings.ToLower(strings.TrimSpace(dbType)) {
	case "sqlite", "sqlite3":
		return "sqlite3"
	case "mysql":
		return "mysql"
	default:
		return strings.ToLower(dbType)
	}
}

// Open connects to the database configured for dbType.
func Open(dbType string, cfg *config.Config) (*sql.DB, error) {
	driver := Normalize(dbType)
	dbCfg, ok := cfg.Databases[driver]
	if !ok {
		return nil, fmt.Errorf("database config for %s not found", dbType)
	}

	var (
		db  *sql.DB
		err error
	)

	switch driver {
	case "sqlite3":
		if dbCfg.DSN == "" {
			return nil, fmt.Errorf("sqlite dsn must be provided")
		}
		db, err = sql.Open("sqlite3", dbCfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		// One writer at a time; also keeps ":memory:" databases on a single connection.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable sqlite foreign keys: %w", err)
		}
	case "mysql":
		dsn := dbCfg.DSN
		if dsn == "" {
			dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
				dbCfg.Username,
				dbCfg.Password,
				dbCfg.Host,
				dbCfg.Port,
				dbCfg.DBName,
				dbCfg.Params,
			)
		}
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

// Migrate ensures the session tables are present.
func Migrate(db *sql.DB, dbType string) error {
	var stmts []string
	switch Normalize(dbType) {
	case "sqlite3":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS relay_sessions (
				session_key TEXT PRIMARY KEY,
				created_at DATETIME NOT NULL,
				last_activity DATETIME NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS relay_turns (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				session_key TEXT NOT NULL,
				position INTEGER NOT NULL,
				role TEXT NOT NULL,
				content TEXT NOT NULL,
				FOREIGN KEY(session_key) REFERENCES relay_sessions(session_key) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_relay_turns_session ON relay_turns(session_key, position)`,
			`CREATE INDEX IF NOT EXISTS idx_relay_sessions_activity ON relay_sessions(last_activity)`,
		}
	case "mysql":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS relay_sessions (
				session_key VARCHAR(255) NOT NULL,
				created_at DATETIME(6) NOT NULL,
				last_activity DATETIME(6) NOT NULL,
				PRIMARY KEY (session_key),
				INDEX idx_relay_sessions_activity (last_activity)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS relay_turns (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				session_key VARCHAR(255) NOT NULL,
				position INT NOT NULL,
				role VARCHAR(50) NOT NULL,
				content MEDIUMTEXT NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_relay_turns_session (session_key, position),
				CONSTRAINT fk_relay_turns_session FOREIGN KEY (session_key) REFERENCES relay_sessions(session_key) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	default:
		return fmt.Errorf("unsupported driver for migration: %s", dbType)
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate (%s): %w", dbType, err)
		}
	}
	return nil
}
