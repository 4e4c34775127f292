package database

import (
	"database/sql"
	"fmt"

	"replant/internal/apperr"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a row scoped to the caller does not exist.
var ErrNotFound = apperr.ErrNotFound

func Initialize(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

func Migrate(db *sql.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS categories (
			key TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			emoji TEXT NOT NULL DEFAULT '',
			color TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			sort_order INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS character_templates (
			level INTEGER PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			image_url TEXT NOT NULL DEFAULT '',
			max_experience INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS characters (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			category TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			custom_name BOOLEAN NOT NULL DEFAULT FALSE,
			level INTEGER NOT NULL DEFAULT 1,
			experience INTEGER NOT NULL DEFAULT 0,
			max_experience INTEGER NOT NULL DEFAULT 100,
			total_experience INTEGER NOT NULL DEFAULT 0,
			unlocked BOOLEAN NOT NULL DEFAULT FALSE,
			unlocked_date DATETIME,
			missions_completed INTEGER NOT NULL DEFAULT 0,
			streak INTEGER NOT NULL DEFAULT 0,
			longest_streak INTEGER NOT NULL DEFAULT 0,
			days_active INTEGER NOT NULL DEFAULT 0,
			achievements TEXT NOT NULL DEFAULT '[]',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (category) REFERENCES categories(key),
			UNIQUE(user_id, category)
		)`,
		`CREATE TABLE IF NOT EXISTS user_settings (
			user_id TEXT PRIMARY KEY,
			selected_character_id INTEGER,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (selected_character_id) REFERENCES characters(id) ON DELETE SET NULL
		)`,
		`CREATE TABLE IF NOT EXISTS mission_templates (
			mission_id TEXT PRIMARY KEY,
			category TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			verification_type TEXT NOT NULL DEFAULT 'check',
			experience INTEGER NOT NULL DEFAULT 50,
			quiz TEXT NOT NULL DEFAULT '[]',
			FOREIGN KEY (category) REFERENCES categories(key)
		)`,
		`CREATE TABLE IF NOT EXISTS missions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			mission_id TEXT NOT NULL,
			category TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			verification_type TEXT NOT NULL DEFAULT 'check',
			experience INTEGER NOT NULL DEFAULT 50,
			completed BOOLEAN NOT NULL DEFAULT FALSE,
			completed_at DATETIME,
			photo_url TEXT NOT NULL DEFAULT '',
			video_url TEXT NOT NULL DEFAULT '',
			quiz_score INTEGER,
			diary_text TEXT NOT NULL DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(user_id, mission_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_characters_user_id ON characters(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_missions_user_id ON missions(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_missions_category ON missions(user_id, category)`,
	}

	for _, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}

	// Columns added after the first release
	if err := addColumnIfMissing(db, "missions", "timer_seconds", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return fmt.Errorf("failed to add timer_seconds column: %w", err)
	}

	if err := addColumnIfMissing(db, "characters", "last_active_date", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return fmt.Errorf("failed to add last_active_date column: %w", err)
	}

	if err := SeedTemplates(db); err != nil {
		return fmt.Errorf("failed to seed templates: %w", err)
	}

	return nil
}

func hasColumn(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, dataType string
		var notNull, pk int
		var defaultValue sql.NullString
		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			continue
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

func addColumnIfMissing(db *sql.DB, table, column, definition string) error {
	exists, err := hasColumn(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	_, err = db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
	return err
}
