package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"replant/internal/apperr"
	"replant/internal/models"
)

const characterColumns = `id, user_id, category, name, custom_name, level, experience, max_experience,
	total_experience, unlocked, unlocked_date, missions_completed, streak, longest_streak,
	days_active, achievements, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCharacter(row rowScanner) (*models.Character, error) {
	var c models.Character
	var unlockedDate sql.NullTime
	var achievements string
	err := row.Scan(
		&c.ID,
		&c.UserID,
		&c.Category,
		&c.Name,
		&c.CustomName,
		&c.Level,
		&c.Experience,
		&c.MaxExperience,
		&c.TotalExperience,
		&c.Unlocked,
		&unlockedDate,
		&c.Stats.MissionsCompleted,
		&c.Stats.Streak,
		&c.Stats.LongestStreak,
		&c.Stats.DaysActive,
		&achievements,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if unlockedDate.Valid {
		t := unlockedDate.Time
		c.UnlockedDate = &t
	}
	if err := json.Unmarshal([]byte(achievements), &c.Achievements); err != nil {
		return nil, fmt.Errorf("failed to decode achievements: %w", err)
	}
	if c.Achievements == nil {
		c.Achievements = []models.Achievement{}
	}
	return &c, nil
}

// EnsureCharacters creates a locked level-1 character for every category the
// user does not have yet.
func EnsureCharacters(ctx context.Context, db *sql.DB, userID string) error {
	query := `
		INSERT OR IGNORE INTO characters (user_id, category, name, level, experience, max_experience)
		SELECT ?, c.key, COALESCE(t.title, ''), 1, 0, COALESCE(t.max_experience, ?)
		FROM categories c
		LEFT JOIN character_templates t ON t.level = 1
	`
	if _, err := db.ExecContext(ctx, query, userID, models.DefaultMaxExperience); err != nil {
		return fmt.Errorf("failed to create characters: %w", err)
	}
	return nil
}

func GetCharacters(ctx context.Context, db *sql.DB, userID string) ([]models.Character, error) {
	query := `SELECT ` + characterColumns + ` FROM characters WHERE user_id = ? ORDER BY id`

	rows, err := db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query characters: %w", err)
	}
	defer rows.Close()

	var characters []models.Character
	for rows.Next() {
		c, err := scanCharacter(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan character: %w", err)
		}
		characters = append(characters, *c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating characters: %w", err)
	}

	return characters, nil
}

func GetCharacter(ctx context.Context, db *sql.DB, userID string, characterID int64) (*models.Character, error) {
	return getCharacter(ctx, db, userID, characterID)
}

func getCharacter(ctx context.Context, q queryer, userID string, characterID int64) (*models.Character, error) {
	query := `SELECT ` + characterColumns + ` FROM characters WHERE id = ? AND user_id = ?`

	c, err := scanCharacter(q.QueryRowContext(ctx, query, characterID, userID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("character %d: %w", characterID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query character: %w", err)
	}
	return c, nil
}

// AutoLevelUpCharacter is the atomic level-up procedure. It adds gained
// experience, rolls over as many levels as the new total crosses, renames the
// character to the new level title unless the user chose a name, and records
// one completed mission.
func AutoLevelUpCharacter(ctx context.Context, db *sql.DB, userID string, characterID int64, gained int, now time.Time) (*models.LevelUpResult, error) {
	if gained < 0 {
		return nil, fmt.Errorf("experience must not be negative: %w", apperr.ErrValidation)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	c, err := getCharacter(ctx, tx, userID, characterID)
	if err != nil {
		return nil, err
	}

	var lastActive string
	err = tx.QueryRowContext(ctx, `SELECT last_active_date FROM characters WHERE id = ?`, characterID).Scan(&lastActive)
	if err != nil {
		return nil, fmt.Errorf("failed to query last active date: %w", err)
	}

	templates, err := characterTemplates(ctx, tx)
	if err != nil {
		return nil, err
	}

	result := &models.LevelUpResult{NewName: c.Name}

	c.Experience += gained
	c.TotalExperience += gained
	c.Stats.MissionsCompleted++
	if c.MaxExperience <= 0 {
		c.MaxExperience = maxExperienceFor(templates, c.Level)
	}
	for c.Experience >= c.MaxExperience {
		c.Experience -= c.MaxExperience
		c.Level++
		c.MaxExperience = maxExperienceFor(templates, c.Level)
		result.LeveledUp = true
		c.Achievements = append(c.Achievements, models.Achievement{
			ID:         fmt.Sprintf("level-%d", c.Level),
			Title:      fmt.Sprintf("Lv.%d 달성", c.Level),
			AchievedAt: now,
		})
	}
	if c.Stats.MissionsCompleted == 1 {
		c.Achievements = append(c.Achievements, models.Achievement{
			ID:         "first-mission",
			Title:      "첫 미션 완료",
			AchievedAt: now,
		})
	}

	if result.LeveledUp && !c.CustomName {
		if t, ok := templates[c.Level]; ok {
			c.Name = t.Title
		}
	}
	result.NewName = c.Name

	today := now.Format("2006-01-02")
	if lastActive != today {
		c.Stats.DaysActive++
		if lastActive == now.AddDate(0, 0, -1).Format("2006-01-02") {
			c.Stats.Streak++
		} else {
			c.Stats.Streak = 1
		}
		if c.Stats.Streak > c.Stats.LongestStreak {
			c.Stats.LongestStreak = c.Stats.Streak
		}
	}

	achievements, err := json.Marshal(c.Achievements)
	if err != nil {
		return nil, fmt.Errorf("failed to encode achievements: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE characters
		SET level = ?, experience = ?, max_experience = ?, total_experience = ?, name = ?,
			missions_completed = ?, streak = ?, longest_streak = ?, days_active = ?,
			achievements = ?, last_active_date = ?, updated_at = ?
		WHERE id = ? AND user_id = ?
	`, c.Level, c.Experience, c.MaxExperience, c.TotalExperience, c.Name,
		c.Stats.MissionsCompleted, c.Stats.Streak, c.Stats.LongestStreak, c.Stats.DaysActive,
		string(achievements), today, now, characterID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to update character: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit level up: %w", err)
	}

	return result, nil
}

func characterTemplates(ctx context.Context, q queryer) (map[int]models.CharacterTemplate, error) {
	rows, err := q.QueryContext(ctx, `SELECT level, title, description, image_url, max_experience FROM character_templates`)
	if err != nil {
		return nil, fmt.Errorf("failed to query character templates: %w", err)
	}
	defer rows.Close()

	templates := make(map[int]models.CharacterTemplate)
	for rows.Next() {
		var t models.CharacterTemplate
		if err := rows.Scan(&t.Level, &t.Title, &t.Description, &t.ImageURL, &t.MaxExperience); err != nil {
			return nil, fmt.Errorf("failed to scan character template: %w", err)
		}
		templates[t.Level] = t
	}
	return templates, rows.Err()
}

// maxExperienceFor falls back to a linear curve past the last template.
func maxExperienceFor(templates map[int]models.CharacterTemplate, level int) int {
	if t, ok := templates[level]; ok && t.MaxExperience > 0 {
		return t.MaxExperience
	}
	return models.DefaultMaxExperience * level
}

// UnlockCharacter sets unlocked once; the first unlock date is kept.
func UnlockCharacter(ctx context.Context, db *sql.DB, userID string, characterID int64, now time.Time) (*models.Character, error) {
	result, err := db.ExecContext(ctx, `
		UPDATE characters
		SET unlocked = TRUE, unlocked_date = COALESCE(unlocked_date, ?), updated_at = ?
		WHERE id = ? AND user_id = ?
	`, now, now, characterID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to unlock character: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, fmt.Errorf("character %d: %w", characterID, ErrNotFound)
	}

	return GetCharacter(ctx, db, userID, characterID)
}

func RenameCharacter(ctx context.Context, db *sql.DB, userID string, characterID int64, name string) (*models.Character, error) {
	result, err := db.ExecContext(ctx, `
		UPDATE characters
		SET name = ?, custom_name = TRUE, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND user_id = ?
	`, name, characterID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to rename character: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, fmt.Errorf("character %d: %w", characterID, ErrNotFound)
	}

	return GetCharacter(ctx, db, userID, characterID)
}

func GetUserSettings(ctx context.Context, db *sql.DB, userID string) (*models.UserSettings, error) {
	settings := &models.UserSettings{UserID: userID}
	var selected sql.NullInt64
	err := db.QueryRowContext(ctx, `SELECT selected_character_id FROM user_settings WHERE user_id = ?`, userID).Scan(&selected)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to query user settings: %w", err)
	}
	if selected.Valid {
		id := selected.Int64
		settings.SelectedCharacterID = &id
	}
	return settings, nil
}

// SetSelectedCharacter stores the main character. Only unlocked characters
// may be selected.
func SetSelectedCharacter(ctx context.Context, db *sql.DB, userID string, characterID int64) error {
	c, err := GetCharacter(ctx, db, userID, characterID)
	if err != nil {
		return err
	}
	if !c.Unlocked {
		return fmt.Errorf("character %d is locked: %w", characterID, apperr.ErrValidation)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO user_settings (user_id, selected_character_id, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id) DO UPDATE SET
			selected_character_id = excluded.selected_character_id,
			updated_at = excluded.updated_at
	`, userID, characterID)
	if err != nil {
		return fmt.Errorf("failed to save selected character: %w", err)
	}
	return nil
}
