package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"replant/internal/models"
)

const missionColumns = `id, user_id, mission_id, category, title, description, verification_type,
	experience, completed, completed_at, photo_url, video_url, quiz_score, diary_text, timer_seconds`

func scanMission(row rowScanner) (*models.Mission, error) {
	var m models.Mission
	var verification string
	var completedAt sql.NullTime
	var quizScore sql.NullInt64
	err := row.Scan(
		&m.ID,
		&m.UserID,
		&m.MissionID,
		&m.Category,
		&m.Title,
		&m.Description,
		&verification,
		&m.Experience,
		&m.Completed,
		&completedAt,
		&m.PhotoURL,
		&m.VideoURL,
		&quizScore,
		&m.DiaryText,
		&m.TimerSeconds,
	)
	if err != nil {
		return nil, err
	}
	m.VerificationType = models.VerificationType(verification)
	if completedAt.Valid {
		t := completedAt.Time
		m.CompletedAt = &t
	}
	if quizScore.Valid {
		score := int(quizScore.Int64)
		m.QuizScore = &score
	}
	return &m, nil
}

func GetMissions(ctx context.Context, db *sql.DB, userID string) ([]models.Mission, error) {
	query := `SELECT ` + missionColumns + ` FROM missions WHERE user_id = ? ORDER BY id`

	rows, err := db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query missions: %w", err)
	}
	defer rows.Close()

	var missions []models.Mission
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mission: %w", err)
		}
		missions = append(missions, *m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating missions: %w", err)
	}

	return missions, nil
}

func GetMission(ctx context.Context, db *sql.DB, userID string, id int64) (*models.Mission, error) {
	return getMission(ctx, db, userID, id)
}

func getMission(ctx context.Context, q queryer, userID string, id int64) (*models.Mission, error) {
	query := `SELECT ` + missionColumns + ` FROM missions WHERE id = ? AND user_id = ?`

	m, err := scanMission(q.QueryRowContext(ctx, query, id, userID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("mission %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query mission: %w", err)
	}
	return m, nil
}

// InsertMissions inserts the batch in one transaction and reports how many
// rows were new. Rows that already exist for (user_id, mission_id) are skipped.
func InsertMissions(ctx context.Context, db *sql.DB, userID string, missions []models.Mission) (int, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO missions (user_id, mission_id, category, title, description, verification_type, experience, completed)
		VALUES (?, ?, ?, ?, ?, ?, ?, FALSE)
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare mission insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, m := range missions {
		result, err := stmt.ExecContext(ctx, userID, m.MissionID, m.Category, m.Title, m.Description, string(m.VerificationType), m.Experience)
		if err != nil {
			return 0, fmt.Errorf("failed to insert mission %s: %w", m.MissionID, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to get rows affected: %w", err)
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit missions: %w", err)
	}
	return inserted, nil
}

// CompleteMission marks the mission completed and stores any verification
// media. Empty fields keep their previous value.
func CompleteMission(ctx context.Context, db *sql.DB, userID string, id int64, c models.MissionCompletion) (*models.Mission, error) {
	return completeMission(ctx, db, userID, id, c, nil)
}

func completeMission(ctx context.Context, q queryer, userID string, id int64, c models.MissionCompletion, quizScore *int) (*models.Mission, error) {
	if c.CompletedAt.IsZero() {
		c.CompletedAt = time.Now()
	}

	var score sql.NullInt64
	if quizScore != nil {
		score = sql.NullInt64{Int64: int64(*quizScore), Valid: true}
	}

	result, err := q.ExecContext(ctx, `
		UPDATE missions
		SET completed = TRUE,
			completed_at = ?,
			photo_url = COALESCE(NULLIF(?, ''), photo_url),
			video_url = COALESCE(NULLIF(?, ''), video_url),
			diary_text = COALESCE(NULLIF(?, ''), diary_text),
			timer_seconds = CASE WHEN ? > 0 THEN ? ELSE timer_seconds END,
			quiz_score = COALESCE(?, quiz_score)
		WHERE id = ? AND user_id = ?
	`, c.CompletedAt, c.PhotoURL, c.VideoURL, c.DiaryText, c.TimerSeconds, c.TimerSeconds, score, id, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to complete mission: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, fmt.Errorf("mission %d: %w", id, ErrNotFound)
	}

	return getMission(ctx, q, userID, id)
}

func UncompleteMission(ctx context.Context, db *sql.DB, userID string, id int64) (*models.Mission, error) {
	result, err := db.ExecContext(ctx, `
		UPDATE missions
		SET completed = FALSE, completed_at = NULL
		WHERE id = ? AND user_id = ?
	`, id, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to uncomplete mission: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, fmt.Errorf("mission %d: %w", id, ErrNotFound)
	}

	return GetMission(ctx, db, userID, id)
}
