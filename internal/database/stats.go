package database

import (
	"context"
	"database/sql"
	"fmt"
)

type UserStats struct {
	TotalMissions      int `json:"total_missions"`
	CompletedMissions  int `json:"completed_missions"`
	UnlockedCharacters int `json:"unlocked_characters"`
	TotalExperience    int `json:"total_experience"`
	HighestLevel       int `json:"highest_level"`
	LongestStreak      int `json:"longest_streak"`
}

type CategoryProgress struct {
	Category  string `json:"category"`
	Total     int    `json:"total"`
	Completed int    `json:"completed"`
}

func GetUserStats(ctx context.Context, db *sql.DB, userID string) (*UserStats, error) {
	stats := &UserStats{}

	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN completed THEN 1 ELSE 0 END), 0)
		FROM missions WHERE user_id = ?
	`, userID).Scan(&stats.TotalMissions, &stats.CompletedMissions)
	if err != nil {
		return nil, fmt.Errorf("failed to get mission counts: %w", err)
	}

	err = db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(total_experience), 0), COALESCE(MAX(level), 0), COALESCE(MAX(longest_streak), 0)
		FROM characters WHERE user_id = ? AND unlocked = TRUE
	`, userID).Scan(&stats.UnlockedCharacters, &stats.TotalExperience, &stats.HighestLevel, &stats.LongestStreak)
	if err != nil {
		return nil, fmt.Errorf("failed to get character totals: %w", err)
	}

	return stats, nil
}

func GetCategoryProgress(ctx context.Context, db *sql.DB, userID string) ([]CategoryProgress, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT category, COUNT(*), COALESCE(SUM(CASE WHEN completed THEN 1 ELSE 0 END), 0)
		FROM missions
		WHERE user_id = ?
		GROUP BY category
		ORDER BY category
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query category progress: %w", err)
	}
	defer rows.Close()

	var progress []CategoryProgress
	for rows.Next() {
		var p CategoryProgress
		if err := rows.Scan(&p.Category, &p.Total, &p.Completed); err != nil {
			return nil, fmt.Errorf("failed to scan category progress: %w", err)
		}
		progress = append(progress, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating category progress: %w", err)
	}

	return progress, nil
}
