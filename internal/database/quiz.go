package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"replant/internal/apperr"
	"replant/internal/models"
)

// QuizPassPercent is the minimum share of correct answers that completes a quiz mission.
const QuizPassPercent = 60

// ScoreQuiz counts correct answers. Missing answers count as wrong.
func ScoreQuiz(questions []models.QuizQuestion, answers []int) int {
	score := 0
	for i, q := range questions {
		if i < len(answers) && answers[i] == q.Answer {
			score++
		}
	}
	return score
}

func quizPassed(score, total int) bool {
	if total == 0 {
		return false
	}
	return score*100 >= total*QuizPassPercent
}

// SubmitQuiz scores answers against the mission's template and completes the
// mission when the quiz is passed.
func SubmitQuiz(ctx context.Context, db *sql.DB, userID string, id int64, answers []int, timeSpent int, now time.Time) (*models.QuizResult, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	mission, err := getMission(ctx, tx, userID, id)
	if err != nil {
		return nil, err
	}
	if mission.VerificationType != models.VerifyQuiz {
		return nil, fmt.Errorf("mission %d is not a quiz: %w", id, apperr.ErrValidation)
	}

	template, err := getMissionTemplate(ctx, tx, mission.MissionID)
	if err != nil {
		return nil, err
	}

	score := ScoreQuiz(template.Quiz, answers)
	result := &models.QuizResult{
		Score:     score,
		Total:     len(template.Quiz),
		Passed:    quizPassed(score, len(template.Quiz)),
		TimeSpent: timeSpent,
		Mission:   mission,
	}

	if result.Passed {
		completed, err := completeMission(ctx, tx, userID, id, models.MissionCompletion{CompletedAt: now}, &score)
		if err != nil {
			return nil, err
		}
		result.Mission = completed
		result.Experience = completed.Experience
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit quiz: %w", err)
	}
	return result, nil
}
