package mission

import (
	"context"

	"replant/internal/models"
	"replant/internal/session"
)

// Remote is the authoritative mission backend.
type Remote interface {
	ListMissions(ctx context.Context, sess session.Session) ([]models.Mission, error)
	ListMissionTemplates(ctx context.Context) ([]models.MissionTemplate, error)

	// InsertMissions inserts rows for the session's user and returns how
	// many were actually created.
	InsertMissions(ctx context.Context, sess session.Session, missions []models.Mission) (int, error)

	CompleteMission(ctx context.Context, sess session.Session, id int64, c models.MissionCompletion) (*models.Mission, error)
	UncompleteMission(ctx context.Context, sess session.Session, id int64) (*models.Mission, error)
}

// QuizService scores quiz answers and completes the mission when passed.
type QuizService interface {
	SubmitQuiz(ctx context.Context, sess session.Session, id int64, answers []int, timeSpent int) (*models.QuizResult, error)
}

// ExperienceAwarder grants the reward for a completed mission.
type ExperienceAwarder func(ctx context.Context, category string, points int) error
