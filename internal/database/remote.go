package database

import (
	"context"
	"database/sql"
	"time"

	"replant/internal/models"
	"replant/internal/session"
)

// Remote exposes the database as the backend the character and mission
// stores sync against. Every call is scoped to the session's user.
type Remote struct {
	db  *sql.DB
	now func() time.Time
}

func NewRemote(db *sql.DB) *Remote {
	return &Remote{db: db, now: time.Now}
}

func (r *Remote) DB() *sql.DB {
	return r.db
}

// ListCharacters provisions missing per-category characters before listing.
func (r *Remote) ListCharacters(ctx context.Context, sess session.Session) ([]models.Character, error) {
	if err := EnsureCharacters(ctx, r.db, sess.UserID()); err != nil {
		return nil, err
	}
	return GetCharacters(ctx, r.db, sess.UserID())
}

func (r *Remote) GetCharacter(ctx context.Context, sess session.Session, id int64) (*models.Character, error) {
	return GetCharacter(ctx, r.db, sess.UserID(), id)
}

func (r *Remote) GetSettings(ctx context.Context, sess session.Session) (*models.UserSettings, error) {
	return GetUserSettings(ctx, r.db, sess.UserID())
}

func (r *Remote) ListTemplates(ctx context.Context) (map[int]models.CharacterTemplate, error) {
	return GetCharacterTemplates(ctx, r.db)
}

func (r *Remote) ListCategories(ctx context.Context) ([]models.Category, error) {
	return GetCategories(ctx, r.db)
}

func (r *Remote) AutoLevelUp(ctx context.Context, sess session.Session, id int64, gained int) (*models.LevelUpResult, error) {
	return AutoLevelUpCharacter(ctx, r.db, sess.UserID(), id, gained, r.now())
}

func (r *Remote) UnlockCharacter(ctx context.Context, sess session.Session, id int64) (*models.Character, error) {
	return UnlockCharacter(ctx, r.db, sess.UserID(), id, r.now())
}

func (r *Remote) SetSelectedCharacter(ctx context.Context, sess session.Session, id int64) error {
	return SetSelectedCharacter(ctx, r.db, sess.UserID(), id)
}

func (r *Remote) RenameCharacter(ctx context.Context, sess session.Session, id int64, name string) (*models.Character, error) {
	return RenameCharacter(ctx, r.db, sess.UserID(), id, name)
}

func (r *Remote) ListMissions(ctx context.Context, sess session.Session) ([]models.Mission, error) {
	return GetMissions(ctx, r.db, sess.UserID())
}

func (r *Remote) ListMissionTemplates(ctx context.Context) ([]models.MissionTemplate, error) {
	return GetMissionTemplates(ctx, r.db)
}

func (r *Remote) InsertMissions(ctx context.Context, sess session.Session, missions []models.Mission) (int, error) {
	return InsertMissions(ctx, r.db, sess.UserID(), missions)
}

func (r *Remote) CompleteMission(ctx context.Context, sess session.Session, id int64, c models.MissionCompletion) (*models.Mission, error) {
	if c.CompletedAt.IsZero() {
		c.CompletedAt = r.now()
	}
	return CompleteMission(ctx, r.db, sess.UserID(), id, c)
}

func (r *Remote) UncompleteMission(ctx context.Context, sess session.Session, id int64) (*models.Mission, error) {
	return UncompleteMission(ctx, r.db, sess.UserID(), id)
}

func (r *Remote) SubmitQuiz(ctx context.Context, sess session.Session, id int64, answers []int, timeSpent int) (*models.QuizResult, error) {
	return SubmitQuiz(ctx, r.db, sess.UserID(), id, answers, timeSpent, r.now())
}
