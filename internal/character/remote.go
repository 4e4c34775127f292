package character

import (
	"context"

	"replant/internal/models"
	"replant/internal/session"
)

// Remote is the authoritative character backend. Every mutation goes through
// it and the store only mirrors what it returns.
type Remote interface {
	ListCharacters(ctx context.Context, sess session.Session) ([]models.Character, error)
	GetCharacter(ctx context.Context, sess session.Session, id int64) (*models.Character, error)
	GetSettings(ctx context.Context, sess session.Session) (*models.UserSettings, error)
	ListTemplates(ctx context.Context) (map[int]models.CharacterTemplate, error)

	// AutoLevelUp atomically adds experience and applies any level change.
	AutoLevelUp(ctx context.Context, sess session.Session, id int64, gained int) (*models.LevelUpResult, error)
	UnlockCharacter(ctx context.Context, sess session.Session, id int64) (*models.Character, error)
	SetSelectedCharacter(ctx context.Context, sess session.Session, id int64) error
	RenameCharacter(ctx context.Context, sess session.Session, id int64, name string) (*models.Character, error)
}

// CategorySource provides category display metadata.
type CategorySource interface {
	ListCategories(ctx context.Context) ([]models.Category, error)
}
