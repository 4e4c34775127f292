package models

import (
	"time"
)

const (
	MinCharacterNameLength = 1
	MaxCharacterNameLength = 20
	DefaultMaxExperience   = 100
)

type CharacterStats struct {
	MissionsCompleted int `json:"missionsCompleted"`
	Streak            int `json:"streak"`
	LongestStreak     int `json:"longestStreak"`
	DaysActive        int `json:"daysActive"`
}

type Achievement struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	AchievedAt time.Time `json:"achievedAt"`
}

// Character is one user's progression in one category.
type Character struct {
	ID              int64          `json:"id" db:"id"`
	UserID          string         `json:"user_id" db:"user_id"`
	Category        string         `json:"category" db:"category"`
	Name            string         `json:"name" db:"name"`
	CustomName      bool           `json:"custom_name" db:"custom_name"`
	Level           int            `json:"level" db:"level"`
	Experience      int            `json:"experience" db:"experience"`
	MaxExperience   int            `json:"maxExperience" db:"max_experience"`
	TotalExperience int            `json:"totalExperience" db:"total_experience"`
	Unlocked        bool           `json:"unlocked" db:"unlocked"`
	UnlockedDate    *time.Time     `json:"unlockedDate,omitempty" db:"unlocked_date"`
	Stats           CharacterStats `json:"stats"`
	Achievements    []Achievement  `json:"achievements"`
	CreatedAt       time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at" db:"updated_at"`
}

// CharacterTemplate describes one level of character growth.
type CharacterTemplate struct {
	Level         int    `json:"level" db:"level"`
	Title         string `json:"title" db:"title"`
	Description   string `json:"description" db:"description"`
	ImageURL      string `json:"image_url" db:"image_url"`
	MaxExperience int    `json:"max_experience" db:"max_experience"`
}

type Category struct {
	Key         string `json:"key" db:"key"`
	Name        string `json:"name" db:"name"`
	Emoji       string `json:"emoji" db:"emoji"`
	Color       string `json:"color" db:"color"`
	Description string `json:"description" db:"description"`
}

type UserSettings struct {
	UserID              string `json:"user_id" db:"user_id"`
	SelectedCharacterID *int64 `json:"selected_character_id,omitempty" db:"selected_character_id"`
}

// LevelUpResult is the answer of the atomic level-up procedure.
type LevelUpResult struct {
	LeveledUp bool   `json:"leveled_up"`
	NewName   string `json:"new_name"`
}

type VerificationType string

const (
	VerifyCheck VerificationType = "check"
	VerifyPhoto VerificationType = "photo"
	VerifyVideo VerificationType = "video"
	VerifyQuiz  VerificationType = "quiz"
	VerifyDiary VerificationType = "diary"
	VerifyTimer VerificationType = "timer"
)

type QuizQuestion struct {
	Question string   `json:"question"`
	Options  []string `json:"options"`
	Answer   int      `json:"answer"`
}

type MissionTemplate struct {
	MissionID        string           `json:"mission_id" db:"mission_id"`
	Category         string           `json:"category" db:"category"`
	Title            string           `json:"title" db:"title"`
	Description      string           `json:"description" db:"description"`
	VerificationType VerificationType `json:"verification_type" db:"verification_type"`
	Experience       int              `json:"experience" db:"experience"`
	Quiz             []QuizQuestion   `json:"quiz,omitempty"`
}

// Mission is a user-owned copy of a mission template.
type Mission struct {
	ID               int64            `json:"id" db:"id"`
	UserID           string           `json:"user_id" db:"user_id"`
	MissionID        string           `json:"mission_id" db:"mission_id"`
	Category         string           `json:"category" db:"category"`
	Title            string           `json:"title" db:"title"`
	Description      string           `json:"description" db:"description"`
	VerificationType VerificationType `json:"verification_type" db:"verification_type"`
	Experience       int              `json:"experience" db:"experience"`
	Completed        bool             `json:"completed" db:"completed"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty" db:"completed_at"`
	PhotoURL         string           `json:"photo_url,omitempty" db:"photo_url"`
	VideoURL         string           `json:"video_url,omitempty" db:"video_url"`
	QuizScore        *int             `json:"quiz_score,omitempty" db:"quiz_score"`
	DiaryText        string           `json:"diary_text,omitempty" db:"diary_text"`
	TimerSeconds     int              `json:"timer_seconds,omitempty" db:"timer_seconds"`
}

// NewMissionFromTemplate copies a template into an uncompleted user row.
func NewMissionFromTemplate(userID string, t MissionTemplate) Mission {
	return Mission{
		UserID:           userID,
		MissionID:        t.MissionID,
		Category:         t.Category,
		Title:            t.Title,
		Description:      t.Description,
		VerificationType: t.VerificationType,
		Experience:       t.Experience,
	}
}

// MissionCompletion carries the fields written when a mission is completed.
type MissionCompletion struct {
	CompletedAt  time.Time
	PhotoURL     string
	VideoURL     string
	DiaryText    string
	TimerSeconds int
}

type QuizResult struct {
	Score      int      `json:"score"`
	Total      int      `json:"total"`
	Passed     bool     `json:"passed"`
	Experience int      `json:"experience"`
	TimeSpent  int      `json:"time_spent"`
	Mission    *Mission `json:"mission,omitempty"`
}
