package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"replant/internal/models"
)

var defaultCategories = []models.Category{
	{Key: "health", Name: "건강", Emoji: "🌱", Color: "#4CAF50", Description: "몸을 돌보는 습관"},
	{Key: "study", Name: "학습", Emoji: "📚", Color: "#2196F3", Description: "매일 조금씩 배우기"},
	{Key: "hobby", Name: "취미", Emoji: "🎨", Color: "#FF9800", Description: "즐거움을 키우는 시간"},
	{Key: "relationship", Name: "관계", Emoji: "🤝", Color: "#E91E63", Description: "주변 사람들과 함께"},
	{Key: "mind", Name: "마음", Emoji: "🧘", Color: "#9C27B0", Description: "마음 챙김과 휴식"},
}

var defaultCharacterTemplates = []models.CharacterTemplate{
	{Level: 1, Title: "씨앗", Description: "이제 막 심어진 씨앗", ImageURL: "/images/level1.png", MaxExperience: 100},
	{Level: 2, Title: "새싹", Description: "흙을 뚫고 나온 새싹", ImageURL: "/images/level2.png", MaxExperience: 200},
	{Level: 3, Title: "묘목", Description: "줄기가 단단해진 묘목", ImageURL: "/images/level3.png", MaxExperience: 300},
	{Level: 4, Title: "나무", Description: "그늘을 만드는 나무", ImageURL: "/images/level4.png", MaxExperience: 400},
	{Level: 5, Title: "큰나무", Description: "숲을 이루는 큰나무", ImageURL: "/images/level5.png", MaxExperience: 500},
}

var defaultMissionTemplates = []models.MissionTemplate{
	{MissionID: "health-walk", Category: "health", Title: "30분 걷기", Description: "산책하며 사진을 남겨보세요", VerificationType: models.VerifyPhoto, Experience: 50},
	{MissionID: "health-stretch", Category: "health", Title: "스트레칭 10분", Description: "타이머로 10분을 채워보세요", VerificationType: models.VerifyTimer, Experience: 30},
	{MissionID: "study-read", Category: "study", Title: "책 20쪽 읽기", Description: "읽은 내용을 한 줄로 남겨보세요", VerificationType: models.VerifyDiary, Experience: 50},
	{MissionID: "study-quiz", Category: "study", Title: "상식 퀴즈", Description: "간단한 퀴즈를 풀어보세요", VerificationType: models.VerifyQuiz, Experience: 40, Quiz: []models.QuizQuestion{
		{Question: "대한민국의 수도는?", Options: []string{"부산", "서울", "대구"}, Answer: 1},
		{Question: "물의 끓는점(1기압)은?", Options: []string{"90도", "100도", "110도"}, Answer: 1},
		{Question: "지구에서 가장 큰 바다는?", Options: []string{"대서양", "인도양", "태평양"}, Answer: 2},
	}},
	{MissionID: "hobby-draw", Category: "hobby", Title: "그림 그리기", Description: "완성한 그림을 찍어보세요", VerificationType: models.VerifyPhoto, Experience: 50},
	{MissionID: "hobby-music", Category: "hobby", Title: "좋아하는 노래 연주", Description: "짧은 영상을 남겨보세요", VerificationType: models.VerifyVideo, Experience: 60},
	{MissionID: "relationship-call", Category: "relationship", Title: "안부 전화하기", Description: "소중한 사람에게 연락해보세요", VerificationType: models.VerifyCheck, Experience: 40},
	{MissionID: "relationship-thanks", Category: "relationship", Title: "감사 편지 쓰기", Description: "고마운 마음을 적어보세요", VerificationType: models.VerifyDiary, Experience: 50},
	{MissionID: "mind-meditate", Category: "mind", Title: "명상 5분", Description: "조용히 호흡에 집중해보세요", VerificationType: models.VerifyTimer, Experience: 30},
	{MissionID: "mind-journal", Category: "mind", Title: "감정 일기", Description: "오늘의 감정을 기록해보세요", VerificationType: models.VerifyDiary, Experience: 40},
}

// SeedTemplates inserts the built-in catalog. Existing rows are left untouched.
func SeedTemplates(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i, c := range defaultCategories {
		_, err := tx.Exec(`INSERT OR IGNORE INTO categories (key, name, emoji, color, description, sort_order) VALUES (?, ?, ?, ?, ?, ?)`,
			c.Key, c.Name, c.Emoji, c.Color, c.Description, i)
		if err != nil {
			return fmt.Errorf("failed to seed category %s: %w", c.Key, err)
		}
	}

	for _, t := range defaultCharacterTemplates {
		_, err := tx.Exec(`INSERT OR IGNORE INTO character_templates (level, title, description, image_url, max_experience) VALUES (?, ?, ?, ?, ?)`,
			t.Level, t.Title, t.Description, t.ImageURL, t.MaxExperience)
		if err != nil {
			return fmt.Errorf("failed to seed character template %d: %w", t.Level, err)
		}
	}

	for _, t := range defaultMissionTemplates {
		if err := insertMissionTemplate(tx, t); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func insertMissionTemplate(tx *sql.Tx, t models.MissionTemplate) error {
	quiz, err := json.Marshal(t.Quiz)
	if err != nil {
		return fmt.Errorf("failed to encode quiz: %w", err)
	}
	_, err = tx.Exec(`INSERT OR IGNORE INTO mission_templates (mission_id, category, title, description, verification_type, experience, quiz) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.MissionID, t.Category, t.Title, t.Description, string(t.VerificationType), t.Experience, string(quiz))
	if err != nil {
		return fmt.Errorf("failed to seed mission template %s: %w", t.MissionID, err)
	}
	return nil
}

// AddMissionTemplate grows the catalog. Existing users pick the new entry up on
// their next mission load.
func AddMissionTemplate(ctx context.Context, db *sql.DB, t models.MissionTemplate) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertMissionTemplate(tx, t); err != nil {
		return err
	}
	return tx.Commit()
}

func GetCategories(ctx context.Context, db *sql.DB) ([]models.Category, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT key, name, emoji, color, description
		FROM categories
		ORDER BY sort_order, key
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query categories: %w", err)
	}
	defer rows.Close()

	var categories []models.Category
	for rows.Next() {
		var c models.Category
		if err := rows.Scan(&c.Key, &c.Name, &c.Emoji, &c.Color, &c.Description); err != nil {
			return nil, fmt.Errorf("failed to scan category: %w", err)
		}
		categories = append(categories, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating categories: %w", err)
	}

	return categories, nil
}

func GetCharacterTemplates(ctx context.Context, db *sql.DB) (map[int]models.CharacterTemplate, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT level, title, description, image_url, max_experience
		FROM character_templates
		ORDER BY level
	`)
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

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating character templates: %w", err)
	}

	return templates, nil
}

func GetMissionTemplates(ctx context.Context, db *sql.DB) ([]models.MissionTemplate, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT mission_id, category, title, description, verification_type, experience, quiz
		FROM mission_templates
		ORDER BY category, mission_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query mission templates: %w", err)
	}
	defer rows.Close()

	var templates []models.MissionTemplate
	for rows.Next() {
		var t models.MissionTemplate
		var verification, quiz string
		if err := rows.Scan(&t.MissionID, &t.Category, &t.Title, &t.Description, &verification, &t.Experience, &quiz); err != nil {
			return nil, fmt.Errorf("failed to scan mission template: %w", err)
		}
		t.VerificationType = models.VerificationType(verification)
		if err := json.Unmarshal([]byte(quiz), &t.Quiz); err != nil {
			return nil, fmt.Errorf("failed to decode quiz for %s: %w", t.MissionID, err)
		}
		templates = append(templates, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mission templates: %w", err)
	}

	return templates, nil
}

func getMissionTemplate(ctx context.Context, q queryer, missionID string) (*models.MissionTemplate, error) {
	var t models.MissionTemplate
	var verification, quiz string
	err := q.QueryRowContext(ctx, `
		SELECT mission_id, category, title, description, verification_type, experience, quiz
		FROM mission_templates
		WHERE mission_id = ?
	`, missionID).Scan(&t.MissionID, &t.Category, &t.Title, &t.Description, &verification, &t.Experience, &quiz)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("mission template %s: %w", missionID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query mission template: %w", err)
	}
	t.VerificationType = models.VerificationType(verification)
	if err := json.Unmarshal([]byte(quiz), &t.Quiz); err != nil {
		return nil, fmt.Errorf("failed to decode quiz for %s: %w", t.MissionID, err)
	}
	return &t, nil
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}
