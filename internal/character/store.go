// Package character keeps a category-keyed mirror of the user's characters
// and reconciles it with the remote character service after every mutation.
package character

import (
	"context"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"replant/internal/apperr"
	"replant/internal/logger"
	"replant/internal/models"
	"replant/internal/session"
)

// DefaultReward is the experience granted when a caller does not specify one.
const DefaultReward = 50

var (
	ErrCharacterNotFound = errors.Wrap(apperr.ErrNotFound, "character")
	ErrInvalidName       = errors.Wrap(apperr.ErrValidation, "character name must be 1-20 characters")
	ErrNotUnlocked       = errors.Wrap(apperr.ErrValidation, "character is locked")
)

// UnknownCategory is shown until category metadata has been loaded.
func UnknownCategory(key string) models.Category {
	return models.Category{Key: key, Name: "알 수 없음", Emoji: "❓", Color: "#9E9E9E"}
}

// View is a character joined with its category and level template.
type View struct {
	models.Character
	CategoryInfo models.Category          `json:"categoryInfo"`
	Template     models.CharacterTemplate `json:"template"`
	DisplayName  string                   `json:"displayName"`
	Progress     int                      `json:"progress"`
}

// ExperienceResult tells the caller what changed so it can drive notifications.
type ExperienceResult struct {
	LeveledUp     bool   `json:"leveledUp"`
	NewlyUnlocked bool   `json:"newlyUnlocked"`
	Level         int    `json:"level"`
	NewName       string `json:"newName"`
	Character     View   `json:"character"`
}

type OverallStats struct {
	UnlockedCount     int     `json:"unlockedCount"`
	TotalLevel        int     `json:"totalLevel"`
	AverageLevel      float64 `json:"averageLevel"`
	TotalExperience   int     `json:"totalExperience"`
	MissionsCompleted int     `json:"missionsCompleted"`
}

type Store struct {
	remote     Remote
	categories CategorySource
	sess       session.Session

	mu         sync.RWMutex
	raw        map[string]models.Character
	templates  map[int]models.CharacterTemplate
	catalog    map[string]models.Category
	selectedID *int64
	views      map[string]View
	lastErr    string

	loads singleflight.Group
}

// NewStore creates an empty store. categories may be nil, in which case
// metadata only arrives through SetCategories.
func NewStore(remote Remote, categories CategorySource, sess session.Session) *Store {
	return &Store{
		remote:     remote,
		categories: categories,
		sess:       sess,
		raw:        make(map[string]models.Character),
		templates:  make(map[int]models.CharacterTemplate),
		catalog:    make(map[string]models.Category),
		views:      make(map[string]View),
	}
}

// Load fetches characters, settings and level templates in parallel. On
// failure the store is left empty and LastError holds a displayable message.
// Concurrent calls share a single round-trip.
func (s *Store) Load(ctx context.Context) error {
	_, err, _ := s.loads.Do("load", func() (interface{}, error) {
		return nil, s.load(ctx)
	})
	return err
}

func (s *Store) load(ctx context.Context) error {
	var (
		characters []models.Character
		settings   *models.UserSettings
		templates  map[int]models.CharacterTemplate
		categories []models.Category
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		characters, err = s.remote.ListCharacters(gctx, s.sess)
		return errors.Wrap(err, "list characters")
	})
	g.Go(func() error {
		var err error
		settings, err = s.remote.GetSettings(gctx, s.sess)
		return errors.Wrap(err, "get settings")
	})
	g.Go(func() error {
		var err error
		templates, err = s.remote.ListTemplates(gctx)
		return errors.Wrap(err, "list templates")
	})
	if s.categories != nil {
		g.Go(func() error {
			list, err := s.categories.ListCategories(gctx)
			if err != nil {
				// Characters still render with placeholder metadata.
				logger.Warn("Failed to load categories", "error", err)
				return nil
			}
			categories = list
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("Failed to load characters", "device_id", s.sess.DeviceID, "error", err)
		s.reset(apperr.Classify(err))
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.raw
	s.raw = make(map[string]models.Character, len(characters))
	for _, c := range characters {
		if prev, ok := s.raw[c.Category]; ok && prev.ID < c.ID {
			continue
		}
		if o, ok := old[c.Category]; ok && o.ID == c.ID && o.Unlocked && !c.Unlocked {
			c.Unlocked = true
			c.UnlockedDate = o.UnlockedDate
		}
		s.raw[c.Category] = c
	}
	s.templates = templates
	if s.templates == nil {
		s.templates = make(map[int]models.CharacterTemplate)
	}
	s.selectedID = nil
	if settings != nil {
		s.selectedID = settings.SelectedCharacterID
	}
	for _, c := range categories {
		s.catalog[c.Key] = c
	}
	s.lastErr = ""
	s.rebuildLocked()

	logger.Debug("Characters loaded", "device_id", s.sess.DeviceID, "count", len(s.raw))
	return nil
}

func (s *Store) reset(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw = make(map[string]models.Character)
	s.views = make(map[string]View)
	s.selectedID = nil
	s.lastErr = message
}

// LoadCategories fetches category metadata and rebuilds the projection.
func (s *Store) LoadCategories(ctx context.Context) error {
	if s.categories == nil {
		return nil
	}
	list, err := s.categories.ListCategories(ctx)
	if err != nil {
		return errors.Wrap(err, "list categories")
	}
	s.SetCategories(list)
	return nil
}

// SetCategories replaces category metadata. The projection is re-derived so
// characters loaded earlier pick up the real category info.
func (s *Store) SetCategories(categories []models.Category) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.catalog = make(map[string]models.Category, len(categories))
	for _, c := range categories {
		s.catalog[c.Key] = c
	}
	s.rebuildLocked()
}

// rebuildLocked recomputes views from raw rows, templates and categories.
// The inputs themselves are never modified.
func (s *Store) rebuildLocked() {
	views := make(map[string]View, len(s.raw))
	for key, c := range s.raw {
		views[key] = s.viewLocked(c)
	}
	s.views = views
}

func (s *Store) viewLocked(c models.Character) View {
	info, ok := s.catalog[c.Category]
	if !ok {
		info = UnknownCategory(c.Category)
	}

	tmpl, ok := s.templates[c.Level]
	if !ok {
		tmpl = s.templates[1]
	}

	name := c.Name
	if name == "" {
		name = tmpl.Title
	}

	progress := 0
	if c.MaxExperience > 0 {
		progress = c.Experience * 100 / c.MaxExperience
		if progress > 100 {
			progress = 100
		}
	}

	return View{
		Character:    c,
		CategoryInfo: info,
		Template:     tmpl,
		DisplayName:  name,
		Progress:     progress,
	}
}

// replace stores the server's copy of c. Unlock never goes back to false.
func (s *Store) replace(c models.Character) View {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.raw[c.Category]; ok && prev.Unlocked && !c.Unlocked {
		c.Unlocked = true
		c.UnlockedDate = prev.UnlockedDate
	}
	s.raw[c.Category] = c
	v := s.viewLocked(c)
	s.views[c.Category] = v
	return v
}

func (s *Store) rawByID(id int64) (models.Character, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.raw {
		if c.ID == id {
			return c, true
		}
	}
	return models.Character{}, false
}

func (s *Store) rawByCategory(category string) (models.Character, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.raw[category]
	return c, ok
}

// AddExperience runs the remote level-up procedure and replaces the local
// entry with the server's character.
func (s *Store) AddExperience(ctx context.Context, id int64, points int) (ExperienceResult, error) {
	prev, ok := s.rawByID(id)
	if !ok {
		return ExperienceResult{}, ErrCharacterNotFound
	}

	levelUp, err := s.remote.AutoLevelUp(ctx, s.sess, id, points)
	if err != nil {
		return ExperienceResult{}, errors.Wrap(err, "level up")
	}
	// The experience is granted; finish mirroring it even if the caller left.
	ctx = context.WithoutCancel(ctx)

	updated, err := s.remote.GetCharacter(ctx, s.sess, id)
	if err != nil {
		return ExperienceResult{}, errors.Wrap(err, "reload character")
	}

	// First completed mission in a category unlocks its character. The flag
	// itself is written by the server so both unlock paths share one owner.
	if !prev.Unlocked && !updated.Unlocked && updated.Stats.MissionsCompleted == 1 {
		unlocked, err := s.remote.UnlockCharacter(ctx, s.sess, id)
		if err != nil {
			logger.Warn("Failed to unlock character after first mission", "character", id, "error", err)
		} else {
			updated = unlocked
		}
	}

	view := s.replace(*updated)
	result := ExperienceResult{
		LeveledUp:     levelUp.LeveledUp,
		NewlyUnlocked: !prev.Unlocked && view.Unlocked,
		Level:         view.Level,
		NewName:       levelUp.NewName,
		Character:     view,
	}

	logger.Info("Experience added",
		"device_id", s.sess.DeviceID,
		"category", view.Category,
		"points", points,
		"level", view.Level,
		"leveled_up", result.LeveledUp,
	)
	return result, nil
}

// AddExperienceByCategory adds points (DefaultReward when not positive) to the
// character of category.
func (s *Store) AddExperienceByCategory(ctx context.Context, category string, points int) (ExperienceResult, error) {
	if points <= 0 {
		points = DefaultReward
	}
	c, ok := s.rawByCategory(category)
	if !ok {
		return ExperienceResult{}, errors.Wrapf(ErrCharacterNotFound, "category %s", category)
	}
	return s.AddExperience(ctx, c.ID, points)
}

// UnlockCharacter explicitly unlocks a character.
func (s *Store) UnlockCharacter(ctx context.Context, id int64) (View, error) {
	if _, ok := s.rawByID(id); !ok {
		return View{}, ErrCharacterNotFound
	}
	updated, err := s.remote.UnlockCharacter(ctx, s.sess, id)
	if err != nil {
		return View{}, errors.Wrap(err, "unlock character")
	}
	return s.replace(*updated), nil
}

func (s *Store) UnlockCharacterByCategory(ctx context.Context, category string) (View, error) {
	c, ok := s.rawByCategory(category)
	if !ok {
		return View{}, errors.Wrapf(ErrCharacterNotFound, "category %s", category)
	}
	return s.UnlockCharacter(ctx, c.ID)
}

// SetSelectedCharacter makes id the main character. Locked characters are
// refused without contacting the server. The local selection is only updated
// from the reloaded settings.
func (s *Store) SetSelectedCharacter(ctx context.Context, id int64) (bool, error) {
	c, ok := s.rawByID(id)
	if !ok || !c.Unlocked {
		return false, nil
	}

	if err := s.remote.SetSelectedCharacter(ctx, s.sess, id); err != nil {
		return false, errors.Wrap(err, "save selected character")
	}

	settings, err := s.remote.GetSettings(ctx, s.sess)
	if err != nil {
		return false, errors.Wrap(err, "reload settings")
	}

	var selected *int64
	if settings != nil {
		selected = settings.SelectedCharacterID
	}

	s.mu.Lock()
	s.selectedID = selected
	s.mu.Unlock()

	return selected != nil && *selected == id, nil
}

// RenameCharacter sets a user-chosen name of 1 to 20 characters.
func (s *Store) RenameCharacter(ctx context.Context, id int64, name string) (View, error) {
	name = strings.TrimSpace(name)
	n := utf8.RuneCountInString(name)
	if n < models.MinCharacterNameLength || n > models.MaxCharacterNameLength {
		return View{}, ErrInvalidName
	}
	if _, ok := s.rawByID(id); !ok {
		return View{}, ErrCharacterNotFound
	}

	updated, err := s.remote.RenameCharacter(ctx, s.sess, id, name)
	if err != nil {
		return View{}, errors.Wrap(err, "rename character")
	}
	return s.replace(*updated), nil
}

// LastError is the displayable message of the last failed load.
func (s *Store) LastError() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Characters returns a copy of the projection keyed by category.
func (s *Store) Characters() map[string]View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]View, len(s.views))
	for k, v := range s.views {
		out[k] = v
	}
	return out
}

func (s *Store) SelectedCharacter() (View, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.selectedID == nil {
		return View{}, false
	}
	for _, v := range s.views {
		if v.ID == *s.selectedID {
			return v, true
		}
	}
	return View{}, false
}

// CharacterByID looks a character up by its row id rather than its category.
func (s *Store) CharacterByID(id int64) (View, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.views {
		if v.ID == id {
			return v, true
		}
	}
	return View{}, false
}

// UnlockedCharacters returns unlocked characters ordered by id.
func (s *Store) UnlockedCharacters() []View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var list []View
	for _, v := range s.views {
		if v.Unlocked {
			list = append(list, v)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// TopCharacter returns the unlocked character with the highest level, then
// the highest total experience, then the lowest id.
func (s *Store) TopCharacter() (View, bool) {
	list := s.UnlockedCharacters()
	if len(list) == 0 {
		return View{}, false
	}
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.Level != b.Level {
			return a.Level > b.Level
		}
		if a.TotalExperience != b.TotalExperience {
			return a.TotalExperience > b.TotalExperience
		}
		return a.ID < b.ID
	})
	return list[0], true
}

func (s *Store) OverallStats() OverallStats {
	var stats OverallStats
	for _, v := range s.UnlockedCharacters() {
		stats.UnlockedCount++
		stats.TotalLevel += v.Level
		stats.TotalExperience += v.TotalExperience
		stats.MissionsCompleted += v.Stats.MissionsCompleted
	}
	if stats.UnlockedCount > 0 {
		stats.AverageLevel = float64(stats.TotalLevel) / float64(stats.UnlockedCount)
	}
	return stats
}
