// Package mission mirrors the user's missions and keeps them a superset of
// the mission template catalog.
package mission

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"replant/internal/apperr"
	"replant/internal/logger"
	"replant/internal/models"
	"replant/internal/session"
)

const (
	DefaultBatchSize    = 10
	DefaultMaxRetries   = 3
	DefaultRetryBackoff = time.Second

	// ErrMsgExperienceFailed is reported when a mission was completed but
	// its reward could not be granted.
	ErrMsgExperienceFailed = "경험치 추가 실패"
)

var (
	ErrMissionNotFound          = errors.Wrap(apperr.ErrNotFound, "mission")
	ErrIncompleteInitialization = errors.New("mission initialization inserted fewer rows than templates")
	ErrQuizUnavailable          = errors.New("quiz service not configured")
)

// CompletionResult is returned by every completion variant. Success reports
// the completion itself; Error is set when only the reward failed.
type CompletionResult struct {
	Success    bool               `json:"success"`
	Experience int                `json:"experience"`
	Category   string             `json:"category"`
	Error      string             `json:"error,omitempty"`
	Mission    models.Mission     `json:"mission"`
	Quiz       *models.QuizResult `json:"quiz,omitempty"`
}

type Progress struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
}

type Option func(*Store)

func WithExperienceAwarder(fn ExperienceAwarder) Option {
	return func(s *Store) { s.award = fn }
}

func WithQuizService(q QuizService) Option {
	return func(s *Store) { s.quiz = q }
}

func WithBatchSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithRetry sets how many attempts a batch insert gets and the pause between them.
func WithRetry(maxAttempts int, backoff time.Duration) Option {
	return func(s *Store) {
		if maxAttempts > 0 {
			s.maxRetries = maxAttempts
		}
		if backoff >= 0 {
			s.backoff = backoff
		}
	}
}

type Store struct {
	remote Remote
	quiz   QuizService
	award  ExperienceAwarder
	sess   session.Session

	batchSize  int
	maxRetries int
	backoff    time.Duration

	mu       sync.RWMutex
	missions []models.Mission
	lastErr  string

	loading atomic.Bool
	loads   singleflight.Group
}

func NewStore(remote Remote, sess session.Session, opts ...Option) *Store {
	s := &Store{
		remote:     remote,
		sess:       sess,
		batchSize:  DefaultBatchSize,
		maxRetries: DefaultMaxRetries,
		backoff:    DefaultRetryBackoff,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load fetches the user's missions and reconciles them with the template
// catalog. Concurrent calls collapse into one round-trip.
func (s *Store) Load(ctx context.Context) error {
	_, err, _ := s.loads.Do("load", func() (interface{}, error) {
		s.loading.Store(true)
		defer s.loading.Store(false)
		return nil, s.load(ctx)
	})
	return err
}

// Reload re-runs the load and reconcile cycle.
func (s *Store) Reload(ctx context.Context) error {
	return s.Load(ctx)
}

// Loading reports whether a load is in flight.
func (s *Store) Loading() bool {
	return s.loading.Load()
}

func (s *Store) load(ctx context.Context) error {
	missions, err := s.reconcile(ctx)
	if err != nil {
		logger.Error("Failed to load missions", "device_id", s.sess.DeviceID, "error", err)
		s.mu.Lock()
		s.missions = nil
		s.lastErr = apperr.Classify(err)
		s.mu.Unlock()
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.missions = missions
	s.lastErr = ""
	s.mu.Unlock()
	return nil
}

func (s *Store) reconcile(ctx context.Context) ([]models.Mission, error) {
	missions, err := s.remote.ListMissions(ctx, s.sess)
	if err != nil {
		return nil, errors.Wrap(err, "list missions")
	}

	templates, err := s.remote.ListMissionTemplates(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list mission templates")
	}

	if len(missions) == 0 {
		if len(templates) == 0 {
			return nil, nil
		}
		if err := s.initialize(ctx, templates); err != nil {
			return nil, err
		}
		return s.relist(ctx)
	}

	missing := missingTemplates(missions, templates)
	if len(missing) == 0 {
		return missions, nil
	}

	inserted := s.backfill(ctx, missing)
	if inserted == 0 {
		return missions, nil
	}
	return s.relist(ctx)
}

func (s *Store) relist(ctx context.Context) ([]models.Mission, error) {
	missions, err := s.remote.ListMissions(ctx, s.sess)
	if err != nil {
		return nil, errors.Wrap(err, "list missions after insert")
	}
	return missions, nil
}

// initialize copies every template into user rows. Anything short of the
// full catalog is an error.
func (s *Store) initialize(ctx context.Context, templates []models.MissionTemplate) error {
	rows := make([]models.Mission, 0, len(templates))
	for _, t := range templates {
		rows = append(rows, models.NewMissionFromTemplate(s.sess.UserID(), t))
	}

	inserted, err := s.insertBatches(ctx, rows)
	if err != nil {
		return errors.Wrap(err, "initialize missions")
	}
	if inserted < len(templates) {
		return errors.Wrapf(ErrIncompleteInitialization, "inserted %d of %d", inserted, len(templates))
	}

	logger.Info("Missions initialized", "device_id", s.sess.DeviceID, "count", inserted)
	return nil
}

// backfill inserts only the missing templates. Existing rows, and their
// completion state, are never touched. Failures are logged; the user keeps
// the missions they already have.
func (s *Store) backfill(ctx context.Context, missing []models.MissionTemplate) int {
	rows := make([]models.Mission, 0, len(missing))
	for _, t := range missing {
		rows = append(rows, models.NewMissionFromTemplate(s.sess.UserID(), t))
	}

	inserted, err := s.insertBatches(ctx, rows)
	if err != nil {
		logger.Warn("Mission backfill failed", "device_id", s.sess.DeviceID, "inserted", inserted, "missing", len(missing), "error", err)
	} else if inserted < len(missing) {
		logger.Warn("Mission backfill incomplete", "device_id", s.sess.DeviceID, "inserted", inserted, "missing", len(missing))
	} else {
		logger.Info("Missions backfilled", "device_id", s.sess.DeviceID, "count", inserted)
	}
	return inserted
}

func missingTemplates(missions []models.Mission, templates []models.MissionTemplate) []models.MissionTemplate {
	have := make(map[string]struct{}, len(missions))
	for _, m := range missions {
		have[m.MissionID] = struct{}{}
	}
	var missing []models.MissionTemplate
	for _, t := range templates {
		if _, ok := have[t.MissionID]; !ok {
			missing = append(missing, t)
		}
	}
	return missing
}

// insertBatches inserts rows batchSize at a time, retrying each batch up to
// maxRetries attempts with backoff between attempts.
func (s *Store) insertBatches(ctx context.Context, rows []models.Mission) (int, error) {
	inserted := 0
	for start := 0; start < len(rows); start += s.batchSize {
		end := start + s.batchSize
		if end > len(rows) {
			end = len(rows)
		}

		n, err := s.insertWithRetry(ctx, rows[start:end])
		if err != nil {
			return inserted, errors.Wrapf(err, "batch %d-%d", start, end)
		}
		inserted += n
	}
	return inserted, nil
}

func (s *Store) insertWithRetry(ctx context.Context, batch []models.Mission) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		n, err := s.remote.InsertMissions(ctx, s.sess, batch)
		if err == nil {
			return n, nil
		}
		lastErr = err
		logger.Warn("Mission batch insert failed", "attempt", attempt, "size", len(batch), "error", err)

		if attempt == s.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(s.backoff):
		}
	}
	return 0, lastErr
}

func (s *Store) find(id int64) (models.Mission, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.missions {
		if m.ID == id {
			return m, true
		}
	}
	return models.Mission{}, false
}

// replace swaps in the server's copy of m, leaving the old slice untouched.
func (s *Store) replace(m models.Mission) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make([]models.Mission, len(s.missions))
	for i, old := range s.missions {
		if old.ID == m.ID {
			next[i] = m
		} else {
			next[i] = old
		}
	}
	s.missions = next
}

func (s *Store) complete(ctx context.Context, id int64, c models.MissionCompletion) (CompletionResult, error) {
	if _, ok := s.find(id); !ok {
		return CompletionResult{}, ErrMissionNotFound
	}
	if c.CompletedAt.IsZero() {
		c.CompletedAt = time.Now()
	}

	updated, err := s.remote.CompleteMission(ctx, s.sess, id, c)
	if err != nil {
		return CompletionResult{}, errors.Wrap(err, "complete mission")
	}
	// The server has the completion now; mirror it even if the caller left.
	s.replace(*updated)

	return s.reward(context.WithoutCancel(ctx), *updated), nil
}

// reward grants the mission's experience. A failed award never undoes the
// completion.
func (s *Store) reward(ctx context.Context, m models.Mission) CompletionResult {
	result := CompletionResult{Success: true, Category: m.Category, Mission: m}
	if s.award == nil {
		return result
	}

	if err := s.award(ctx, m.Category, m.Experience); err != nil {
		logger.Warn("Experience award failed after completion", "mission", m.MissionID, "category", m.Category, "error", err)
		result.Experience = 0
		result.Error = ErrMsgExperienceFailed
		return result
	}
	result.Experience = m.Experience
	return result
}

func (s *Store) Complete(ctx context.Context, id int64) (CompletionResult, error) {
	return s.complete(ctx, id, models.MissionCompletion{})
}

func (s *Store) CompleteWithPhoto(ctx context.Context, id int64, photoURL string) (CompletionResult, error) {
	return s.complete(ctx, id, models.MissionCompletion{PhotoURL: photoURL})
}

func (s *Store) CompleteWithVideo(ctx context.Context, id int64, videoURL string) (CompletionResult, error) {
	return s.complete(ctx, id, models.MissionCompletion{VideoURL: videoURL})
}

func (s *Store) CompleteWithDiary(ctx context.Context, id int64, text string) (CompletionResult, error) {
	return s.complete(ctx, id, models.MissionCompletion{DiaryText: text})
}

func (s *Store) CompleteWithTimer(ctx context.Context, id int64, seconds int) (CompletionResult, error) {
	return s.complete(ctx, id, models.MissionCompletion{TimerSeconds: seconds})
}

// CompleteWithQuiz delegates scoring to the quiz service. A failed quiz is
// not an error; the result reports Success false.
func (s *Store) CompleteWithQuiz(ctx context.Context, id int64, answers []int, timeSpent int) (CompletionResult, error) {
	if s.quiz == nil {
		return CompletionResult{}, ErrQuizUnavailable
	}
	if _, ok := s.find(id); !ok {
		return CompletionResult{}, ErrMissionNotFound
	}

	quiz, err := s.quiz.SubmitQuiz(ctx, s.sess, id, answers, timeSpent)
	if err != nil {
		return CompletionResult{}, errors.Wrap(err, "submit quiz")
	}

	if quiz.Mission != nil {
		s.replace(*quiz.Mission)
	}
	if !quiz.Passed || quiz.Mission == nil {
		result := CompletionResult{Quiz: quiz}
		if quiz.Mission != nil {
			result.Category = quiz.Mission.Category
			result.Mission = *quiz.Mission
		}
		return result, nil
	}

	result := s.reward(context.WithoutCancel(ctx), *quiz.Mission)
	result.Quiz = quiz
	return result, nil
}

// Uncomplete clears the completion. Experience already granted is kept.
func (s *Store) Uncomplete(ctx context.Context, id int64) (models.Mission, error) {
	if _, ok := s.find(id); !ok {
		return models.Mission{}, ErrMissionNotFound
	}

	updated, err := s.remote.UncompleteMission(ctx, s.sess, id)
	if err != nil {
		return models.Mission{}, errors.Wrap(err, "uncomplete mission")
	}
	s.replace(*updated)
	return *updated, nil
}

func (s *Store) LastError() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

func (s *Store) Missions() []models.Mission {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Mission, len(s.missions))
	copy(out, s.missions)
	return out
}

func (s *Store) ByCategory(category string) []models.Mission {
	var out []models.Mission
	for _, m := range s.Missions() {
		if m.Category == category {
			out = append(out, m)
		}
	}
	return out
}

// Completed returns completed missions, most recent first.
func (s *Store) Completed() []models.Mission {
	var out []models.Mission
	for _, m := range s.Missions() {
		if m.Completed {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].CompletedAt, out[j].CompletedAt
		if a == nil || b == nil {
			return b == nil && a != nil
		}
		return a.After(*b)
	})
	return out
}

// Progress counts missions per category.
func (s *Store) Progress() map[string]Progress {
	out := make(map[string]Progress)
	for _, m := range s.Missions() {
		p := out[m.Category]
		p.Total++
		if m.Completed {
			p.Completed++
		}
		out[m.Category] = p
	}
	return out
}
