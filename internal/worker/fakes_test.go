package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"story-pipeline/internal/models"
	"story-pipeline/internal/queue"
	"story-pipeline/internal/store"
)

type memJob struct {
	id        string
	scenario  models.Scenario
	status    string
	attempts  int
	lockedBy  string
	lastError string
}

// memStore mimics the job store semantics closely enough for batch tests.
type memStore struct {
	mu          sync.Mutex
	maxAttempts int
	scenarios   []models.Scenario
	jobs        []*memJob
	stories     map[string]models.StoryContent
	phrases     map[string][]models.KeyPhrase
	audio       map[string]string
	audits      []string

	claimErr   error
	markErr    error
	stealLocks bool
}

func newMemStore(maxAttempts int, slugs ...string) *memStore {
	m := &memStore{
		maxAttempts: maxAttempts,
		stories:     map[string]models.StoryContent{},
		phrases:     map[string][]models.KeyPhrase{},
		audio:       map[string]string{},
	}
	for i, slug := range slugs {
		m.scenarios = append(m.scenarios, models.Scenario{
			ID:       fmt.Sprintf("sc-%d", i+1),
			Slug:     slug,
			Title:    "Title " + slug,
			SeedText: "seed " + slug,
		})
	}
	return m
}

func (m *memStore) CreateMissingJobs(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	created := 0
	for _, sc := range m.scenarios {
		if m.jobFor(sc.ID) != nil {
			continue
		}
		if _, ok := m.stories[sc.ID]; ok {
			continue
		}
		m.jobs = append(m.jobs, &memJob{id: "job-" + sc.ID, scenario: sc, status: models.StatusQueued})
		created++
	}
	return created, nil
}

func (m *memStore) FailAbandonedJobs(context.Context) (int, error) { return 0, nil }

func (m *memStore) ClaimNextJob(_ context.Context, lockID string) (models.ClaimedJob, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimErr != nil {
		return models.ClaimedJob{}, false, m.claimErr
	}
	pick := func(match func(*memJob) bool) *memJob {
		for _, j := range m.jobs {
			if match(j) {
				return j
			}
		}
		return nil
	}
	j := pick(func(j *memJob) bool { return j.status == models.StatusQueued })
	if j == nil {
		j = pick(func(j *memJob) bool { return j.status == models.StatusFailed && j.attempts < m.maxAttempts })
	}
	if j == nil {
		return models.ClaimedJob{}, false, nil
	}
	j.status = models.StatusRunning
	j.attempts++
	j.lockedBy = lockID
	return models.ClaimedJob{JobID: j.id, LockID: lockID, AttemptCount: j.attempts, Scenario: j.scenario}, true, nil
}

func (m *memStore) UpsertStoryWithVocabulary(_ context.Context, scenarioID, _ string, content models.StoryContent, phrases []models.KeyPhrase) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stories[scenarioID] = content
	m.phrases[scenarioID] = phrases
	return "story-" + scenarioID, nil
}

func (m *memStore) UpdateStoryAudioURL(_ context.Context, scenarioID, audioURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audio[scenarioID] = audioURL
	return nil
}

func (m *memStore) MarkJobSucceeded(_ context.Context, jobID, lockID string) error {
	return m.finish(jobID, lockID, models.StatusSucceeded, "")
}

func (m *memStore) MarkJobFailed(_ context.Context, jobID, lockID, message string) error {
	return m.finish(jobID, lockID, models.StatusFailed, message)
}

func (m *memStore) finish(jobID, lockID, status, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markErr != nil {
		return m.markErr
	}
	for _, j := range m.jobs {
		if j.id != jobID {
			continue
		}
		if m.stealLocks || j.lockedBy != lockID {
			return store.ErrLockLost
		}
		j.status = status
		j.lastError = msg
		j.lockedBy = ""
		return nil
	}
	return store.ErrJobNotFound
}

func (m *memStore) AppendAudit(_ context.Context, jobID, event, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, jobID+":"+event)
	return nil
}

func (m *memStore) jobFor(scenarioID string) *memJob {
	for _, j := range m.jobs {
		if j.scenario.ID == scenarioID {
			return j
		}
	}
	return nil
}

func (m *memStore) job(slug string) memJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.scenario.Slug == slug {
			return *j
		}
	}
	return memJob{}
}

type fakeGenerator struct {
	mu    sync.Mutex
	calls map[string]int
	// errs are returned in order for a slug before falling back to success.
	errs map[string][]error
}

func newFakeGenerator() *fakeGenerator {
	return &fakeGenerator{calls: map[string]int{}, errs: map[string][]error{}}
}

func (g *fakeGenerator) GenerateStory(_ context.Context, sc models.Scenario) (*models.GeneratedStory, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := g.calls[sc.Slug]
	g.calls[sc.Slug]++
	if errs := g.errs[sc.Slug]; n < len(errs) && errs[n] != nil {
		return nil, errs[n]
	}
	return &models.GeneratedStory{
		Title:        "Story of " + sc.Slug,
		BodyMarkdown: "Once upon a time at " + sc.Slug + ".",
		KeyPhrases: []models.KeyPhrase{
			{Phrase: "grab a bite", MeaningEn: "eat quickly", MeaningZh: "吃点东西", Type: "phrase"},
		},
	}, nil
}

type fakeNarrator struct {
	calls int
	err   error
}

func (n *fakeNarrator) Synthesize(context.Context, string) ([]byte, error) {
	n.calls++
	if n.err != nil {
		return nil, n.err
	}
	return []byte("ID3audio"), nil
}

type fakeUploader struct{ err error }

func (u fakeUploader) UploadAudio(_ context.Context, slug string, _ []byte) (string, error) {
	if u.err != nil {
		return "", u.err
	}
	return "https://cdn.example.com/stories/audio/" + slug + ".mp3", nil
}

type fakeDeadLetters struct{ items []queue.DeadLetter }

func (f *fakeDeadLetters) Push(_ context.Context, dl queue.DeadLetter) error {
	f.items = append(f.items, dl)
	return nil
}

var errBoom = errors.New("boom")

func noSleepPolicy() RetryPolicy {
	p := DefaultRetryPolicy()
	p.Sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return p
}
