// Package memory implements internal/store.Store over plain in-process
// maps guarded by a mutex. Used by unit tests and by internal/app when
// DATABASE_URL is set to the empty string.
// Grounded on the teacher's in-repo test-double style (scripted/mock
// structs backing narrow interfaces); no third-party dependency — this is
// exactly the kind of disposable test double the pack itself doesn't ship
// as a library.
package memory

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/loopworks/conductor/internal/store"
)

// Store is an in-memory store.Store implementation. The zero value is not
// usable; construct with New.
type Store struct {
	mu sync.Mutex

	conversations []store.Conversation
	tasks         map[string]store.TaskRecord
	knowledge     map[string]json.RawMessage
	projects      map[string]store.Project
	improvements  []store.ImprovementAttempt
	scheduled     map[string]store.ScheduledItem
	snippets      []snippet
}

type snippet struct {
	text      string
	embedding []float32
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		tasks:     make(map[string]store.TaskRecord),
		knowledge: make(map[string]json.RawMessage),
		projects:  make(map[string]store.Project),
		scheduled: make(map[string]store.ScheduledItem),
	}
}

func (s *Store) SaveConversation(ctx context.Context, c store.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations = append(s.conversations, c)
	return nil
}

func (s *Store) RecentConversations(ctx context.Context, n int) ([]store.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.conversations) {
		n = len(s.conversations)
	}
	out := make([]store.Conversation, n)
	copy(out, s.conversations[len(s.conversations)-n:])
	return out, nil
}

func (s *Store) UpsertTask(ctx context.Context, t store.TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.UpdatedAt = time.Now()
	if existing, ok := s.tasks[t.ID]; ok {
		t.CreatedAt = existing.CreatedAt
	} else {
		t.CreatedAt = t.UpdatedAt
	}
	s.tasks[t.ID] = t
	return nil
}

func (s *Store) RecentTasks(ctx context.Context, n int) ([]store.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.TaskRecord, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if n > 0 && n < len(out) {
		out = out[:n]
	}
	return out, nil
}

func (s *Store) GetKnowledge(ctx context.Context, key string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.knowledge[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return v, nil
}

func (s *Store) SetKnowledge(ctx context.Context, key string, value json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.knowledge[key] = value
	return nil
}

func (s *Store) AllKnowledge(ctx context.Context) (map[string]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]json.RawMessage, len(s.knowledge))
	for k, v := range s.knowledge {
		out[k] = v
	}
	return out, nil
}

// StoreSnippet appends text/embedding to an unbounded in-process slice; this
// store is for tests and runs without a database, so no eviction policy is
// needed.
func (s *Store) StoreSnippet(ctx context.Context, text string, embedding []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snippets = append(s.snippets, snippet{text: text, embedding: embedding})
	return nil
}

// SearchSnippets performs a brute-force nearest-neighbor scan by Euclidean
// distance, matching the L2 metric internal/store/postgres's pgvector
// column uses, so memory-backed and Postgres-backed runs rank identically.
func (s *Store) SearchSnippets(ctx context.Context, embedding []float32, k int) ([]store.SemanticMatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.SemanticMatch, 0, len(s.snippets))
	for _, sn := range s.snippets {
		out = append(out, store.SemanticMatch{Text: sn.text, Distance: euclidean(embedding, sn.embedding)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if k > 0 && k < len(out) {
		out = out[:k]
	}
	return out, nil
}

func (s *Store) CountSnippets(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snippets), nil
}

func euclidean(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

func (s *Store) GetProjectBySlug(ctx context.Context, slug string) (*store.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.projects {
		if p.Slug == slug {
			p := p
			return &p, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) GetProject(ctx context.Context, id string) (*store.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (s *Store) ListProjects(ctx context.Context) ([]store.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) ProjectsWithObjective(ctx context.Context) ([]store.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Project
	for _, p := range s.projects {
		if p.Objective != "" {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := out[i].LastAutonomousAt, out[j].LastAutonomousAt
		if ai == nil {
			return aj != nil || out[i].ID < out[j].ID
		}
		if aj == nil {
			return false
		}
		if ai.Equal(*aj) {
			return out[i].ID < out[j].ID
		}
		return ai.Before(*aj)
	})
	return out, nil
}

func (s *Store) UpsertProject(ctx context.Context, p store.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.CreatedAt.IsZero() {
		if existing, ok := s.projects[p.ID]; ok {
			p.CreatedAt = existing.CreatedAt
		} else {
			p.CreatedAt = time.Now()
		}
	}
	s.projects[p.ID] = p
	return nil
}

func (s *Store) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return store.ErrNotFound
	}
	p.LastUsedAt = &at
	s.projects[id] = p
	return nil
}

func (s *Store) RecordAutonomousRun(ctx context.Context, id string, at time.Time, date string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return store.ErrNotFound
	}
	p.LastAutonomousAt = &at
	if p.AutonomousRunsDate != date {
		p.AutonomousRunsDate = date
		p.AutonomousRunsToday = 0
	}
	p.AutonomousRunsToday++
	s.projects[id] = p
	return nil
}

func (s *Store) SaveImprovementAttempt(ctx context.Context, a store.ImprovementAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.improvements = append(s.improvements, a)
	return nil
}

func (s *Store) RecentImprovementAttempts(ctx context.Context, n int) ([]store.ImprovementAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.improvements) {
		n = len(s.improvements)
	}
	out := make([]store.ImprovementAttempt, n)
	copy(out, s.improvements[len(s.improvements)-n:])
	// most-recent-first, matching the CLI's `/improvements [N]` surface
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) CreateScheduledItem(ctx context.Context, it store.ScheduledItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduled[it.ID] = it
	return nil
}

func (s *Store) DueScheduledItems(ctx context.Context, now time.Time) ([]store.ScheduledItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.ScheduledItem
	for _, it := range s.scheduled {
		if it.Status == "active" && it.NextRunAt != nil && !it.NextRunAt.After(now) {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRunAt.Before(*out[j].NextRunAt) })
	return out, nil
}

func (s *Store) UpdateScheduledItem(ctx context.Context, it store.ScheduledItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scheduled[it.ID]; !ok {
		return store.ErrNotFound
	}
	s.scheduled[it.ID] = it
	return nil
}

func (s *Store) ListScheduledItems(ctx context.Context) ([]store.ScheduledItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.ScheduledItem, 0, len(s.scheduled))
	for _, it := range s.scheduled {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) SetScheduledItemStatus(ctx context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.scheduled[id]
	if !ok {
		return store.ErrNotFound
	}
	it.Status = status
	s.scheduled[id] = it
	return nil
}
