package runs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/parallaxlabs/relay/internal/state"
	"github.com/parallaxlabs/relay/pkg/models"
)

// MemoryStores returns in-memory run, step, and effect stores sharing
// one lock. Suitable for tests and single-process deployments.
func MemoryStores() *Stores {
	shared := &memoryState{
		runs:    make(map[string]*models.Run),
		steps:   make(map[string][]*models.Step),
		effects: make(map[string][]*models.Effect),
		idem:    make(map[string]bool),
	}
	return &Stores{
		Runs:    &memoryRunStore{state: shared},
		Steps:   &memoryStepStore{state: shared},
		Effects: &memoryEffectStore{state: shared},
	}
}

type memoryState struct {
	mu      sync.RWMutex
	runs    map[string]*models.Run
	order   []string
	steps   map[string][]*models.Step
	effects map[string][]*models.Effect
	idem    map[string]bool
}

type memoryRunStore struct{ state *memoryState }

func cloneRun(run *models.Run) *models.Run {
	clone := *run
	if run.Config != nil {
		cfg := *run.Config
		cfg.Channels = append([]string(nil), run.Config.Channels...)
		cfg.ApprovedSteps = append([]string(nil), run.Config.ApprovedSteps...)
		cfg.Scopes = append([]string(nil), run.Config.Scopes...)
		if run.Config.ScopedKeys != nil {
			cfg.ScopedKeys = make(map[string]string, len(run.Config.ScopedKeys))
			for k, v := range run.Config.ScopedKeys {
				cfg.ScopedKeys[k] = v
			}
		}
		cfg.Meta = state.CloneMap(run.Config.Meta)
		clone.Config = &cfg
	}
	clone.Output = state.CloneMap(run.Output)
	if run.Error != nil {
		e := *run.Error
		clone.Error = &e
	}
	if run.ScheduledAt != nil {
		at := *run.ScheduledAt
		clone.ScheduledAt = &at
	}
	return &clone
}

func (s *memoryRunStore) Create(ctx context.Context, run *models.Run) error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	if _, exists := s.state.runs[run.ID]; exists {
		return ErrAlreadyExists
	}
	clone := cloneRun(run)
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	if clone.UpdatedAt.IsZero() {
		clone.UpdatedAt = clone.CreatedAt
	}
	s.state.runs[run.ID] = clone
	s.state.order = append(s.state.order, run.ID)
	return nil
}

func (s *memoryRunStore) Get(ctx context.Context, id string) (*models.Run, error) {
	s.state.mu.RLock()
	defer s.state.mu.RUnlock()
	run, ok := s.state.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRun(run), nil
}

func (s *memoryRunStore) Update(ctx context.Context, run *models.Run) error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	if _, ok := s.state.runs[run.ID]; !ok {
		return ErrNotFound
	}
	clone := cloneRun(run)
	clone.UpdatedAt = time.Now()
	s.state.runs[run.ID] = clone
	return nil
}

func (s *memoryRunStore) List(ctx context.Context, opts ListOptions) ([]*models.Run, error) {
	s.state.mu.RLock()
	defer s.state.mu.RUnlock()

	var out []*models.Run
	for _, id := range s.state.order {
		run := s.state.runs[id]
		if opts.UserID != "" && run.UserID != opts.UserID {
			continue
		}
		if opts.TeamID != "" && run.TeamID != opts.TeamID {
			continue
		}
		if opts.Status != "" && run.Status != opts.Status {
			continue
		}
		out = append(out, cloneRun(run))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *memoryRunStore) ListScheduledBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.Run, error) {
	s.state.mu.RLock()
	defer s.state.mu.RUnlock()

	var out []*models.Run
	for _, id := range s.state.order {
		run := s.state.runs[id]
		if run.Status != models.RunQueued || run.ScheduledAt == nil {
			continue
		}
		if run.ScheduledAt.After(cutoff) {
			continue
		}
		out = append(out, cloneRun(run))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *memoryRunStore) ClearSchedule(ctx context.Context, id string) (bool, error) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	run, ok := s.state.runs[id]
	if !ok || run.ScheduledAt == nil {
		return false, nil
	}
	run.ScheduledAt = nil
	run.UpdatedAt = time.Now()
	return true, nil
}

type memoryStepStore struct{ state *memoryState }

func (s *memoryStepStore) Upsert(ctx context.Context, step *models.Step) error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	clone := *step
	rows := s.state.steps[step.RunID]
	for i, existing := range rows {
		if existing.ID == step.ID {
			rows[i] = &clone
			return nil
		}
	}
	s.state.steps[step.RunID] = append(rows, &clone)
	return nil
}

func (s *memoryStepStore) ListByRun(ctx context.Context, runID string) ([]*models.Step, error) {
	s.state.mu.RLock()
	defer s.state.mu.RUnlock()

	rows := s.state.steps[runID]
	out := make([]*models.Step, 0, len(rows))
	for _, step := range rows {
		clone := *step
		out = append(out, &clone)
	}
	return out, nil
}

func (s *memoryStepStore) CountByRun(ctx context.Context, runID string) (int, error) {
	s.state.mu.RLock()
	defer s.state.mu.RUnlock()
	return len(s.state.steps[runID]), nil
}

type memoryEffectStore struct{ state *memoryState }

func (s *memoryEffectStore) Create(ctx context.Context, effect *models.Effect) error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	key := effect.RunID + "\x00" + effect.AppID + "\x00" + effect.IdempotencyKey
	if s.state.idem[key] {
		return ErrDuplicateIdempotencyKey
	}
	s.state.idem[key] = true

	clone := *effect
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	s.state.effects[effect.RunID] = append(s.state.effects[effect.RunID], &clone)
	return nil
}

func (s *memoryEffectStore) ListByRun(ctx context.Context, runID string) ([]*models.Effect, error) {
	s.state.mu.RLock()
	defer s.state.mu.RUnlock()

	rows := s.state.effects[runID]
	out := make([]*models.Effect, 0, len(rows))
	for _, effect := range rows {
		clone := *effect
		if effect.UndoneAt != nil {
			at := *effect.UndoneAt
			clone.UndoneAt = &at
		}
		out = append(out, &clone)
	}
	return out, nil
}

func (s *memoryEffectStore) MarkUndone(ctx context.Context, id string, at time.Time) error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	for _, rows := range s.state.effects {
		for _, effect := range rows {
			if effect.ID == id {
				if effect.UndoneAt == nil {
					undoneAt := at
					effect.UndoneAt = &undoneAt
				}
				return nil
			}
		}
	}
	return ErrNotFound
}
