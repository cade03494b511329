package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"durable-queue/internal/models"
)

// Memory keeps jobs in process memory. Contents survive Close so that a
// re-Init behaves like reconnecting to a durable backend.
type Memory struct {
	mu    sync.RWMutex
	open  bool
	jobs  map[string]models.Job
	order []string
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]models.Job)}
}

func (m *Memory) Init(_ context.Context) error {
	m.mu.Lock()
	m.open = true
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.open = false
	m.mu.Unlock()
	return nil
}

func (m *Memory) Insert(_ context.Context, job *models.Job) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return "", ErrClosed
	}
	now := time.Now().UTC()
	job.ID = uuid.New().String()
	job.Failed = false
	job.CreatedAt = now
	job.UpdatedAt = now
	m.jobs[job.ID] = cloneJob(*job)
	m.order = append(m.order, job.ID)
	return job.ID, nil
}

func (m *Memory) Get(_ context.Context, id string) (models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.open {
		return models.Job{}, ErrClosed
	}
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	return cloneJob(job), nil
}

func (m *Memory) FindAll(_ context.Context) ([]models.Job, error) {
	return m.find(func(models.Job) bool { return true })
}

func (m *Memory) FindFailed(_ context.Context) ([]models.Job, error) {
	return m.find(func(j models.Job) bool { return j.Failed })
}

func (m *Memory) find(match func(models.Job) bool) ([]models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.open {
		return nil, ErrClosed
	}
	out := make([]models.Job, 0, len(m.order))
	for _, id := range m.order {
		if job, ok := m.jobs[id]; ok && match(job) {
			out = append(out, cloneJob(job))
		}
	}
	return out, nil
}

func (m *Memory) Update(_ context.Context, id string, u models.JobUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return ErrClosed
	}
	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if u.Failed != nil {
		job.Failed = *u.Failed
	}
	job.UpdatedAt = time.Now().UTC()
	m.jobs[id] = job
	return nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return ErrClosed
	}
	if _, ok := m.jobs[id]; !ok {
		return ErrNotFound
	}
	delete(m.jobs, id)
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

// Len reports how many jobs are stored, regardless of open state.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.jobs)
}

func cloneJob(j models.Job) models.Job {
	if j.Data != nil {
		j.Data = append([]byte(nil), j.Data...)
	}
	if j.RetryAt != nil {
		v := *j.RetryAt
		j.RetryAt = &v
	}
	return j
}
