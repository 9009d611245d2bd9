package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusCanceled Status = "canceled"
	StatusExpired  Status = "expired"
)

var ErrNotFound = errors.New("stream not found")

// Stream describes one in-flight relay invocation.
type Stream struct {
	ID        string    `json:"stream_id"`
	UserID    string    `json:"user_id"`
	Format    string    `json:"format"`
	Status    Status    `json:"status"`
	StartedAt time.Time `json:"started_at"`
}

type entry struct {
	stream Stream
	cancel context.CancelFunc
}

// Manager tracks active streams so they can be listed and cancelled from
// outside the request that owns them.
type Manager struct {
	mu          sync.RWMutex
	streams     map[string]*entry
	maxDuration time.Duration
	onExpire    func(Stream)
}

func NewManager(maxDuration time.Duration) *Manager {
	if maxDuration <= 0 {
		maxDuration = 5 * time.Minute
	}
	return &Manager{
		streams:     make(map[string]*entry),
		maxDuration: maxDuration,
	}
}

func (m *Manager) SetExpireHook(hook func(Stream)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Register derives a cancellable context for a new stream. The caller must
// call Done with the returned stream id once the stream has finished.
func (m *Manager) Register(ctx context.Context, userID, format string) (context.Context, Stream) {
	ctx, cancel := context.WithCancel(ctx)
	s := Stream{
		ID:        uuid.NewString(),
		UserID:    userID,
		Format:    format,
		Status:    StatusActive,
		StartedAt: time.Now().UTC(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams[s.ID] = &entry{stream: s, cancel: cancel}
	return ctx, s
}

func (m *Manager) Get(id string) (Stream, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.streams[id]
	if !ok {
		return Stream{}, ErrNotFound
	}
	return e.stream, nil
}

// Cancel stops an active stream. The owner still calls Done.
func (m *Manager) Cancel(id string) (Stream, error) {
	return m.stop(id, StatusCanceled)
}

// Done releases the stream's resources and forgets it.
func (m *Manager) Done(id string) {
	m.mu.Lock()
	e, ok := m.streams[id]
	delete(m.streams, id)
	m.mu.Unlock()
	if ok {
		e.cancel()
	}
}

func (m *Manager) stop(id string, status Status) (Stream, error) {
	m.mu.Lock()
	e, ok := m.streams[id]
	if !ok {
		m.mu.Unlock()
		return Stream{}, ErrNotFound
	}
	e.stream.Status = status
	s := e.stream
	m.mu.Unlock()

	e.cancel()
	return s, nil
}

// List returns the tracked streams, oldest first.
func (m *Manager) List() []Stream {
	m.mu.RLock()
	out := make([]Stream, 0, len(m.streams))
	for _, e := range m.streams {
		out = append(out, e.stream)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, e := range m.streams {
		if e.stream.Status == StatusActive {
			count++
		}
	}
	return count
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireOverdue()
			}
		}
	}()
}

func (m *Manager) expireOverdue() {
	now := time.Now().UTC()
	var overdue []string

	m.mu.RLock()
	for id, e := range m.streams {
		if e.stream.Status == StatusActive && now.Sub(e.stream.StartedAt) >= m.maxDuration {
			overdue = append(overdue, id)
		}
	}
	hook := m.onExpire
	m.mu.RUnlock()

	for _, id := range overdue {
		s, err := m.stop(id, StatusExpired)
		if err != nil {
			continue
		}
		if hook != nil {
			hook(s)
		}
	}
}
