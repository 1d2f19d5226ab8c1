package store

import (
	"context"
	"sort"
	"sync"

	"github.com/drillhub/internal/domain"
)

// Memory implements Store in process memory. It backs tests and single-node
// runs where durability is not required.
type Memory struct {
	mu           sync.RWMutex
	err          error
	sessions     map[string]domain.GameSession
	participants map[string]map[string]domain.Participant
	submissions  map[string]map[string]SubmissionRecord // sessionID -> userID:submissionID
}

func NewMemory() *Memory {
	return &Memory{
		sessions:     make(map[string]domain.GameSession),
		participants: make(map[string]map[string]domain.Participant),
		submissions:  make(map[string]map[string]SubmissionRecord),
	}
}

// SetErr makes every subsequent call fail with err until reset with nil.
// Tests use it to simulate an unreachable store.
func (m *Memory) SetErr(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func (m *Memory) SaveSession(_ context.Context, s domain.GameSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return m.err
	}

	m.sessions[s.ID] = s
	return nil
}

func (m *Memory) SaveParticipant(_ context.Context, p domain.Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return m.err
	}

	if m.participants[p.SessionID] == nil {
		m.participants[p.SessionID] = make(map[string]domain.Participant)
	}
	m.participants[p.SessionID][p.User.ID] = p
	return nil
}

func (m *Memory) DeleteParticipant(_ context.Context, sessionID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return m.err
	}

	delete(m.participants[sessionID], userID)
	return nil
}

func (m *Memory) SaveSubmission(_ context.Context, r SubmissionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return m.err
	}

	if m.submissions[r.SessionID] == nil {
		m.submissions[r.SessionID] = make(map[string]SubmissionRecord)
	}

	key := r.UserID + ":" + r.SubmissionID
	if _, ok := m.submissions[r.SessionID][key]; ok {
		return ErrDuplicateSubmission
	}

	m.submissions[r.SessionID][key] = r
	return nil
}

func (m *Memory) ListOpenSessions(_ context.Context) ([]domain.GameSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.err != nil {
		return nil, m.err
	}

	var out []domain.GameSession
	for _, s := range m.sessions {
		if s.Status == domain.SessionWaiting || s.Status == domain.SessionActive {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	return out, nil
}

func (m *Memory) ListParticipants(_ context.Context, sessionID string) ([]domain.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.err != nil {
		return nil, m.err
	}

	var out []domain.Participant
	for _, p := range m.participants[sessionID] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })

	return out, nil
}

func (m *Memory) ListSubmissions(_ context.Context, sessionID string) ([]SubmissionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.err != nil {
		return nil, m.err
	}

	var out []SubmissionRecord
	for _, r := range m.submissions[sessionID] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })

	return out, nil
}
