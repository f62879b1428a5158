package inventory

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used by tests and dry scenarios.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	hosts  map[int64]HostRecord
	logs   []RunLog
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1, hosts: make(map[int64]HostRecord)}
}

func (m *MemoryStore) SaveHost(_ context.Context, rec HostRecord) (int64, error) {
	if err := rec.Validate(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, existing := range m.hosts {
		match := existing.Name == rec.Name
		if rec.ExternalUID != "" {
			match = existing.ExternalUID == rec.ExternalUID
		}
		if match {
			if rec.PasswordEnc == nil {
				rec.PasswordEnc = existing.PasswordEnc
			}
			rec.ID = id
			rec.LastCheck = existing.LastCheck
			rec.PendingUpdates = existing.PendingUpdates
			m.hosts[id] = rec
			return id, nil
		}
	}

	rec.ID = m.nextID
	m.nextID++
	m.hosts[rec.ID] = rec
	return rec.ID, nil
}

func (m *MemoryStore) GetHost(_ context.Context, id int64) (HostRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.hosts[id]
	if !ok {
		return HostRecord{}, ErrHostNotFound
	}
	return rec, nil
}

func (m *MemoryStore) GetHostByName(_ context.Context, name string) (HostRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.hosts {
		if rec.Name == name {
			return rec, nil
		}
	}
	return HostRecord{}, ErrHostNotFound
}

func (m *MemoryStore) ListHosts(_ context.Context) ([]HostRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := make([]HostRecord, 0, len(m.hosts))
	for _, rec := range m.hosts {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Name < recs[j].Name })
	return recs, nil
}

func (m *MemoryStore) DeleteHost(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.hosts[id]; !ok {
		return ErrHostNotFound
	}
	delete(m.hosts, id)
	return nil
}

func (m *MemoryStore) SetHostPassword(_ context.Context, id int64, token []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.hosts[id]
	if !ok {
		return ErrHostNotFound
	}
	rec.PasswordEnc = token
	m.hosts[id] = rec
	return nil
}

func (m *MemoryStore) HostPassword(_ context.Context, id int64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.hosts[id]
	if !ok {
		return nil, ErrHostNotFound
	}
	return rec.PasswordEnc, nil
}

func (m *MemoryStore) RecordCheck(_ context.Context, id int64, at time.Time, pending int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.hosts[id]
	if !ok {
		return ErrHostNotFound
	}
	rec.LastCheck = at
	rec.PendingUpdates = pending
	m.hosts[id] = rec
	return nil
}

func (m *MemoryStore) AppendLog(_ context.Context, entry RunLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.ID = int64(len(m.logs) + 1)
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	m.logs = append(m.logs, entry)
	return nil
}

func (m *MemoryStore) ListLogs(_ context.Context, hostID int64, limit int) ([]RunLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	var logs []RunLog
	for i := len(m.logs) - 1; i >= 0 && len(logs) < limit; i-- {
		if m.logs[i].HostID == hostID {
			logs = append(logs, m.logs[i])
		}
	}
	return logs, nil
}

func (m *MemoryStore) Close() error { return nil }
