package core

import (
	"sync"

	"github.com/dkeye/Duet/internal/domain"
)

// memberSession implements MemberSession by pairing meta + transport.
type memberSession struct {
	mu     sync.RWMutex
	meta   *domain.Member
	signal SignalConnection
}

func NewMemberSession(meta *domain.Member) MemberSession {
	return &memberSession{meta: meta}
}

func (m *memberSession) Meta() *domain.Member { return m.meta }

func (m *memberSession) Signal() SignalConnection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.signal
}

func (m *memberSession) UpdateSignal(s SignalConnection) MemberSession {
	m.mu.Lock()
	m.signal = s
	m.mu.Unlock()
	return m
}
