package replay

import (
	"sort"
	"sync"
)

const sessionShards = 256

// SessionStore maps session keys to virtual users. Users are created on first reference and
// kept for the whole run.
type SessionStore struct {
	shards [sessionShards]*sessionShard
}

type sessionShard struct {
	agents map[Key]*UserAgent
	mu     sync.RWMutex
}

// SessionInfo is a point-in-time summary of one virtual user.
type SessionInfo struct {
	Key        string `json:"key"`
	Persistent bool   `json:"persistent"`
	Requests   int64  `json:"requests"`
	Overrides  int    `json:"overrides"`
}

func NewSessionStore() *SessionStore {
	s := &SessionStore{}
	for i := range s.shards {
		s.shards[i] = &sessionShard{agents: make(map[Key]*UserAgent)}
	}
	return s
}

func (s *SessionStore) shard(key Key) *sessionShard {
	return s.shards[uint64(key)%sessionShards]
}

// GetOrCreate returns the user for key, creating it on first reference. Concurrent first
// references to the same key observe the same UserAgent.
func (s *SessionStore) GetOrCreate(key Key, persistent bool) *UserAgent {
	shard := s.shard(key)

	shard.mu.RLock()
	if agent, exists := shard.agents[key]; exists {
		shard.mu.RUnlock()
		return agent
	}
	shard.mu.RUnlock()

	// double-checked locking: another worker may have created it between the two locks
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if agent, exists := shard.agents[key]; exists {
		return agent
	}

	agent := NewUserAgent(key, persistent)
	shard.agents[key] = agent
	return agent
}

func (s *SessionStore) Get(key Key) (*UserAgent, bool) {
	shard := s.shard(key)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	agent, ok := shard.agents[key]
	return agent, ok
}

func (s *SessionStore) Len() int {
	n := 0
	for _, shard := range s.shards {
		shard.mu.RLock()
		n += len(shard.agents)
		shard.mu.RUnlock()
	}
	return n
}

// Range calls fn for every user until fn returns false. fn must not call back into the store.
func (s *SessionStore) Range(fn func(*UserAgent) bool) {
	for _, shard := range s.shards {
		shard.mu.RLock()
		for _, agent := range shard.agents {
			if !fn(agent) {
				shard.mu.RUnlock()
				return
			}
		}
		shard.mu.RUnlock()
	}
}

// Snapshot summarises every user, most active first.
func (s *SessionStore) Snapshot() []SessionInfo {
	var infos []SessionInfo
	s.Range(func(agent *UserAgent) bool {
		infos = append(infos, SessionInfo{
			Key:        agent.Key().String(),
			Persistent: agent.Persistent(),
			Requests:   agent.Requests(),
			Overrides:  len(agent.OverrideFields()),
		})
		return true
	})

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Requests != infos[j].Requests {
			return infos[i].Requests > infos[j].Requests
		}
		return infos[i].Key < infos[j].Key
	})
	return infos
}
