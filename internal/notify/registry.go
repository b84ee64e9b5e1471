package notify

import (
	"sort"
	"sync"

	"github.com/hitoshi/tablebook/internal/wire"
)

type subscriptionKey struct {
	kind wire.Kind
	id   int64
}

// Registry は接続と購読対象の対応を保持する。
// 配信はスナップショットを走査するため、配信中の購読追加・削除と競合しない。
type Registry struct {
	mu        sync.RWMutex
	byKey     map[subscriptionKey]map[*Session]struct{}
	bySession map[*Session]map[subscriptionKey]struct{}
}

// NewRegistry は空のRegistryを生成する。
func NewRegistry() *Registry {
	return &Registry{
		byKey:     make(map[subscriptionKey]map[*Session]struct{}),
		bySession: make(map[*Session]map[subscriptionKey]struct{}),
	}
}

// Add は購読を登録する。既に登録済みの場合はfalseを返す。
func (r *Registry) Add(s *Session, kind wire.Kind, id int64) bool {
	key := subscriptionKey{kind: kind, id: id}

	r.mu.Lock()
	defer r.mu.Unlock()

	keys, ok := r.bySession[s]
	if !ok {
		keys = make(map[subscriptionKey]struct{})
		r.bySession[s] = keys
	}
	if _, exists := keys[key]; exists {
		return false
	}
	keys[key] = struct{}{}

	sessions, ok := r.byKey[key]
	if !ok {
		sessions = make(map[*Session]struct{})
		r.byKey[key] = sessions
	}
	sessions[s] = struct{}{}
	return true
}

// Remove は購読を1件解除する。登録されていなかった場合はfalseを返す。
func (r *Registry) Remove(s *Session, kind wire.Kind, id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(s, subscriptionKey{kind: kind, id: id})
}

// RemoveKind は接続の指定種別の購読をすべて解除し、解除件数を返す。
func (r *Registry) RemoveKind(s *Session, kind wire.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for key := range r.bySession[s] {
		if key.kind == kind && r.removeLocked(s, key) {
			removed++
		}
	}
	return removed
}

// RemoveSession は接続の購読をすべて解除し、解除件数を返す。
func (r *Registry) RemoveSession(s *Session) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for key := range r.bySession[s] {
		if r.removeLocked(s, key) {
			removed++
		}
	}
	delete(r.bySession, s)
	return removed
}

func (r *Registry) removeLocked(s *Session, key subscriptionKey) bool {
	keys, ok := r.bySession[s]
	if !ok {
		return false
	}
	if _, exists := keys[key]; !exists {
		return false
	}
	delete(keys, key)
	if len(keys) == 0 {
		delete(r.bySession, s)
	}

	if sessions, ok := r.byKey[key]; ok {
		delete(sessions, s)
		if len(sessions) == 0 {
			delete(r.byKey, key)
		}
	}
	return true
}

// IDs は接続が購読している指定種別のIDを昇順で返す。
func (r *Registry) IDs(s *Session, kind wire.Kind) []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []int64
	for key := range r.bySession[s] {
		if key.kind == kind {
			ids = append(ids, key.id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Subscribers は指定種別・IDの購読者のスナップショットを返す。
func (r *Registry) Subscribers(kind wire.Kind, id int64) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := r.byKey[subscriptionKey{kind: kind, id: id}]
	out := make([]*Session, 0, len(sessions))
	for s := range sessions {
		out = append(out, s)
	}
	return out
}

// Len は登録されている購読の総数を返す。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, keys := range r.bySession {
		n += len(keys)
	}
	return n
}
