package core

import (
	"sync"

	"github.com/dkeye/Gatherly/internal/domain"
	"github.com/dkeye/Gatherly/internal/protocol"
	"github.com/rs/zerolog/log"
)

// roomImpl is a threadsafe in-memory room.
// It never closes adapter-owned resources.
type roomImpl struct {
	id      domain.RoomID
	mu      sync.RWMutex
	members map[domain.MemberID]MemberSession
	removed bool
}

func NewRoomService(id domain.RoomID) RoomService {
	return &roomImpl{
		id:      id,
		members: make(map[domain.MemberID]MemberSession),
	}
}

func (r *roomImpl) ID() domain.RoomID { return r.id }

func (r *roomImpl) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

func (r *roomImpl) MembersSnapshot() []domain.Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotExcept("")
}

func (r *roomImpl) Join(ms MemberSession) ([]domain.Member, PublishResult, error) {
	meta := ms.Meta()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.removed {
		return nil, PublishResult{}, ErrRoomRemoved
	}
	if _, ok := r.members[meta.ID]; ok {
		return nil, PublishResult{}, ErrAlreadyMember
	}
	roster := r.snapshotExcept(meta.ID)
	r.members[meta.ID] = ms
	res := r.broadcastLocked(meta.ID, &protocol.Message{
		Type: protocol.TypeUserJoined,
		ID:   meta.ID,
		Name: meta.Name,
	})
	log.Info().Str("module", "core.room").Str("room", string(r.id)).Str("member", string(meta.ID)).Int("roster", len(roster)).Msg("member joined")
	return roster, res, nil
}

func (r *roomImpl) Leave(id domain.MemberID) (PublishResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[id]; !ok {
		return PublishResult{}, false
	}
	delete(r.members, id)
	res := r.broadcastLocked(id, &protocol.Message{Type: protocol.TypeUserLeft, ID: id})
	log.Info().Str("module", "core.room").Str("room", string(r.id)).Str("member", string(id)).Int("notified", res.SendTo).Msg("member left")
	return res, true
}

func (r *roomImpl) Forward(from, target domain.MemberID, m *protocol.Message) (PublishResult, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.members[from]; !ok {
		return PublishResult{}, false
	}
	dst, ok := r.members[target]
	if !ok || target == from {
		return PublishResult{}, false
	}
	if err := dst.Signal().TrySend(m); err != nil {
		return PublishResult{Dropped: []MemberSession{dst}}, false
	}
	return PublishResult{SendTo: 1}, true
}

func (r *roomImpl) RemoveIfEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.members) > 0 {
		return false
	}
	r.removed = true
	return true
}

func (r *roomImpl) snapshotExcept(skip domain.MemberID) []domain.Member {
	out := make([]domain.Member, 0, len(r.members))
	for id, ms := range r.members {
		if id == skip {
			continue
		}
		out = append(out, *ms.Meta())
	}
	return out
}

func (r *roomImpl) broadcastLocked(from domain.MemberID, m *protocol.Message) PublishResult {
	res := PublishResult{}
	for id, ms := range r.members {
		if id == from {
			continue
		}
		if err := ms.Signal().TrySend(m); err != nil {
			res.Dropped = append(res.Dropped, ms)
			continue
		}
		res.SendTo++
	}
	log.Debug().Str("module", "core.room").Str("from", string(from)).Str("type", string(m.Type)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}
