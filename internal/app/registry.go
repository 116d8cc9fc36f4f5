package app

import (
	"errors"
	"sort"
	"sync"

	"github.com/dkeye/Gatherly/internal/core"
	"github.com/dkeye/Gatherly/internal/domain"
	"github.com/dkeye/Gatherly/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Registry owns room id -> room. Membership of a single room is linearized
// by the room itself; the map lock only guards room creation and removal.
type Registry struct {
	mu     sync.RWMutex
	rooms  map[domain.RoomID]core.RoomService
	policy Policy
}

func NewRegistry(policy Policy) *Registry {
	if policy == nil {
		policy = DropPolicy{}
	}
	return &Registry{
		rooms:  make(map[domain.RoomID]core.RoomService),
		policy: policy,
	}
}

// Join adds ms to the room, creating it if needed, and returns the other
// members present at that moment.
func (r *Registry) Join(roomID domain.RoomID, ms core.MemberSession) ([]domain.Member, error) {
	for {
		room := r.getOrCreate(roomID)
		roster, res, err := room.Join(ms)
		if errors.Is(err, core.ErrRoomRemoved) {
			// Lost a race with the last leaver; retry on a fresh room.
			r.dropRoom(room)
			continue
		}
		if err != nil {
			return nil, err
		}
		r.applyPolicy(room, res)
		return roster, nil
	}
}

// Leave removes the member and notifies the rest of the room. It reports
// whether the member was present; a second call is a no-op.
func (r *Registry) Leave(roomID domain.RoomID, id domain.MemberID) bool {
	room, ok := r.get(roomID)
	if !ok {
		return false
	}
	res, ok := room.Leave(id)
	if !ok {
		return false
	}
	r.applyPolicy(room, res)
	if room.RemoveIfEmpty() {
		r.dropRoom(room)
		log.Info().Str("module", "app.registry").Str("room", string(roomID)).Msg("room removed")
	}
	return true
}

// Forward delivers m to target if both ends are in the room. Undeliverable
// messages are dropped silently.
func (r *Registry) Forward(roomID domain.RoomID, from, target domain.MemberID, m *protocol.Message) bool {
	room, ok := r.get(roomID)
	if !ok {
		return false
	}
	res, delivered := room.Forward(from, target, m)
	if !delivered && len(res.Dropped) == 0 {
		log.Debug().Str("module", "app.registry").Str("room", string(roomID)).Str("from", string(from)).Str("target", string(target)).Str("type", string(m.Type)).Msg("forward dropped, target not in room")
	}
	r.applyPolicy(room, res)
	return delivered
}

func (r *Registry) List() []core.RoomInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.RoomInfo, 0, len(r.rooms))
	for id, room := range r.rooms {
		out = append(out, core.RoomInfo{ID: id, MemberCount: room.MemberCount()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Members(roomID domain.RoomID) ([]domain.Member, bool) {
	room, ok := r.get(roomID)
	if !ok {
		return nil, false
	}
	return room.MembersSnapshot(), true
}

func (r *Registry) get(roomID domain.RoomID) (core.RoomService, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[roomID]
	return room, ok
}

func (r *Registry) getOrCreate(roomID domain.RoomID) core.RoomService {
	r.mu.RLock()
	room, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if ok {
		return room
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if room, ok = r.rooms[roomID]; ok {
		return room
	}
	room = core.NewRoomService(roomID)
	r.rooms[roomID] = room
	log.Info().Str("module", "app.registry").Str("room", string(roomID)).Msg("room created")
	return room
}

func (r *Registry) dropRoom(room core.RoomService) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.rooms[room.ID()]; ok && cur == room {
		delete(r.rooms, room.ID())
	}
}

func (r *Registry) applyPolicy(room core.RoomService, res core.PublishResult) {
	for _, slow := range res.Dropped {
		meta := slow.Meta()
		switch r.policy.OnBackPressure(room, slow) {
		case KickMember:
			log.Warn().Str("module", "app.registry").Str("room", string(room.ID())).Str("member", string(meta.ID)).Msg("kicking slow member")
			// Closing the connection makes its channel run the single leave.
			slow.Signal().Close()
		case DropFrame:
			log.Warn().Str("module", "app.registry").Str("room", string(room.ID())).Str("member", string(meta.ID)).Msg("frame dropped on backpressure")
		case NoAction:
		}
	}
}
