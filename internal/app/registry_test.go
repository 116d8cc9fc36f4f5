package app

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/dkeye/Gatherly/internal/core"
	"github.com/dkeye/Gatherly/internal/domain"
	"github.com/dkeye/Gatherly/internal/protocol"
)

type fakeConn struct {
	mu     sync.Mutex
	msgs   []*protocol.Message
	full   bool
	closed atomic.Bool
}

func (c *fakeConn) TrySend(m *protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return errors.New("backpressure")
	}
	c.msgs = append(c.msgs, m)
	return nil
}

func (c *fakeConn) Close() { c.closed.Store(true) }

func (c *fakeConn) count(t protocol.Type) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.msgs {
		if m.Type == t {
			n++
		}
	}
	return n
}

func member(id string) (core.MemberSession, *fakeConn) {
	conn := &fakeConn{}
	return core.NewMemberSession(&domain.Member{ID: domain.MemberID(id), Name: "n-" + id}, conn), conn
}

func rosterIDs(ms []domain.Member) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, string(m.ID))
	}
	sort.Strings(out)
	return out
}

func TestRegistryScenarioAliceBobCarol(t *testing.T) {
	reg := NewRegistry(nil)
	alice, aliceConn := member("alice")
	bob, bobConn := member("bob")
	carol, _ := member("carol")

	roster, err := reg.Join("R1", alice)
	if err != nil || len(roster) != 0 {
		t.Fatalf("alice roster=%v err=%v, want empty", roster, err)
	}
	roster, _ = reg.Join("R1", bob)
	if got := rosterIDs(roster); fmt.Sprint(got) != "[alice]" {
		t.Fatalf("bob roster=%v, want [alice]", got)
	}
	if n := aliceConn.count(protocol.TypeUserJoined); n != 1 {
		t.Fatalf("alice user-joined=%d, want 1", n)
	}
	roster, _ = reg.Join("R1", carol)
	if got := rosterIDs(roster); fmt.Sprint(got) != "[alice bob]" {
		t.Fatalf("carol roster=%v, want [alice bob]", got)
	}
	if n := bobConn.count(protocol.TypeUserJoined); n != 1 {
		t.Fatalf("bob user-joined=%d, want 1", n)
	}
}

func TestRegistryLeaveIdempotentAndRemovesEmptyRoom(t *testing.T) {
	reg := NewRegistry(nil)
	alice, _ := member("alice")
	bob, bobConn := member("bob")
	_, _ = reg.Join("R1", alice)
	_, _ = reg.Join("R1", bob)

	if !reg.Leave("R1", "alice") {
		t.Fatalf("first leave reported absent")
	}
	if reg.Leave("R1", "alice") {
		t.Fatalf("second leave reported present")
	}
	if n := bobConn.count(protocol.TypeUserLeft); n != 1 {
		t.Fatalf("bob user-left=%d, want 1", n)
	}

	reg.Leave("R1", "bob")
	if rooms := reg.List(); len(rooms) != 0 {
		t.Fatalf("rooms=%v, want none", rooms)
	}
	if reg.Leave("nope", "bob") {
		t.Fatalf("leave on unknown room reported present")
	}
}

func TestRegistryForwardDropsForDepartedTarget(t *testing.T) {
	reg := NewRegistry(nil)
	alice, _ := member("alice")
	bob, bobConn := member("bob")
	_, _ = reg.Join("R1", alice)
	_, _ = reg.Join("R1", bob)

	offer := &protocol.Message{Type: protocol.TypeOffer, Source: "alice"}
	if !reg.Forward("R1", "alice", "bob", offer) {
		t.Fatalf("forward not delivered")
	}
	reg.Leave("R1", "bob")
	if reg.Forward("R1", "alice", "bob", offer) {
		t.Fatalf("forward delivered to departed member")
	}
	if reg.Forward("R2", "alice", "bob", offer) {
		t.Fatalf("forward delivered in unknown room")
	}
	if n := bobConn.count(protocol.TypeOffer); n != 1 {
		t.Fatalf("bob offers=%d, want 1", n)
	}
}

func TestRegistryRoomsAreIsolated(t *testing.T) {
	reg := NewRegistry(nil)
	alice, aliceConn := member("alice")
	bob, _ := member("bob")
	_, _ = reg.Join("R1", alice)
	roster, _ := reg.Join("R2", bob)
	if len(roster) != 0 {
		t.Fatalf("bob roster=%v, want empty", roster)
	}
	if reg.Forward("R2", "bob", "alice", &protocol.Message{Type: protocol.TypeOffer}) {
		t.Fatalf("forward crossed rooms")
	}
	if n := aliceConn.count(protocol.TypeUserJoined); n != 0 {
		t.Fatalf("alice user-joined=%d, want 0", n)
	}
}

func TestRegistryKickPolicyClosesSlowMember(t *testing.T) {
	reg := NewRegistry(KickPolicy{})
	alice, _ := member("alice")
	bob, bobConn := member("bob")
	_, _ = reg.Join("R1", alice)
	_, _ = reg.Join("R1", bob)
	bobConn.full = true

	reg.Forward("R1", "alice", "bob", &protocol.Message{Type: protocol.TypeOffer})
	if !bobConn.closed.Load() {
		t.Fatalf("slow member not closed")
	}
}

func TestRegistryDropPolicyKeepsSlowMember(t *testing.T) {
	reg := NewRegistry(DropPolicy{})
	alice, _ := member("alice")
	bob, bobConn := member("bob")
	_, _ = reg.Join("R1", alice)
	_, _ = reg.Join("R1", bob)
	bobConn.full = true

	if reg.Forward("R1", "alice", "bob", &protocol.Message{Type: protocol.TypeOffer}) {
		t.Fatalf("delivered despite backpressure")
	}
	if bobConn.closed.Load() {
		t.Fatalf("slow member closed under drop policy")
	}
}

// Random join/leave interleavings: every roster equals the registered members
// at the moment of the join.
func TestRegistryRosterMatchesMembership(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	reg := NewRegistry(nil)
	present := make(map[string]bool)
	next := 0
	for step := 0; step < 500; step++ {
		if len(present) == 0 || rng.Intn(3) > 0 {
			id := fmt.Sprintf("m%d", next)
			next++
			ms, _ := member(id)
			roster, err := reg.Join("R", ms)
			if err != nil {
				t.Fatalf("Join: %v", err)
			}
			want := make([]string, 0, len(present))
			for p := range present {
				want = append(want, p)
			}
			sort.Strings(want)
			if got := rosterIDs(roster); fmt.Sprint(got) != fmt.Sprint(want) {
				t.Fatalf("step %d roster=%v, want %v", step, got, want)
			}
			present[id] = true
			continue
		}
		for id := range present {
			if !reg.Leave("R", domain.MemberID(id)) {
				t.Fatalf("leave %s reported absent", id)
			}
			delete(present, id)
			break
		}
	}
}

func TestRegistryConcurrentJoinLeave(t *testing.T) {
	reg := NewRegistry(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ms, _ := member(fmt.Sprintf("m%d", i))
			if _, err := reg.Join("R", ms); err != nil {
				t.Errorf("Join: %v", err)
				return
			}
			if i%2 == 0 {
				reg.Leave("R", ms.Meta().ID)
			}
		}(i)
	}
	wg.Wait()
	members, ok := reg.Members("R")
	if !ok {
		t.Fatalf("room missing")
	}
	if len(members) != 25 {
		t.Fatalf("members=%d, want 25", len(members))
	}
}

func TestPolicyByName(t *testing.T) {
	if p, err := PolicyByName("kick"); err != nil || p.OnBackPressure(nil, nil) != KickMember {
		t.Fatalf("kick policy=%v err=%v", p, err)
	}
	if p, err := PolicyByName(""); err != nil || p.OnBackPressure(nil, nil) != DropFrame {
		t.Fatalf("default policy=%v err=%v", p, err)
	}
	if _, err := PolicyByName("retry"); err == nil {
		t.Fatalf("expected error")
	}
}
