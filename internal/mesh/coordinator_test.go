package mesh

import (
	"context"
	"errors"
	"testing"

	"github.com/dkeye/Gatherly/internal/domain"
	"github.com/dkeye/Gatherly/internal/protocol"
	"github.com/pion/webrtc/v4"
)

type coordFixture struct {
	coord  *Coordinator
	net    *fakeNet
	sig    *fakeSignaler
	camera webrtc.TrackLocal
}

func newCoordFixture(t *testing.T) *coordFixture {
	t.Helper()
	f := &coordFixture{net: newFakeNet(), sig: &fakeSignaler{}, camera: newTrack(t, "camera")}
	f.coord = NewCoordinator(CoordinatorConfig{
		Transports: f.net.factory,
		Signaler:   f.sig,
		Audio:      newTrack(t, "audio"),
		Video:      f.camera,
	})
	t.Cleanup(f.coord.Close)
	return f
}

func (f *coordFixture) peer(t *testing.T, id domain.MemberID) *Peer {
	t.Helper()
	p, ok := f.coord.get(id)
	if !ok {
		t.Fatalf("no peer for %s", id)
	}
	return p
}

// connect completes the offer/answer exchange for a peer we initiated.
func (f *coordFixture) connect(t *testing.T, id domain.MemberID) {
	t.Helper()
	f.coord.Handle(&protocol.Message{
		Type:   protocol.TypeAnswer,
		Source: id,
		SDP:    &protocol.SessionDescription{Type: "answer", SDP: "answer-sdp"},
	})
	p := f.peer(t, id)
	p.barrier()
	if st := p.State(); st != StateConnected {
		t.Fatalf("%s state=%v, want %v", id, st, StateConnected)
	}
}

func roster(names ...string) *protocol.Message {
	m := &protocol.Message{Type: protocol.TypeRoomUsers}
	for _, n := range names {
		m.Users = append(m.Users, domain.Member{ID: domain.MemberID(n), Name: n})
	}
	return m
}

func offerFrom(id domain.MemberID, name string) *protocol.Message {
	return &protocol.Message{
		Type:       protocol.TypeOffer,
		Source:     id,
		SourceName: name,
		SDP:        &protocol.SessionDescription{Type: "offer", SDP: "offer-sdp"},
	}
}

func candidateFrom(id domain.MemberID, c string) *protocol.Message {
	return &protocol.Message{Type: protocol.TypeICECandidate, Source: id, Candidate: &protocol.ICECandidate{Candidate: c}}
}

func TestCoordinatorRosterInitiatesJoinedWaits(t *testing.T) {
	f := newCoordFixture(t)
	f.coord.Handle(roster("bob", "carol"))
	f.coord.Handle(&protocol.Message{Type: protocol.TypeUserJoined, ID: "dave", Name: "Dave"})

	for _, id := range []domain.MemberID{"bob", "carol", "dave"} {
		f.peer(t, id).barrier()
	}
	if n := f.net.count(); n != 3 {
		t.Fatalf("transports=%d, want 3", n)
	}
	for _, id := range []domain.MemberID{"bob", "carol"} {
		if n := f.sig.count(protocol.TypeOffer, id); n != 1 {
			t.Fatalf("offers to %s=%d, want 1", id, n)
		}
	}
	if n := f.sig.count(protocol.TypeOffer, "dave"); n != 0 {
		t.Fatalf("offers to dave=%d, want 0", n)
	}

	// Duplicate notifications reuse the same peer.
	first := f.peer(t, "bob")
	f.coord.Handle(&protocol.Message{Type: protocol.TypeUserJoined, ID: "bob", Name: "Bob"})
	if p, ok := f.coord.Ensure("bob", "Bob", true); !ok || p != first {
		t.Fatalf("Ensure returned a different peer")
	}
	first.barrier()
	if n := f.net.count(); n != 3 {
		t.Fatalf("transports=%d after duplicates, want 3", n)
	}
	if n := f.sig.count(protocol.TypeOffer, "bob"); n != 1 {
		t.Fatalf("offers to bob=%d after duplicates, want 1", n)
	}
}

func TestCoordinatorRemoveTombstones(t *testing.T) {
	f := newCoordFixture(t)
	f.coord.Handle(roster("bob"))
	tr := f.net.get("bob")

	f.coord.Handle(&protocol.Message{Type: protocol.TypeUserLeft, ID: "bob"})
	if !tr.isClosed() {
		t.Fatalf("transport not closed after user-left")
	}
	if _, ok := f.coord.get("bob"); ok {
		t.Fatalf("peer still present")
	}

	f.coord.Handle(offerFrom("bob", "Bob"))
	f.coord.Handle(candidateFrom("bob", "late"))
	f.coord.Handle(&protocol.Message{Type: protocol.TypeUserJoined, ID: "bob", Name: "Bob"})
	f.coord.Handle(&protocol.Message{Type: protocol.TypeUserLeft, ID: "bob"})
	if n := f.net.count(); n != 1 {
		t.Fatalf("transports=%d, want 1", n)
	}
	if n := len(f.coord.Participants()); n != 0 {
		t.Fatalf("participants=%d, want 0", n)
	}
}

func TestCoordinatorDropsUnknownAnswerAndInvalid(t *testing.T) {
	f := newCoordFixture(t)
	f.coord.Handle(&protocol.Message{
		Type:   protocol.TypeAnswer,
		Source: "zed",
		SDP:    &protocol.SessionDescription{Type: "answer", SDP: "answer-sdp"},
	})
	f.coord.Handle(&protocol.Message{Type: protocol.TypeOffer, SDP: &protocol.SessionDescription{Type: "offer", SDP: "x"}})
	f.coord.Handle(&protocol.Message{Type: protocol.TypeError, Error: "room full"})
	if n := f.net.count(); n != 0 {
		t.Fatalf("transports=%d, want 0", n)
	}
}

func TestCoordinatorCandidateBeforeOffer(t *testing.T) {
	f := newCoordFixture(t)
	f.coord.Handle(candidateFrom("eve", "c1"))
	f.coord.Handle(offerFrom("eve", "Eve"))
	p := f.peer(t, "eve")
	p.barrier()

	if n := f.net.count(); n != 1 {
		t.Fatalf("transports=%d, want 1", n)
	}
	if st := p.State(); st != StateAnswerSent {
		t.Fatalf("state=%v, want %v", st, StateAnswerSent)
	}
	if got := f.net.get("eve").candidates(); len(got) != 1 || got[0] != "c1" {
		t.Fatalf("applied=%v, want [c1]", got)
	}
	if name := p.Name(); name != "Eve" {
		t.Fatalf("name=%q, want Eve", name)
	}
	if n := f.sig.count(protocol.TypeAnswer, "eve"); n != 1 {
		t.Fatalf("answers=%d, want 1", n)
	}
}

func TestCoordinatorDropsSelfClosedPeer(t *testing.T) {
	f := newCoordFixture(t)
	f.coord.Handle(roster("bob"))
	old := f.peer(t, "bob")
	old.barrier()

	f.net.get("bob").setConn(ConnFailed)
	<-old.Done()
	eventually(t, "failed peer removal", func() bool {
		_, ok := f.coord.get("bob")
		return !ok
	})

	// A failed peer is not tombstoned, so the member can be reached again.
	f.coord.Handle(offerFrom("bob", "Bob"))
	fresh := f.peer(t, "bob")
	if fresh == old {
		t.Fatalf("expected a new peer instance")
	}
	f.coord.peerClosed(old)
	if p, ok := f.coord.get("bob"); !ok || p != fresh {
		t.Fatalf("stale close removed the fresh peer")
	}
}

func TestCoordinatorReplaceVideo(t *testing.T) {
	f := newCoordFixture(t)
	f.coord.Handle(roster("bob", "carol"))
	f.connect(t, "bob")
	f.connect(t, "carol")
	screen := newTrack(t, "screen")

	if err := f.coord.ReplaceVideo(context.Background(), screen, SourceScreen); err != nil {
		t.Fatalf("ReplaceVideo: %v", err)
	}
	for _, id := range []domain.MemberID{"bob", "carol"} {
		tr := f.net.get(id)
		if tr.videoSender().current() != screen {
			t.Fatalf("%s video not switched", id)
		}
		if tr.audioSender().current() == screen {
			t.Fatalf("%s audio switched", id)
		}
	}
	if src := f.coord.Source(); src != SourceScreen {
		t.Fatalf("source=%v, want screen", src)
	}
	for _, p := range f.coord.Participants() {
		if p.Source != SourceScreen {
			t.Fatalf("participant %s source=%v", p.ID, p.Source)
		}
	}

	// Late joiners start on the current video.
	f.coord.Handle(&protocol.Message{Type: protocol.TypeUserJoined, ID: "dave", Name: "Dave"})
	if f.net.get("dave").videoSender().current() != screen {
		t.Fatalf("new peer did not start on screen")
	}
}

func TestCoordinatorReplaceVideoRollsBack(t *testing.T) {
	f := newCoordFixture(t)
	f.coord.Handle(roster("bob", "carol"))
	f.connect(t, "bob")
	f.connect(t, "carol")
	boom := errors.New("encoder gone")
	f.net.get("carol").videoSender().setFail(boom)

	err := f.coord.ReplaceVideo(context.Background(), newTrack(t, "screen"), SourceScreen)
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v, want %v", err, boom)
	}
	var rerr *ReplaceError
	if !errors.As(err, &rerr) || len(rerr.Blocked) != 1 || rerr.Blocked[0] != "carol" || rerr.Source != SourceScreen {
		t.Fatalf("err=%#v, want carol blocking the screen", err)
	}
	if f.net.get("bob").videoSender().current() != f.camera {
		t.Fatalf("bob not rolled back to camera")
	}
	if f.net.get("carol").videoSender().current() != f.camera {
		t.Fatalf("carol lost camera")
	}
	if src := f.coord.Source(); src != SourceCamera {
		t.Fatalf("source=%v, want camera", src)
	}
}

func TestCoordinatorEarlyCandidatesNeedAnOffer(t *testing.T) {
	f := newCoordFixture(t)
	f.coord.Handle(candidateFrom("eve", "c1"))
	f.coord.Handle(candidateFrom("eve", "c2"))
	if n := f.net.count(); n != 0 {
		t.Fatalf("transports=%d before any offer, want 0", n)
	}
	if got := f.coord.Participants(); len(got) != 0 {
		t.Fatalf("participants=%+v, want none", got)
	}

	f.coord.Handle(offerFrom("eve", "Eve"))
	f.peer(t, "eve").barrier()
	if got := f.net.get("eve").candidates(); len(got) != 2 || got[0] != "c1" || got[1] != "c2" {
		t.Fatalf("applied=%v, want [c1 c2]", got)
	}

	// Held candidates go away with the member.
	f.coord.Handle(candidateFrom("mallory", "m1"))
	f.coord.Remove("mallory")
	f.coord.mu.Lock()
	held := len(f.coord.early)
	f.coord.mu.Unlock()
	if held != 0 {
		t.Fatalf("held candidates for %d members, want 0", held)
	}
}

func TestCoordinatorLateCandidateDoesNotReviveFailedPeer(t *testing.T) {
	f := newCoordFixture(t)
	f.coord.Handle(roster("bob"))
	old := f.peer(t, "bob")
	old.barrier()

	f.net.get("bob").setConn(ConnFailed)
	<-old.Done()
	eventually(t, "failed peer removal", func() bool {
		_, ok := f.coord.get("bob")
		return !ok
	})

	f.coord.Handle(candidateFrom("bob", "late"))
	if got := f.coord.Participants(); len(got) != 0 {
		t.Fatalf("participants=%+v, want none", got)
	}
	if n := f.net.count(); n != 1 {
		t.Fatalf("transports=%d, want 1", n)
	}

	// An offer still reaches the member again, without the stale candidate.
	f.coord.Handle(offerFrom("bob", "Bob"))
	f.peer(t, "bob").barrier()
	if n := f.net.count(); n != 2 {
		t.Fatalf("transports=%d, want 2", n)
	}
	if got := f.net.get("bob").candidates(); len(got) != 0 {
		t.Fatalf("applied=%v, want none", got)
	}
}

func TestCoordinatorReplaceVideoBeforeConnect(t *testing.T) {
	f := newCoordFixture(t)
	f.coord.Handle(roster("bob"))
	f.peer(t, "bob").barrier()

	err := f.coord.ReplaceVideo(context.Background(), newTrack(t, "screen"), SourceScreen)
	if !errors.Is(err, ErrReplaceNotReady) {
		t.Fatalf("err=%v, want %v", err, ErrReplaceNotReady)
	}
	if src := f.coord.Source(); src != SourceCamera {
		t.Fatalf("source=%v, want camera", src)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.coord.ReplaceVideo(ctx, newTrack(t, "screen"), SourceScreen); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want context.Canceled", err)
	}
}

func TestCoordinatorParticipantsSorted(t *testing.T) {
	f := newCoordFixture(t)
	f.coord.Handle(&protocol.Message{Type: protocol.TypeRoomUsers, Users: []domain.Member{
		{ID: "2", Name: "Zed"},
		{ID: "1", Name: "Amy"},
		{ID: "0", Name: "Amy"},
	}})
	got := f.coord.Participants()
	if len(got) != 3 || got[0].ID != "0" || got[1].ID != "1" || got[2].ID != "2" {
		t.Fatalf("participants=%+v", got)
	}
}

func TestCoordinatorClose(t *testing.T) {
	f := newCoordFixture(t)
	f.coord.Handle(roster("bob", "carol"))
	f.coord.Close()

	for _, id := range []domain.MemberID{"bob", "carol"} {
		if !f.net.get(id).isClosed() {
			t.Fatalf("%s transport open after Close", id)
		}
	}
	f.coord.Handle(&protocol.Message{Type: protocol.TypeUserJoined, ID: "dave", Name: "Dave"})
	if n := f.net.count(); n != 2 {
		t.Fatalf("transports=%d after Close, want 2", n)
	}
	if err := f.coord.ReplaceVideo(context.Background(), f.camera, SourceCamera); !errors.Is(err, ErrPeerClosed) {
		t.Fatalf("err=%v, want %v", err, ErrPeerClosed)
	}
	f.coord.Close()
}
