package mesh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Gatherly/internal/domain"
	"github.com/dkeye/Gatherly/internal/protocol"
	"github.com/pion/webrtc/v4"
)

type fakeSender struct {
	mu    sync.Mutex
	track webrtc.TrackLocal
	fail  error
}

func (s *fakeSender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.track = track
	return nil
}

func (s *fakeSender) current() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *fakeSender) setFail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

type fakeTransport struct {
	remote domain.MemberID

	mu         sync.Mutex
	localDesc  *webrtc.SessionDescription
	remoteDesc *webrtc.SessionDescription
	added      []webrtc.ICECandidateInit
	senders    []*fakeSender
	onICE      func(webrtc.ICECandidateInit)
	onConn     func(ConnState)
	closed     bool
	offerErr   error
}

func (f *fakeTransport) CreateOffer() (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offerErr != nil {
		return webrtc.SessionDescription{}, f.offerErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-sdp"}, nil
}

func (f *fakeTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-sdp"}, nil
}

func (f *fakeTransport) SetLocalDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.localDesc = &desc
	return nil
}

func (f *fakeTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteDesc = &desc
	return nil
}

// AddICECandidate fails without a remote description, like pion does.
func (f *fakeTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remoteDesc == nil {
		return errors.New("remote description not set")
	}
	f.added = append(f.added, c)
	return nil
}

func (f *fakeTransport) AddTrack(track webrtc.TrackLocal) (Sender, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeSender{track: track}
	f.senders = append(f.senders, s)
	return s, nil
}

func (f *fakeTransport) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onICE = fn
}

func (f *fakeTransport) OnConnectivityChange(fn func(ConnState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onConn = fn
}

func (f *fakeTransport) OnTrack(func(*webrtc.TrackRemote)) {}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) emitLocal(candidate string) {
	f.mu.Lock()
	fn := f.onICE
	f.mu.Unlock()
	fn(webrtc.ICECandidateInit{Candidate: candidate})
}

func (f *fakeTransport) setConn(s ConnState) {
	f.mu.Lock()
	fn := f.onConn
	f.mu.Unlock()
	fn(s)
}

func (f *fakeTransport) candidates() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.added))
	for _, c := range f.added {
		out = append(out, c.Candidate)
	}
	return out
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) audioSender() *fakeSender { return f.sender(0) }
func (f *fakeTransport) videoSender() *fakeSender { return f.sender(1) }

func (f *fakeTransport) sender(i int) *fakeSender {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.senders[i]
}

// fakeNet hands out fakeTransports and remembers the latest one per remote.
type fakeNet struct {
	mu      sync.Mutex
	byPeer  map[domain.MemberID]*fakeTransport
	created int
}

func newFakeNet() *fakeNet {
	return &fakeNet{byPeer: make(map[domain.MemberID]*fakeTransport)}
}

func (n *fakeNet) factory(remote domain.MemberID) (Transport, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	t := &fakeTransport{remote: remote}
	n.byPeer[remote] = t
	n.created++
	return t, nil
}

func (n *fakeNet) get(remote domain.MemberID) *fakeTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.byPeer[remote]
}

func (n *fakeNet) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.created
}

type sentMsg struct {
	kind   protocol.Type
	target domain.MemberID
	value  string
}

type fakeSignaler struct {
	mu      sync.Mutex
	log     []sentMsg
	failAll error
}

func (s *fakeSignaler) record(kind protocol.Type, target domain.MemberID, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll != nil {
		return s.failAll
	}
	s.log = append(s.log, sentMsg{kind: kind, target: target, value: value})
	return nil
}

func (s *fakeSignaler) SendOffer(target domain.MemberID, sdp *protocol.SessionDescription) error {
	return s.record(protocol.TypeOffer, target, sdp.SDP)
}

func (s *fakeSignaler) SendAnswer(target domain.MemberID, sdp *protocol.SessionDescription) error {
	return s.record(protocol.TypeAnswer, target, sdp.SDP)
}

func (s *fakeSignaler) SendCandidate(target domain.MemberID, c *protocol.ICECandidate) error {
	return s.record(protocol.TypeICECandidate, target, c.Candidate)
}

func (s *fakeSignaler) sent() []sentMsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMsg(nil), s.log...)
}

func (s *fakeSignaler) count(kind protocol.Type, target domain.MemberID) int {
	n := 0
	for _, e := range s.sent() {
		if e.kind == kind && e.target == target {
			n++
		}
	}
	return n
}

type fakeHandle struct {
	audio, video webrtc.TrackLocal

	mu       sync.Mutex
	audioOn  bool
	videoOn  bool
	released bool
}

func (h *fakeHandle) Audio() webrtc.TrackLocal { return h.audio }
func (h *fakeHandle) Video() webrtc.TrackLocal { return h.video }

func (h *fakeHandle) SetAudioEnabled(on bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.audioOn = on
}

func (h *fakeHandle) SetVideoEnabled(on bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.videoOn = on
}

func (h *fakeHandle) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.released = true
}

func (h *fakeHandle) isReleased() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

type fakeMedia struct {
	t          *testing.T
	captureErr error
	screenErr  error

	mu      sync.Mutex
	cameras []*fakeHandle
	screens []*fakeHandle
}

func (m *fakeMedia) Capture(context.Context) (MediaHandle, error) {
	if m.captureErr != nil {
		return nil, m.captureErr
	}
	h := &fakeHandle{audio: newTrack(m.t, "audio"), video: newTrack(m.t, "camera"), audioOn: true, videoOn: true}
	m.mu.Lock()
	m.cameras = append(m.cameras, h)
	m.mu.Unlock()
	return h, nil
}

func (m *fakeMedia) CaptureScreen(context.Context) (MediaHandle, error) {
	if m.screenErr != nil {
		return nil, m.screenErr
	}
	h := &fakeHandle{video: newTrack(m.t, "screen"), videoOn: true}
	m.mu.Lock()
	m.screens = append(m.screens, h)
	m.mu.Unlock()
	return h, nil
}

func (m *fakeMedia) camera() *fakeHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cameras[len(m.cameras)-1]
}

func (m *fakeMedia) screen() *fakeHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.screens[len(m.screens)-1]
}

func newTrack(t *testing.T, id string) webrtc.TrackLocal {
	t.Helper()
	mime := webrtc.MimeTypeVP8
	if id == "audio" {
		mime = webrtc.MimeTypeOpus
	}
	tr, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, id, "gatherly")
	if err != nil {
		t.Fatalf("NewTrackLocalStaticSample: %v", err)
	}
	return tr
}

// barrier returns once every event posted to p before it has been processed.
func (p *Peer) barrier() {
	ch := make(chan struct{})
	if !p.box.post(func() { close(ch) }) {
		<-p.done
		return
	}
	select {
	case <-ch:
	case <-p.done:
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
