package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/voxbridge/voxbridge/pkg/audio"
	"github.com/voxbridge/voxbridge/pkg/engine"
	"github.com/voxbridge/voxbridge/pkg/wire"
)

// timeoutError satisfies net.Error for deadline-expired fake reads.
type timeoutError struct{}

func (timeoutError) Error() string   { return "fake conn: read timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

var errConnGone = errors.New("fake conn: connection reset by peer")

// fakeConn is an in-memory Conn. Messages are injected with send; outbound
// writes are recorded. peerClose simulates the client going away.
type fakeConn struct {
	mu       sync.Mutex
	in       chan []byte
	out      [][]byte
	deadline time.Time
	gone     chan struct{}
	goneOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:   make(chan []byte, 64),
		gone: make(chan struct{}),
	}
}

func (c *fakeConn) send(msg []byte) {
	select {
	case c.in <- msg:
	case <-c.gone:
	}
}

func (c *fakeConn) peerClose() {
	c.goneOnce.Do(func() { close(c.gone) })
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	c.mu.Lock()
	d := c.deadline
	c.mu.Unlock()

	var timeout <-chan time.Time
	if !d.IsZero() {
		wait := time.Until(d)
		if wait <= 0 {
			select {
			case msg := <-c.in:
				return binaryMessage, msg, nil
			case <-c.gone:
				return 0, nil, errConnGone
			default:
				return 0, nil, timeoutError{}
			}
		}
		timeout = time.After(wait)
	}

	select {
	case msg := <-c.in:
		return binaryMessage, msg, nil
	case <-c.gone:
		return 0, nil, errConnGone
	case <-timeout:
		return 0, nil, timeoutError{}
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.gone:
		return errConnGone
	default:
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.mu.Lock()
	c.out = append(c.out, cp)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.peerClose()
	return nil
}

// written returns a snapshot of all outbound messages.
func (c *fakeConn) written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([][]byte, len(c.out))
	copy(cp, c.out)
	return cp
}

func (c *fakeConn) countTag(tag byte) int {
	n := 0
	for _, msg := range c.written() {
		if len(msg) > 0 && msg[0] == tag {
			n++
		}
	}
	return n
}

// mockEngine records every call across the engine boundary. stepOut scripts
// the generator output per step; nil means silence vectors.
type mockEngine struct {
	mu         sync.Mutex
	frameSize  int
	channels   int
	encodes    int
	steps      int
	decodes    int
	resets     int
	voice      string
	voiceLoads []string
	seeds      []int64
	tuned      []engine.TuneOptions
	applied    [][]int32
	applyDelay time.Duration
	stepOut    func(step int, column []int32) []int32
}

func newMockEngine(frameSize int) *mockEngine {
	return &mockEngine{frameSize: frameSize, channels: 3}
}

func (m *mockEngine) FrameSize() int { return m.frameSize }
func (m *mockEngine) Channels() int  { return m.channels }

func (m *mockEngine) Encode(frame []int16) (engine.TokenBlock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.encodes++
	col := make([]int32, m.channels-1)
	for i := range col {
		col[i] = int32(frame[0])
	}
	return engine.TokenBlock{col}, nil
}

func (m *mockEngine) Step(column []int32) ([]int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps++
	if m.stepOut != nil {
		return m.stepOut(m.steps, column), nil
	}
	out := make([]int32, m.channels)
	out[0] = engine.TextSilenceID
	copy(out[1:], column)
	return out, nil
}

func (m *mockEngine) Decode(tokens []int32) ([]int16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decodes++
	return make([]int16, m.frameSize), nil
}

func (m *mockEngine) ResetStreaming() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets++
}

func (m *mockEngine) LoadVoicePrompt(asset string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.voice = asset
	m.voiceLoads = append(m.voiceLoads, asset)
	return nil
}

func (m *mockEngine) VoicePrompt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.voice
}

func (m *mockEngine) ApplySystemPrompt(ctx context.Context, tokens []int32) error {
	m.mu.Lock()
	m.applied = append(m.applied, tokens)
	delay := m.applyDelay
	m.mu.Unlock()
	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return ctx.Err()
}

func (m *mockEngine) Seed(seed int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seeds = append(m.seeds, seed)
}

func (m *mockEngine) Tune(opts engine.TuneOptions) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tuned = append(m.tuned, opts)
}

func (m *mockEngine) counts() (encodes, steps, resets int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.encodes, m.steps, m.resets
}

// staticResolver resolves any id it knows; everything else is not found.
type staticResolver map[string]string

func (r staticResolver) Resolve(id string) (string, error) {
	if asset, ok := r[id]; ok {
		return asset, nil
	}
	return "", errNotFound
}

var errNotFound = errors.New("static resolver: not found")

const testFrameSize = 8

func testConfig() Config {
	cfg := DefaultConfig(testFrameSize)
	cfg.ProbeTimeout = 5 * time.Millisecond
	cfg.ProbePeriod = 10 * time.Millisecond
	return cfg
}

type harness struct {
	conn *fakeConn
	eng  *mockEngine
	gate *engine.Gate
	sess *Session
	done chan error
}

func startSession(t *testing.T, params Params, eng *mockEngine, gate *engine.Gate, resolver staticResolver) *harness {
	t.Helper()
	return startSessionWithEncoder(t, params, eng, gate, resolver, audio.NewPCMEncoder())
}

func startSessionWithEncoder(t *testing.T, params Params, eng *mockEngine, gate *engine.Gate, resolver staticResolver, enc audio.StreamEncoder) *harness {
	t.Helper()
	conn := newFakeConn()
	rt := Runtime{
		Engine:    eng,
		Gate:      gate,
		Tokenizer: engine.LoopbackTokenizer{},
		Decoder:   audio.NewPCMDecoder(),
		Encoder:   enc,
	}
	if resolver != nil {
		rt.Resolver = resolver
	}
	sess, err := New(testConfig(), conn, params, rt)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h := &harness{conn: conn, eng: eng, gate: gate, sess: sess, done: make(chan error, 1)}
	go func() { h.done <- sess.Run(context.Background()) }()
	t.Cleanup(func() {
		conn.peerClose()
		select {
		case <-h.done:
		case <-time.After(5 * time.Second):
			t.Error("session did not terminate")
		}
	})
	return h
}

func (h *harness) waitDone(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		h.done <- err
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("session did not terminate")
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func audioEnvelope(frames int) []byte {
	pcm := make([]int16, testFrameSize*frames)
	for i := range pcm {
		pcm[i] = int16(i + 1)
	}
	return wire.Audio(audio.SamplesToBytes(pcm))
}

func TestSessionHandshakeThenOneFrameCycle(t *testing.T) {
	eng := newMockEngine(testFrameSize)
	h := startSession(t, DefaultParams(), eng, engine.NewGate(), nil)

	waitFor(t, "handshake", func() bool { return h.conn.countTag(wire.TagHandshake) == 1 })

	h.conn.send(audioEnvelope(1))
	waitFor(t, "one inference cycle", func() bool {
		encodes, steps, _ := eng.counts()
		return encodes == 1 && steps == 1
	})
	waitFor(t, "audio envelope", func() bool { return h.conn.countTag(wire.TagAudio) >= 1 })

	h.conn.peerClose()
	if err := h.waitDone(t); err != nil {
		t.Errorf("Run returned %v, want nil on disconnect", err)
	}

	encodes, steps, resets := eng.counts()
	if encodes != 1 {
		t.Errorf("encodes = %d, want 1", encodes)
	}
	if steps != 1 {
		t.Errorf("steps = %d, want 1", steps)
	}
	if resets != 1 {
		t.Errorf("resets = %d, want 1 at drain", resets)
	}
	if got := h.conn.countTag(wire.TagAudio); got != 1 {
		t.Errorf("audio envelopes = %d, want exactly 1 for one frame", got)
	}
	// Silence on the text channel must never reach the client.
	if got := h.conn.countTag(wire.TagText); got != 0 {
		t.Errorf("text envelopes = %d, want 0", got)
	}
	if !h.gate.TryAcquire() {
		t.Error("gate still held after session close")
	} else {
		h.gate.Release()
	}
}

func TestHandshakeSentOnceAfterPromptAndWarmup(t *testing.T) {
	eng := newMockEngine(testFrameSize)
	resolver := staticResolver{"voice-a.pt": "/voices/voice-a.pt"}
	params := DefaultParams()
	params.TextPrompt = "You are concise."
	params.VoicePrompt = "voice-a.pt"
	params.Seed = 42

	h := startSession(t, params, eng, engine.NewGate(), resolver)
	waitFor(t, "handshake", func() bool { return h.conn.countTag(wire.TagHandshake) == 1 })

	eng.mu.Lock()
	applied := len(eng.applied)
	loads := len(eng.voiceLoads)
	seeds := append([]int64(nil), eng.seeds...)
	eng.mu.Unlock()
	if applied != 1 {
		t.Errorf("system prompt applications = %d, want 1 before handshake", applied)
	}
	if loads != 1 {
		t.Errorf("voice loads = %d, want 1", loads)
	}
	if len(seeds) != 1 || seeds[0] != 42 {
		t.Errorf("seeds = %v, want [42]", seeds)
	}

	h.conn.peerClose()
	if err := h.waitDone(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := h.conn.countTag(wire.TagHandshake); got != 1 {
		t.Errorf("handshakes = %d, want exactly 1", got)
	}
}

func TestUnknownVoicePromptFatalBeforeHandshake(t *testing.T) {
	eng := newMockEngine(testFrameSize)
	params := DefaultParams()
	params.VoicePrompt = "missing.pt"

	h := startSession(t, params, eng, engine.NewGate(), staticResolver{})
	err := h.waitDone(t)
	if !errors.Is(err, errNotFound) {
		t.Errorf("Run = %v, want wrapped resolver error", err)
	}
	if got := h.conn.countTag(wire.TagHandshake); got != 0 {
		t.Errorf("handshakes = %d, want 0 on failed negotiation", got)
	}
}

func TestUnknownInboundTagIsDropped(t *testing.T) {
	eng := newMockEngine(testFrameSize)
	h := startSession(t, DefaultParams(), eng, engine.NewGate(), nil)
	waitFor(t, "handshake", func() bool { return h.conn.countTag(wire.TagHandshake) == 1 })

	h.conn.send([]byte{0x7f, 1, 2, 3})
	h.conn.send([]byte{})

	// The session must still be fully functional afterwards.
	h.conn.send(audioEnvelope(1))
	waitFor(t, "frame processed after junk", func() bool {
		encodes, _, _ := eng.counts()
		return encodes == 1
	})
	if h.sess.State() != StateDuplex {
		t.Errorf("state = %s, want duplex", h.sess.State())
	}
}

func TestDisconnectMidWarmupSkipsHandshake(t *testing.T) {
	eng := newMockEngine(testFrameSize)
	eng.applyDelay = 10 * time.Second // would hang warm-up without liveness probing
	params := DefaultParams()
	params.TextPrompt = "slow warmup"

	gate := engine.NewGate()
	h := startSession(t, params, eng, gate, nil)

	waitFor(t, "warmup", func() bool { return h.sess.State() >= StateWarmup })
	h.conn.peerClose()

	if err := h.waitDone(t); err != nil {
		t.Errorf("Run = %v, want nil for mid-warmup disconnect", err)
	}
	if got := h.conn.countTag(wire.TagHandshake); got != 0 {
		t.Errorf("handshakes = %d, want 0", got)
	}
	if h.sess.HandshakeSent() {
		t.Error("HandshakeSent() = true, want false")
	}
	if !gate.TryAcquire() {
		t.Error("gate not released after mid-warmup disconnect")
	} else {
		gate.Release()
	}
	_, _, resets := eng.counts()
	if resets != 1 {
		t.Errorf("resets = %d, want 1", resets)
	}
}

func TestSecondSessionBlocksUntilFirstDrains(t *testing.T) {
	eng := newMockEngine(testFrameSize)
	gate := engine.NewGate()

	h1 := startSession(t, DefaultParams(), eng, gate, nil)
	waitFor(t, "first handshake", func() bool { return h1.conn.countTag(wire.TagHandshake) == 1 })

	h2 := startSession(t, DefaultParams(), eng, gate, nil)

	// The second session must sit in warm-up while the first holds the gate.
	time.Sleep(50 * time.Millisecond)
	if got := h2.conn.countTag(wire.TagHandshake); got != 0 {
		t.Fatalf("second session sent handshake while gate held (%d)", got)
	}
	if st := h2.sess.State(); st != StateWarmup {
		t.Errorf("second session state = %s, want warmup", st)
	}

	h1.conn.peerClose()
	if err := h1.waitDone(t); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	waitFor(t, "second handshake after drain", func() bool {
		return h2.conn.countTag(wire.TagHandshake) == 1
	})

	// Exactly one reset happened between the sessions.
	_, _, resets := eng.counts()
	if resets != 1 {
		t.Errorf("resets between sessions = %d, want 1", resets)
	}
}

func TestVoiceAssetReloadedOnlyWhenChanged(t *testing.T) {
	eng := newMockEngine(testFrameSize)
	gate := engine.NewGate()
	resolver := staticResolver{
		"a.pt": "/voices/a.pt",
		"b.pt": "/voices/b.pt",
	}

	runOne := func(voice string) {
		params := DefaultParams()
		params.VoicePrompt = voice
		h := startSession(t, params, eng, gate, resolver)
		waitFor(t, "handshake for "+voice, func() bool {
			return h.conn.countTag(wire.TagHandshake) == 1
		})
		h.conn.peerClose()
		if err := h.waitDone(t); err != nil {
			t.Fatalf("Run(%s): %v", voice, err)
		}
	}

	runOne("a.pt")
	runOne("b.pt")
	runOne("b.pt") // unchanged, must not reload

	eng.mu.Lock()
	loads := append([]string(nil), eng.voiceLoads...)
	resets := eng.resets
	eng.mu.Unlock()

	want := []string{"/voices/a.pt", "/voices/b.pt"}
	if len(loads) != len(want) {
		t.Fatalf("voice loads = %v, want %v", loads, want)
	}
	for i := range want {
		if loads[i] != want[i] {
			t.Fatalf("voice loads = %v, want %v", loads, want)
		}
	}
	if resets != 3 {
		t.Errorf("resets = %d, want 3 (one per session drain)", resets)
	}
}

func TestAudioPrecedesTextForSameStep(t *testing.T) {
	eng := newMockEngine(testFrameSize)
	// Script: first step emits a real text token alongside audio.
	eng.stepOut = func(step int, column []int32) []int32 {
		out := make([]int32, eng.channels)
		out[0] = 16 // first loopback vocab id
		copy(out[1:], column)
		return out
	}

	h := startSession(t, DefaultParams(), eng, engine.NewGate(), nil)
	waitFor(t, "handshake", func() bool { return h.conn.countTag(wire.TagHandshake) == 1 })

	h.conn.send(audioEnvelope(1))
	waitFor(t, "text envelope", func() bool { return h.conn.countTag(wire.TagText) == 1 })

	var audioIdx, textIdx = -1, -1
	for i, msg := range h.conn.written() {
		switch msg[0] {
		case wire.TagAudio:
			if audioIdx == -1 {
				audioIdx = i
			}
		case wire.TagText:
			if textIdx == -1 {
				textIdx = i
			}
		}
	}
	if audioIdx == -1 || textIdx == -1 {
		t.Fatalf("missing envelopes: audio=%d text=%d", audioIdx, textIdx)
	}
	if audioIdx >= textIdx {
		t.Errorf("audio envelope at %d not before text envelope at %d", audioIdx, textIdx)
	}
}

// laggyEncoder wraps the passthrough encoder and sleeps after queueing and
// after popping, stretching the window in which the send pump and the step
// loop race to drain the same packet queue.
type laggyEncoder struct {
	inner *audio.PCMEncoder
}

func (e *laggyEncoder) AppendPCM(pcm []int16) error {
	err := e.inner.AppendPCM(pcm)
	time.Sleep(time.Millisecond)
	return err
}

func (e *laggyEncoder) ReadPacket() ([]byte, error) {
	pkt, err := e.inner.ReadPacket()
	if pkt != nil {
		time.Sleep(3 * time.Millisecond)
	}
	return pkt, err
}

func (e *laggyEncoder) Flush() error { return e.inner.Flush() }
func (e *laggyEncoder) Close() error { return e.inner.Close() }

var _ audio.StreamEncoder = (*laggyEncoder)(nil)

func TestAudioStaysAheadOfTextUnderConcurrentFlush(t *testing.T) {
	eng := newMockEngine(testFrameSize)
	// Every step emits both audio and a text token.
	eng.stepOut = func(step int, column []int32) []int32 {
		out := make([]int32, eng.channels)
		out[0] = 16
		copy(out[1:], column)
		return out
	}

	h := startSessionWithEncoder(t, DefaultParams(), eng, engine.NewGate(), nil,
		&laggyEncoder{inner: audio.NewPCMEncoder()})
	waitFor(t, "handshake", func() bool { return h.conn.countTag(wire.TagHandshake) == 1 })

	const frames = 50
	for i := 0; i < frames; i++ {
		h.conn.send(audioEnvelope(1))
	}
	waitFor(t, "all text envelopes", func() bool {
		return h.conn.countTag(wire.TagText) == frames
	})

	// Every step writes its audio packet before its text, so at any point in
	// the stream the number of audio envelopes must cover the text envelopes.
	var audioSeen, textSeen int
	for i, msg := range h.conn.written() {
		switch msg[0] {
		case wire.TagAudio:
			audioSeen++
		case wire.TagText:
			textSeen++
			if audioSeen < textSeen {
				t.Fatalf("message %d: text envelope #%d arrived with only %d audio envelopes sent",
					i, textSeen, audioSeen)
			}
		}
	}
	if audioSeen != frames || textSeen != frames {
		t.Errorf("envelopes = %d audio / %d text, want %d each", audioSeen, textSeen, frames)
	}
}

func TestReservedTextTokensSuppressed(t *testing.T) {
	eng := newMockEngine(testFrameSize)
	ids := []int32{engine.TextSilenceID, engine.TextPadID}
	eng.stepOut = func(step int, column []int32) []int32 {
		out := make([]int32, eng.channels)
		out[0] = ids[(step-1)%len(ids)]
		copy(out[1:], column)
		return out
	}

	h := startSession(t, DefaultParams(), eng, engine.NewGate(), nil)
	waitFor(t, "handshake", func() bool { return h.conn.countTag(wire.TagHandshake) == 1 })

	h.conn.send(audioEnvelope(2))
	waitFor(t, "two cycles", func() bool {
		_, steps, _ := eng.counts()
		return steps == 2
	})
	if got := h.conn.countTag(wire.TagText); got != 0 {
		t.Errorf("text envelopes = %d, want 0 for reserved ids", got)
	}
	if got := h.conn.countTag(wire.TagAudio); got != 2 {
		t.Errorf("audio envelopes = %d, want 2", got)
	}
}

func TestEngineContractViolationIsFatal(t *testing.T) {
	eng := newMockEngine(testFrameSize)
	eng.stepOut = func(step int, column []int32) []int32 {
		return []int32{0, 1} // wrong width
	}

	h := startSession(t, DefaultParams(), eng, engine.NewGate(), nil)
	waitFor(t, "handshake", func() bool { return h.conn.countTag(wire.TagHandshake) == 1 })

	h.conn.send(audioEnvelope(1))
	err := h.waitDone(t)
	if !errors.Is(err, engine.ErrContract) {
		t.Errorf("Run = %v, want engine.ErrContract", err)
	}
	if !h.gate.TryAcquire() {
		t.Error("gate not released after contract violation")
	} else {
		h.gate.Release()
	}
}

func TestNewValidatesRuntime(t *testing.T) {
	conn := newFakeConn()
	_, err := New(testConfig(), conn, DefaultParams(), Runtime{})
	if !errors.Is(err, ErrMissingRuntime) {
		t.Errorf("New with empty runtime = %v, want ErrMissingRuntime", err)
	}

	_, err = New(Config{}, conn, DefaultParams(), Runtime{})
	if err == nil {
		t.Error("New with zero config succeeded, want validation error")
	}
}
