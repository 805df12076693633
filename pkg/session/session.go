// Package session implements the per-connection supervisor: the lifecycle
// state machine, the exclusive engine warm-up, and the three concurrent
// pumps that move audio and text between the wire and the engine.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/voxbridge/voxbridge/internal/log"
	"github.com/voxbridge/voxbridge/pkg/audio"
	"github.com/voxbridge/voxbridge/pkg/engine"
	"github.com/voxbridge/voxbridge/pkg/prompt"
	"github.com/voxbridge/voxbridge/pkg/wire"
)

// Session errors.
var (
	// errPeerClosed marks the ordinary end of a session: the client went
	// away. It cancels sibling pumps but is not reported as a failure.
	errPeerClosed = errors.New("session: peer closed connection")

	ErrMissingRuntime = errors.New("session: incomplete runtime")
)

// Config holds the per-session tunables.
type Config struct {
	// FrameSize is the engine's PCM frame size in samples
	// (sample_rate / frame_rate).
	FrameSize int

	// ProbeTimeout bounds a single liveness read during warm-up.
	ProbeTimeout time.Duration

	// ProbePeriod is how often liveness is probed while the system prompt
	// is being applied.
	ProbePeriod time.Duration

	// PumpInterval is the polling cadence of the process and send pumps.
	PumpInterval time.Duration

	// ReadPollInterval bounds receive-pump reads so cancellation is
	// honored promptly.
	ReadPollInterval time.Duration
}

// DefaultConfig returns the production session configuration for the given
// frame size.
func DefaultConfig(frameSize int) Config {
	return Config{
		FrameSize:        frameSize,
		ProbeTimeout:     10 * time.Millisecond,
		ProbePeriod:      100 * time.Millisecond,
		PumpInterval:     time.Millisecond,
		ReadPollInterval: 100 * time.Millisecond,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.FrameSize <= 0 {
		return errors.New("session: frame size must be positive")
	}
	if c.ProbeTimeout <= 0 || c.ProbePeriod <= 0 || c.PumpInterval <= 0 || c.ReadPollInterval <= 0 {
		return errors.New("session: intervals must be positive")
	}
	return nil
}

// Runtime bundles the collaborators a session drives. Engine, Gate,
// Tokenizer, Decoder and Encoder are required; a nil Resolver disables
// voice prompts.
type Runtime struct {
	Engine    engine.Engine
	Gate      *engine.Gate
	Tokenizer engine.Tokenizer
	Resolver  prompt.Resolver
	Decoder   audio.StreamDecoder
	Encoder   audio.StreamEncoder
}

func (rt Runtime) validate() error {
	if rt.Engine == nil || rt.Gate == nil || rt.Tokenizer == nil || rt.Decoder == nil || rt.Encoder == nil {
		return ErrMissingRuntime
	}
	return nil
}

// Session owns one conversation from accept to close. It is driven by Run
// and must not be reused.
type Session struct {
	id       string
	cfg      Config
	conn     Conn
	params   Params
	rt       Runtime
	asm      *audio.FrameAssembler
	logger   *slog.Logger
	openedAt time.Time

	state  atomic.Int32
	closed atomic.Bool // peer-gone liveness flag, shared by all pumps

	writeMu       sync.Mutex
	handshakeSent bool

	framesIn atomic.Int64
	stepsRun atomic.Int64
	audioOut atomic.Int64
	textOut  atomic.Int64
}

// New creates a session for an accepted connection with already negotiated
// parameters.
func New(cfg Config, conn Conn, params Params, rt Runtime) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := rt.validate(); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	return &Session{
		id:       id,
		cfg:      cfg,
		conn:     conn,
		params:   params,
		rt:       rt,
		asm:      audio.NewFrameAssembler(cfg.FrameSize),
		logger:   log.With("session", id[:8]),
		openedAt: time.Now(),
	}, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// HandshakeSent reports whether the readiness marker went out.
func (s *Session) HandshakeSent() bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.handshakeSent
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
	s.logger.Debug("state", "state", st.String())
}

// Run drives the session to completion. It returns nil on ordinary
// termination (disconnect at any point) and an error only for faults:
// failed negotiation, engine errors, decode failures. The engine gate is
// always released and streaming state always reset before Run returns.
func (s *Session) Run(ctx context.Context) error {
	defer s.setState(StateClosed)
	defer s.conn.Close()

	s.logger.Info("session opened",
		"voice_prompt", s.params.VoicePrompt,
		"has_text_prompt", s.params.TextPrompt != "",
		"seed", s.params.Seed,
	)

	s.setState(StatePromptResolving)
	bundle, err := s.resolvePrompts()
	if err != nil {
		s.logger.Warn("prompt resolution failed", "error", err)
		return err
	}

	s.setState(StateWarmup)
	if err := s.rt.Gate.Acquire(ctx); err != nil {
		return fmt.Errorf("session: acquire engine gate: %w", err)
	}
	defer s.drainEngine()

	if err := s.warmup(ctx, bundle); err != nil {
		if errors.Is(err, errPeerClosed) || errors.Is(err, context.Canceled) {
			s.logger.Info("peer left during warmup")
			return nil
		}
		return err
	}

	s.setState(StateHandshaking)
	if !s.probeAlive() {
		s.logger.Info("peer gone before handshake, skipping")
		return nil
	}
	if err := s.writeMessage(wire.Handshake()); err != nil {
		return nil
	}
	s.writeMu.Lock()
	s.handshakeSent = true
	s.writeMu.Unlock()
	s.logger.Info("handshake sent")

	s.setState(StateDuplex)
	err = s.duplex(ctx)
	if err != nil && !errors.Is(err, errPeerClosed) && !errors.Is(err, context.Canceled) {
		s.logger.Error("duplex failed", "error", err)
		return err
	}
	return nil
}

// warmup configures the engine for this session and applies the system
// prompt while watching for a disconnecting peer. The gate is already held.
func (s *Session) warmup(ctx context.Context, bundle promptBundle) error {
	if s.params.Seed != NoSeed {
		s.rt.Engine.Seed(s.params.Seed)
	}
	s.rt.Engine.Tune(s.params.Tune)

	// Reload the voice asset only when it actually changed; reconditioning
	// is expensive.
	if bundle.voiceAsset != "" && s.rt.Engine.VoicePrompt() != bundle.voiceAsset {
		if err := s.rt.Engine.LoadVoicePrompt(bundle.voiceAsset); err != nil {
			return fmt.Errorf("session: load voice prompt: %w", err)
		}
		s.logger.Info("voice prompt loaded", "asset", bundle.voiceAsset)
	}

	if len(bundle.systemTokens) == 0 {
		return nil
	}

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		s.watchLiveness(wctx, cancel)
	}()

	err := s.rt.Engine.ApplySystemPrompt(wctx, bundle.systemTokens)
	cancel()
	<-watchDone
	if err != nil {
		if s.closed.Load() {
			return errPeerClosed
		}
		return fmt.Errorf("session: apply system prompt: %w", err)
	}
	s.logger.Info("system prompt applied", "tokens", len(bundle.systemTokens))
	return nil
}

// watchLiveness probes the connection until ctx is done, cancelling the
// warm-up when the peer disappears.
func (s *Session) watchLiveness(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(s.cfg.ProbePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.probeAlive() {
				cancel()
				return
			}
		}
	}
}

// probeAlive checks for a disconnect without waiting long. A timed-out read
// means the peer is quiet but present. A message consumed by the probe is
// handed to the normal inbound path so early audio is not lost.
func (s *Session) probeAlive() bool {
	if s.closed.Load() {
		return false
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ProbeTimeout))
	defer func() { _ = s.conn.SetReadDeadline(time.Time{}) }()

	_, msg, err := s.conn.ReadMessage()
	if err != nil {
		if isTimeout(err) {
			return true
		}
		s.closed.Store(true)
		return false
	}
	if err := s.handleInbound(msg); err != nil {
		s.logger.Warn("inbound message during warmup dropped", "error", err)
	}
	return true
}

type promptBundle struct {
	voiceAsset   string
	systemTokens []int32
}

// resolvePrompts resolves the voice asset and tokenizes the system prompt.
// With voice prompts enabled, an unresolved id is fatal to this session.
func (s *Session) resolvePrompts() (promptBundle, error) {
	var b promptBundle
	if s.rt.Resolver != nil && s.params.VoicePrompt != "" {
		asset, err := s.rt.Resolver.Resolve(s.params.VoicePrompt)
		if err != nil {
			return b, fmt.Errorf("session: resolve voice prompt: %w", err)
		}
		b.voiceAsset = asset
	}
	if s.params.TextPrompt != "" {
		b.systemTokens = s.rt.Tokenizer.Encode(prompt.WrapSystemTags(s.params.TextPrompt))
	}
	return b, nil
}

// duplex runs the three pumps until the first one terminates, then joins
// the rest. Any pump's return cancels its siblings through the group
// context.
func (s *Session) duplex(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.receivePump(gctx) })
	g.Go(func() error { return s.processPump(gctx) })
	g.Go(func() error { return s.sendPump(gctx) })
	return g.Wait()
}

// receivePump reads inbound envelopes and feeds audio payloads to the
// decoder. Reads are bounded so group cancellation is honored.
func (s *Session) receivePump(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadPollInterval))
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if isTimeout(err) {
				continue
			}
			s.closed.Store(true)
			return errPeerClosed
		}
		if err := s.handleInbound(msg); err != nil {
			return err
		}
	}
}

// handleInbound routes one raw message. Protocol errors are logged and the
// message dropped; decoder failures are fatal to the session.
func (s *Session) handleInbound(msg []byte) error {
	env, err := wire.ParseInbound(msg)
	if err != nil {
		s.logger.Warn("dropping inbound message", "error", err, "len", len(msg))
		return nil
	}
	if err := s.rt.Decoder.AppendPacket(env.Payload); err != nil {
		return fmt.Errorf("session: decode inbound audio: %w", err)
	}
	return nil
}

// processPump drains decoded PCM through the frame assembler and drives the
// inference step loop, yielding between frames to keep siblings responsive.
func (s *Session) processPump(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PumpInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		pcm, err := s.rt.Decoder.ReadPCM()
		if err != nil {
			return err
		}
		if len(pcm) == 0 {
			continue
		}
		s.asm.Push(pcm)
		for {
			frame, ok := s.asm.Next()
			if !ok {
				break
			}
			s.framesIn.Add(1)
			if err := s.stepFrame(frame); err != nil {
				return err
			}
			// Yield between frames.
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				runtime.Gosched()
			}
		}
	}
}

// sendPump drains encoded packets the step loop did not flush itself,
// decoupling inference cadence from I/O cadence.
func (s *Session) sendPump(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PumpInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := s.flushEncoded(); err != nil {
			return err
		}
	}
}

// flushEncoded writes every ready outbound audio packet. The write mutex is
// held across the whole drain so a packet popped here cannot be overtaken by
// a sibling's write: pop and write are atomic together, which is what keeps
// audio ahead of the same step's text when both pumps flush concurrently.
func (s *Session) flushEncoded() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	for {
		pkt, err := s.rt.Encoder.ReadPacket()
		if err != nil {
			return err
		}
		if pkt == nil {
			return nil
		}
		if err := s.writeMessageLocked(wire.Audio(pkt)); err != nil {
			return err
		}
		s.audioOut.Add(1)
	}
}

// writeMessage serializes all outbound websocket writes.
func (s *Session) writeMessage(msg []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.writeMessageLocked(msg)
}

func (s *Session) writeMessageLocked(msg []byte) error {
	if s.closed.Load() {
		return errPeerClosed
	}
	if err := s.conn.WriteMessage(binaryMessage, msg); err != nil {
		s.closed.Store(true)
		return errPeerClosed
	}
	return nil
}

// drainEngine is the Draining phase: close the codec contexts, reset all
// streaming state to baseline and release the gate, unconditionally.
func (s *Session) drainEngine() {
	s.setState(StateDraining)
	// Push out any buffered tail audio; the writes fail silently when the
	// peer is already gone.
	if err := s.rt.Encoder.Flush(); err == nil {
		_ = s.flushEncoded()
	}
	_ = s.rt.Encoder.Close()
	_ = s.rt.Decoder.Close()
	s.rt.Engine.ResetStreaming()
	s.rt.Gate.Release()
	s.logger.Info("session drained",
		"duration", time.Since(s.openedAt).Round(time.Millisecond),
		"frames_in", s.framesIn.Load(),
		"steps", s.stepsRun.Load(),
		"audio_out", s.audioOut.Load(),
		"text_out", s.textOut.Load(),
	)
}
