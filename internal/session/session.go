// Package session implements the per-call state machine at the heart of the
// voice pipeline. One Session exists per live call. It owns the call's
// transcript, arbitrates turns, runs the generate-synthesize-stream reply
// pipeline, and cancels it on caller interruption.
//
// All session state is mutated by a single event loop goroutine fed by a
// buffered event queue, so no locking is needed inside the session. Across
// sessions everything runs in parallel; the [Registry] is the only shared
// structure.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/voxline-ai/voxline/internal/observe"
	"github.com/voxline-ai/voxline/internal/store"
	"github.com/voxline-ai/voxline/pkg/audio"
	"github.com/voxline-ai/voxline/pkg/provider/llm"
	"github.com/voxline-ai/voxline/pkg/provider/stt"
	"github.com/voxline-ai/voxline/pkg/provider/tts"
)

// State is the session lifecycle state. RESPONDING is the ACTIVE sub-state
// in which a reply task is in flight; LISTENING is ACTIVE without one.
type State int32

const (
	StateConnecting State = iota
	StateListening
	StateResponding
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StateResponding:
		return "responding"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Outbound is the session's write side of the call transport. The session is
// the only writer for its connection; implementations serialise writes.
type Outbound interface {
	SendReady() error
	SendMedia(frame []byte) error
	SendTranscript(text string, isFinal bool) error
	SendStopped() error
}

// Summarizer produces the post-call summary. Optional; summarisation is
// best-effort at teardown.
type Summarizer interface {
	Summarize(ctx context.Context, entries []store.TranscriptEntry) (store.Summary, error)
}

// Config holds the per-session tunables.
type Config struct {
	// FrameBytes is the outbound frame size in µ-law bytes. 160 bytes is
	// 20 ms at the telephone rate.
	FrameBytes int

	// SampleRate of the call audio in Hz.
	SampleRate int

	// InboundBufferFrames bounds the inbound audio backlog. When the
	// recognizer stalls, the oldest buffered frames are evicted first.
	InboundBufferFrames int

	// BargeInFrames is the number of consecutive non-silent inbound frames
	// required to cancel an in-flight reply.
	BargeInFrames int

	// BargeInEnergy is the normalised frame energy above which a frame
	// counts as speech.
	BargeInEnergy float64

	// IdleTimeout closes the session when no audio arrives for this long.
	IdleTimeout time.Duration

	// TurnTimeout bounds one generate-synthesize-stream reply pipeline.
	TurnTimeout time.Duration

	// Greeting is spoken once when the call connects. Empty disables it.
	Greeting string

	// SystemPrompt frames the reply generator.
	SystemPrompt string

	// Voice selects the synthesis voice.
	Voice tts.VoiceProfile

	// Language passed to the recognizer.
	Language string
}

func (c Config) withDefaults() Config {
	if c.FrameBytes <= 0 {
		c.FrameBytes = 160
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 8000
	}
	if c.InboundBufferFrames <= 0 {
		c.InboundBufferFrames = 250
	}
	if c.BargeInFrames <= 0 {
		c.BargeInFrames = 5
	}
	if c.BargeInEnergy <= 0 {
		c.BargeInEnergy = 0.02
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.TurnTimeout <= 0 {
		c.TurnTimeout = 15 * time.Second
	}
	if c.Language == "" {
		c.Language = "en"
	}
	return c
}

// Deps are the session's collaborators. Outbound is required. STT, LLM, TTS,
// and the stores may be nil; missing providers put the session in a degraded
// mode instead of failing the call.
type Deps struct {
	CallID  string
	OwnerID string

	Outbound Outbound

	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider

	Calls       store.CallStore
	Transcripts store.TranscriptStore
	Summarizer  Summarizer

	Logger  *slog.Logger
	Metrics *observe.Metrics

	// OnClose runs after teardown completes. The registry uses it to drop
	// its entry.
	OnClose func(*Session)
}

// Stats are the session's monotonic counters.
type Stats struct {
	FramesReceived  uint64
	BytesReceived   uint64
	TranscriptLines uint64
	TurnsCompleted  uint64
	FramesDropped   uint64
}

type eventKind int

const (
	evMedia eventKind = iota
	evStop
	evTransportError
)

type event struct {
	kind    eventKind
	payload []byte
	err     error
}

type closeReason int

const (
	reasonStop closeReason = iota
	reasonIdle
	reasonTransportError
	reasonShutdown
)

func (r closeReason) String() string {
	switch r {
	case reasonStop:
		return "stop"
	case reasonIdle:
		return "idle"
	case reasonTransportError:
		return "transport_error"
	default:
		return "shutdown"
	}
}

// replyTask is the ownership handle for one in-flight reply pipeline. The
// goroutine always reports its result on taskDone before signalling done, so
// cancellation can drain the result without racing the event loop.
type replyTask struct {
	cancel    context.CancelFunc
	done      chan struct{}
	turn      int
	startedAt time.Time
}

type taskResult struct {
	turn  int
	reply string
	err   error
}

// Session is one live call.
type Session struct {
	id      string
	callID  string
	ownerID string
	cfg     Config
	deps    Deps
	log     *slog.Logger
	metrics *observe.Metrics

	state atomic.Int32

	frames  atomic.Uint64
	bytes   atomic.Uint64
	lines   atomic.Uint64
	turns   atomic.Uint64
	dropped atomic.Uint64

	events   chan event
	taskDone chan taskResult
	done     chan struct{}

	// Event-loop owned state. Never touched outside the loop goroutine.
	startedAt   time.Time
	lastAudioAt time.Time
	ring        *frameRing
	gate        *audio.EnergyGate
	sttSession  stt.SessionHandle
	sttEvents   <-chan stt.Transcript
	transcript  []store.TranscriptEntry
	pending     string // latest interim transcript, cleared on finalization
	task        *replyTask
	pendingTurn bool
	turnSeq     int
}

// maxHistoryLines bounds the turn history sent to the reply generator.
const maxHistoryLines = 32

// New builds a session. It does not touch the network; call Start to bring
// the session up.
func New(deps Deps, cfg Config) (*Session, error) {
	if deps.CallID == "" {
		return nil, errors.New("session: call ID is required")
	}
	if deps.Outbound == nil {
		return nil, errors.New("session: outbound sink is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}

	cfg = cfg.withDefaults()
	s := &Session{
		id:       uuid.NewString(),
		callID:   deps.CallID,
		ownerID:  deps.OwnerID,
		cfg:      cfg,
		deps:     deps,
		metrics:  deps.Metrics,
		events:   make(chan event, 256),
		taskDone: make(chan taskResult, 1),
		done:     make(chan struct{}),
		ring:     newFrameRing(cfg.InboundBufferFrames),
		gate:     audio.NewEnergyGate(cfg.BargeInEnergy, cfg.BargeInFrames),
	}
	s.log = deps.Logger.With(
		slog.String("session_id", s.id),
		slog.String("call_id", s.callID),
		slog.String("owner_id", s.ownerID),
	)
	return s, nil
}

func (s *Session) ID() string      { return s.id }
func (s *Session) CallID() string  { return s.callID }
func (s *Session) OwnerID() string { return s.ownerID }

// State returns the current lifecycle state. Safe from any goroutine.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	return Stats{
		FramesReceived:  s.frames.Load(),
		BytesReceived:   s.bytes.Load(),
		TranscriptLines: s.lines.Load(),
		TurnsCompleted:  s.turns.Load(),
		FramesDropped:   s.dropped.Load(),
	}
}

// Done is closed when teardown has completed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Start brings the session up: records the call, opens the recognizer
// stream, acknowledges the transport, and launches the event loop. ctx
// scopes the whole call; cancelling it tears the session down.
func (s *Session) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateListening)) {
		return fmt.Errorf("session %s: started twice", s.id)
	}
	s.startedAt = time.Now()

	if s.deps.Calls != nil {
		err := s.deps.Calls.CreateCall(ctx, store.Call{
			ID:        s.callID,
			OwnerID:   s.ownerID,
			StartedAt: s.startedAt,
			Status:    store.CallStatusInProgress,
		})
		if err != nil {
			s.log.Warn("failed to record call start", slog.Any("error", err))
		}
	}

	if s.deps.STT != nil {
		handle, err := s.deps.STT.StartStream(ctx, stt.StreamConfig{
			Encoding:       "mulaw",
			SampleRate:     s.cfg.SampleRate,
			Channels:       1,
			Language:       s.cfg.Language,
			InterimResults: true,
		})
		if err != nil {
			// Degraded mode: the call continues without transcription, so
			// no turns will be generated.
			s.log.Warn("transcription unavailable, continuing without it", slog.Any("error", err))
			s.metrics.RecordProviderError(ctx, "stt", "start_stream")
		} else {
			s.sttSession = handle
			s.sttEvents = handle.Events()
		}
	}

	if err := s.deps.Outbound.SendReady(); err != nil {
		if s.sttSession != nil {
			s.sttSession.Close()
		}
		close(s.done)
		s.setState(StateClosed)
		return fmt.Errorf("session %s: ready ack: %w", s.id, err)
	}

	s.metrics.ActiveSessions.Add(ctx, 1)
	s.log.Info("session started",
		slog.Bool("transcription", s.sttSession != nil),
		slog.Bool("authenticated", s.ownerID != ""),
	)

	go s.run(ctx)
	return nil
}

// DeliverMedia enqueues one decoded inbound audio frame. Never blocks: when
// the event queue is full the frame is dropped and counted.
func (s *Session) DeliverMedia(payload []byte) {
	select {
	case s.events <- event{kind: evMedia, payload: payload}:
	case <-s.done:
	default:
		s.dropped.Add(1)
	}
}

// DeliverStop enqueues the transport's stop notification.
func (s *Session) DeliverStop() {
	select {
	case s.events <- event{kind: evStop}:
	case <-s.done:
	}
}

// TransportError forces teardown after a read or write failure on the call
// connection. No stop acknowledgement is written.
func (s *Session) TransportError(err error) {
	select {
	case s.events <- event{kind: evTransportError, err: err}:
	case <-s.done:
	}
}

// Close requests a graceful teardown, as if the transport had sent stop.
func (s *Session) Close() {
	s.DeliverStop()
}

func (s *Session) run(ctx context.Context) {
	idle := time.NewTimer(s.cfg.IdleTimeout)
	defer idle.Stop()

	if s.cfg.Greeting != "" && s.deps.TTS != nil {
		s.startReply(ctx, s.cfg.Greeting)
	}

	for {
		select {
		case ev := <-s.events:
			switch ev.kind {
			case evMedia:
				s.handleMedia(ctx, ev.payload)
				if !idle.Stop() {
					select {
					case <-idle.C:
					default:
					}
				}
				idle.Reset(s.cfg.IdleTimeout)
			case evStop:
				s.shutdown(ctx, reasonStop)
				return
			case evTransportError:
				s.log.Warn("transport error", slog.Any("error", ev.err))
				s.shutdown(ctx, reasonTransportError)
				return
			}

		case tr, ok := <-s.sttEvents:
			if !ok {
				// Recognizer stream ended mid-call. Keep the call alive in
				// degraded mode.
				s.log.Warn("transcription stream closed mid-call")
				s.sttEvents = nil
				s.sttSession = nil
				continue
			}
			s.handleTranscript(ctx, tr)

		case res := <-s.taskDone:
			s.finishTask(ctx, res)

		case <-idle.C:
			s.log.Info("idle timeout, closing session")
			s.shutdown(ctx, reasonIdle)
			return

		case <-ctx.Done():
			s.shutdown(ctx, reasonShutdown)
			return
		}
	}
}

func (s *Session) handleMedia(ctx context.Context, payload []byte) {
	s.lastAudioAt = time.Now()
	s.frames.Add(1)
	s.bytes.Add(uint64(len(payload)))
	s.metrics.FramesReceived.Add(ctx, 1)
	s.metrics.BytesReceived.Add(ctx, int64(len(payload)))

	if evicted := s.ring.Push(payload); evicted {
		s.dropped.Add(1)
	}
	if s.sttSession != nil {
		for {
			frame, ok := s.ring.Pop()
			if !ok {
				break
			}
			if err := s.sttSession.SendAudio(frame); err != nil {
				s.log.Debug("recognizer enqueue failed, frame dropped", slog.Any("error", err))
				s.dropped.Add(1)
				break
			}
		}
	}

	if s.State() == StateResponding {
		if s.gate.Observe(payload) {
			s.bargeIn(ctx)
		}
	}
}

// bargeIn cancels the in-flight reply because the caller started speaking.
// By the time it returns, no further media frame from the cancelled task
// will be written.
func (s *Session) bargeIn(ctx context.Context) {
	s.log.Info("barge-in, cancelling reply", slog.Int("turn", s.turnSeq))
	s.metrics.BargeIns.Add(ctx, 1)
	s.cancelReply()
	// An utterance queued behind the cancelled task is stale too: the
	// caller is saying something new, and the next turn starts from their
	// next final.
	s.pendingTurn = false
	s.gate.Reset()
	s.setState(StateListening)
}

// cancelReply cancels the active reply task and waits for it to wind down.
// Idempotent; a task that already finished is a no-op to cancel.
func (s *Session) cancelReply() {
	t := s.task
	if t == nil {
		return
	}
	t.cancel()
	<-t.done
	// The task reports its result before signalling done, so this drain
	// never blocks.
	<-s.taskDone
	s.task = nil
}

func (s *Session) handleTranscript(ctx context.Context, tr stt.Transcript) {
	if !tr.IsFinal {
		s.pending = tr.Text
		if err := s.deps.Outbound.SendTranscript(tr.Text, false); err != nil {
			s.log.Debug("failed to send interim transcript", slog.Any("error", err))
		}
		return
	}

	s.pending = ""
	// Finalization latency: most recent inbound audio to the final line.
	if !s.lastAudioAt.IsZero() {
		s.metrics.STTDuration.Record(ctx, time.Since(s.lastAudioAt).Seconds())
	}
	text := strings.TrimSpace(tr.Text)
	if text == "" {
		// Noise-only final; stay in LISTENING.
		return
	}

	s.appendLine("caller", text, tr.Confidence)
	s.lines.Add(1)
	s.metrics.TranscriptLines.Add(ctx, 1)
	if err := s.deps.Outbound.SendTranscript(text, true); err != nil {
		s.log.Debug("failed to send final transcript", slog.Any("error", err))
	}

	if s.ownerID == "" {
		// Greeting-only mode: unauthenticated calls get no generated turns.
		return
	}
	if s.deps.LLM == nil || s.deps.TTS == nil {
		return
	}

	if s.task != nil {
		// A reply is already in flight. Remember that another utterance
		// finalized; the newest one wins once the task settles.
		s.pendingTurn = true
		return
	}
	s.startReply(ctx, "")
}

// appendLine appends a finalized line to the transcript log, keeping entries
// strictly ordered by timestamp.
func (s *Session) appendLine(speaker, text string, confidence float64) {
	at := time.Now()
	if n := len(s.transcript); n > 0 && !at.After(s.transcript[n-1].At) {
		at = s.transcript[n-1].At.Add(time.Nanosecond)
	}
	s.transcript = append(s.transcript, store.TranscriptEntry{
		Speaker:    speaker,
		Text:       text,
		At:         at,
		Confidence: confidence,
	})
}

// history converts the tail of the transcript log into generator messages.
func (s *Session) history() []llm.Message {
	entries := s.transcript
	if len(entries) > maxHistoryLines {
		entries = entries[len(entries)-maxHistoryLines:]
	}
	msgs := make([]llm.Message, 0, len(entries))
	for _, e := range entries {
		role := llm.RoleUser
		if e.Speaker == "assistant" {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: e.Text})
	}
	return msgs
}

// startReply launches the reply task for the current turn. When canned is
// non-empty it is spoken as-is without calling the generator (used for the
// greeting).
func (s *Session) startReply(ctx context.Context, canned string) {
	s.turnSeq++
	turn := s.turnSeq

	tctx, cancel := context.WithTimeout(ctx, s.cfg.TurnTimeout)
	t := &replyTask{
		cancel:    cancel,
		done:      make(chan struct{}),
		turn:      turn,
		startedAt: time.Now(),
	}
	s.task = t
	s.gate.Reset()
	s.setState(StateResponding)

	history := s.history()
	go func() {
		reply, err := s.runTurn(tctx, turn, canned, history)
		// Result before done: cancelReply relies on this order.
		s.taskDone <- taskResult{turn: turn, reply: reply, err: err}
		close(t.done)
		cancel()
	}()
}

// runTurn executes generate → synthesize → stream for one turn. It runs
// outside the event loop; everything it touches is either loop-independent
// or passed in by value.
func (s *Session) runTurn(ctx context.Context, turn int, canned string, history []llm.Message) (string, error) {
	ctx, span := observe.StartSpan(ctx, "call.turn",
		trace.WithAttributes(observe.Attr("call_id", s.callID)),
	)
	defer span.End()

	reply := canned
	if reply == "" {
		genStart := time.Now()
		resp, err := s.deps.LLM.Complete(ctx, llm.CompletionRequest{
			SystemPrompt: s.cfg.SystemPrompt,
			Messages:     history,
		})
		s.metrics.LLMDuration.Record(ctx, time.Since(genStart).Seconds())
		if err != nil {
			return "", fmt.Errorf("generate reply for turn %d: %w", turn, err)
		}
		reply = strings.TrimSpace(resp.Content)
		if reply == "" {
			return "", nil
		}
	}

	synthStart := time.Now()
	pcm, err := s.deps.TTS.Synthesize(ctx, reply, s.cfg.Voice)
	s.metrics.TTSDuration.Record(ctx, time.Since(synthStart).Seconds())
	if err != nil {
		return "", fmt.Errorf("synthesize turn %d: %w", turn, err)
	}

	if rate := s.deps.TTS.SampleRate(); rate != s.cfg.SampleRate {
		pcm = audio.ResampleMono16(pcm, rate, s.cfg.SampleRate)
	}
	ulaw := audio.EncodeMulaw(pcm)

	for frame := range audio.Stream(ctx, ulaw, s.cfg.FrameBytes, s.cfg.SampleRate) {
		if err := s.deps.Outbound.SendMedia(frame); err != nil {
			return reply, fmt.Errorf("stream turn %d: %w", turn, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return reply, err
	}
	return reply, nil
}

func (s *Session) finishTask(ctx context.Context, res taskResult) {
	if s.task == nil || s.task.turn != res.turn {
		return
	}
	elapsed := time.Since(s.task.startedAt)
	s.task = nil

	switch {
	case res.err != nil && errors.Is(res.err, context.Canceled):
		s.log.Debug("reply cancelled", slog.Int("turn", res.turn))
	case res.err != nil:
		// A failed turn yields silence and the session keeps listening.
		s.log.Warn("turn failed", slog.Int("turn", res.turn), slog.Any("error", res.err))
		s.metrics.RecordProviderError(ctx, "pipeline", "turn")
	case res.reply != "":
		s.appendLine("assistant", res.reply, 1)
		s.turns.Add(1)
		s.metrics.TurnsCompleted.Add(ctx, 1)
		s.metrics.TurnDuration.Record(ctx, elapsed.Seconds())
	}

	if s.State() == StateResponding {
		s.setState(StateListening)
	}

	if s.pendingTurn {
		s.pendingTurn = false
		s.startReply(ctx, "")
	}
}

// shutdown runs the CLOSING → CLOSED path: cancel any reply, release the
// recognizer stream, persist the call record and transcript, acknowledge the
// stop, and notify the registry. Persistence uses a fresh context so it
// still completes when the server context is already cancelled.
func (s *Session) shutdown(ctx context.Context, reason closeReason) {
	s.setState(StateClosing)
	s.cancelReply()
	s.pendingTurn = false

	if s.sttSession != nil {
		if err := s.sttSession.Close(); err != nil {
			s.log.Debug("failed to close recognizer stream", slog.Any("error", err))
		}
		s.sttSession = nil
		s.sttEvents = nil
	}

	// A non-trivial interim fragment at teardown becomes the last line.
	if text := strings.TrimSpace(s.pending); text != "" {
		s.appendLine("caller", text, 0)
		s.lines.Add(1)
	}
	s.pending = ""

	duration := time.Since(s.startedAt)
	status := store.CallStatusCompleted
	if reason == reasonTransportError {
		status = store.CallStatusFailed
	}

	pctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if s.deps.Calls != nil {
		if err := s.deps.Calls.UpdateCallStatus(pctx, s.callID, status, duration); err != nil {
			s.log.Warn("failed to record call end", slog.Any("error", err))
		}
	}
	if s.deps.Transcripts != nil && len(s.transcript) > 0 {
		if err := s.deps.Transcripts.SaveTranscript(pctx, s.callID, s.transcript); err != nil {
			s.log.Warn("failed to save transcript", slog.Any("error", err))
		} else if s.deps.Summarizer != nil {
			if sum, err := s.deps.Summarizer.Summarize(pctx, s.transcript); err != nil {
				s.log.Warn("failed to summarize call", slog.Any("error", err))
			} else if err := s.deps.Transcripts.SaveSummary(pctx, s.callID, sum); err != nil {
				s.log.Warn("failed to save summary", slog.Any("error", err))
			}
		}
	}

	if reason != reasonTransportError {
		if err := s.deps.Outbound.SendStopped(); err != nil {
			s.log.Debug("failed to send stop ack", slog.Any("error", err))
		}
	}

	s.metrics.ActiveSessions.Add(pctx, -1)
	s.setState(StateClosed)
	close(s.done)

	stats := s.Stats()
	s.log.Info("session closed",
		slog.String("reason", reason.String()),
		slog.Duration("duration", duration),
		slog.Uint64("frames", stats.FramesReceived),
		slog.Uint64("lines", stats.TranscriptLines),
		slog.Uint64("turns", stats.TurnsCompleted),
	)

	if s.deps.OnClose != nil {
		s.deps.OnClose(s)
	}
}

// TranscriptLines returns a copy of the finalized transcript so far. Only
// safe after Done() is closed or from tests driving the session serially.
func (s *Session) TranscriptLines() []store.TranscriptEntry {
	out := make([]store.TranscriptEntry, len(s.transcript))
	copy(out, s.transcript)
	return out
}
