package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/voxline-ai/voxline/internal/observe"
	"github.com/voxline-ai/voxline/internal/store"
	storemock "github.com/voxline-ai/voxline/internal/store/mock"
	"github.com/voxline-ai/voxline/pkg/audio"
	"github.com/voxline-ai/voxline/pkg/provider/llm"
	llmmock "github.com/voxline-ai/voxline/pkg/provider/llm/mock"
	"github.com/voxline-ai/voxline/pkg/provider/stt"
	sttmock "github.com/voxline-ai/voxline/pkg/provider/stt/mock"
	"github.com/voxline-ai/voxline/pkg/provider/tts"
	ttsmock "github.com/voxline-ai/voxline/pkg/provider/tts/mock"
)

// testSink records everything the session writes to the transport.
type testSink struct {
	mu          sync.Mutex
	readyCount  int
	stopCount   int
	media       [][]byte
	transcripts []struct {
		Text    string
		IsFinal bool
	}
}

func (s *testSink) SendReady() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readyCount++
	return nil
}

func (s *testSink) SendMedia(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	s.media = append(s.media, cp)
	return nil
}

func (s *testSink) SendTranscript(text string, isFinal bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcripts = append(s.transcripts, struct {
		Text    string
		IsFinal bool
	}{text, isFinal})
	return nil
}

func (s *testSink) SendStopped() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopCount++
	return nil
}

func (s *testSink) MediaCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.media)
}

func (s *testSink) StopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCount
}

func (s *testSink) FinalTranscripts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, tr := range s.transcripts {
		if tr.IsFinal {
			out = append(out, tr.Text)
		}
	}
	return out
}

// fixture bundles a session with all of its mocked collaborators.
type fixture struct {
	sess  *Session
	sink  *testSink
	stt   *sttmock.Session
	llm   *llmmock.Provider
	tts   *ttsmock.Provider
	store *storemock.Store
}

func testConfig() Config {
	return Config{
		FrameBytes:    160,
		SampleRate:    8000,
		BargeInFrames: 3,
		BargeInEnergy: 0.05,
		IdleTimeout:   5 * time.Second,
		TurnTimeout:   2 * time.Second,
	}
}

func newFixture(t *testing.T, ownerID string, cfg Config, mutate func(*Deps)) *fixture {
	t.Helper()

	f := &fixture{
		sink:  &testSink{},
		stt:   sttmock.NewSession(),
		llm:   &llmmock.Provider{Response: &llm.CompletionResponse{Content: "Sure, try restarting the device."}},
		tts:   &ttsmock.Provider{Rate: 8000, PCM: make([]byte, 320)},
		store: &storemock.Store{},
	}

	deps := Deps{
		CallID:      "CA-test",
		OwnerID:     ownerID,
		Outbound:    f.sink,
		STT:         &sttmock.Provider{Session: f.stt},
		LLM:         f.llm,
		TTS:         f.tts,
		Calls:       f.store,
		Transcripts: f.store,
	}
	if mutate != nil {
		mutate(&deps)
	}

	sess, err := New(deps, cfg)
	if err != nil {
		t.Fatal(err)
	}
	f.sess = sess
	return f
}

func startFixture(t *testing.T, f *fixture) {
	t.Helper()
	if err := f.sess.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		f.sess.DeliverStop()
		select {
		case <-f.sess.Done():
		case <-time.After(5 * time.Second):
			t.Error("session did not close during cleanup")
		}
	})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// loudFrame returns a µ-law frame that scores well above the barge-in
// energy threshold.
func loudFrame() []byte {
	frame := make([]byte, 160)
	for i := range frame {
		frame[i] = audio.EncodeMulawSample(12000)
	}
	return frame
}

func silentFrame() []byte {
	frame := make([]byte, 160)
	for i := range frame {
		frame[i] = audio.MulawSilence
	}
	return frame
}

func TestEndToEndCall(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "user-1", testConfig(), nil)
	if err := f.sess.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	if f.store.CreatedCallCount() != 1 {
		t.Fatalf("call record not created")
	}

	for range 10 {
		f.sess.DeliverMedia(silentFrame())
	}
	waitFor(t, time.Second, func() bool { return f.stt.SendAudioCallCount() == 10 },
		"audio frames never reached the recognizer")

	f.stt.Emit(stt.Transcript{Text: "turn it off and on again", IsFinal: true, Confidence: 0.96})

	waitFor(t, 2*time.Second, func() bool { return f.sink.MediaCount() > 0 },
		"no reply audio was streamed")
	waitFor(t, 2*time.Second, func() bool { return f.sess.State() == StateListening },
		"session did not return to listening after the reply")

	for _, frame := range f.sink.media {
		if len(frame) != 160 {
			t.Errorf("outbound frame is %d bytes, want 160", len(frame))
		}
	}
	finals := f.sink.FinalTranscripts()
	if len(finals) != 1 || finals[0] != "turn it off and on again" {
		t.Errorf("final transcripts = %v", finals)
	}

	f.sess.DeliverStop()
	select {
	case <-f.sess.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not close after stop")
	}

	if f.sink.StopCount() != 1 {
		t.Errorf("stop acknowledged %d times, want 1", f.sink.StopCount())
	}
	upd, ok := f.store.LastStatusUpdate()
	if !ok {
		t.Fatal("call status never updated")
	}
	if upd.CallID != "CA-test" || upd.Status != store.CallStatusCompleted {
		t.Errorf("status update = %+v", upd)
	}
	if upd.Duration <= 0 {
		t.Errorf("duration = %v, want > 0", upd.Duration)
	}

	saved, ok := f.store.LastTranscript()
	if !ok {
		t.Fatal("transcript never saved")
	}
	if len(saved.Entries) != 2 {
		t.Fatalf("saved %d transcript lines, want 2 (caller + assistant)", len(saved.Entries))
	}
	if saved.Entries[0].Speaker != "caller" || saved.Entries[1].Speaker != "assistant" {
		t.Errorf("speakers = %s, %s", saved.Entries[0].Speaker, saved.Entries[1].Speaker)
	}
	if saved.Entries[1].Text != "Sure, try restarting the device." {
		t.Errorf("assistant line = %q", saved.Entries[1].Text)
	}

	stats := f.sess.Stats()
	if stats.FramesReceived != 10 {
		t.Errorf("frames received = %d, want 10", stats.FramesReceived)
	}
	if stats.TurnsCompleted != 1 {
		t.Errorf("turns completed = %d, want 1", stats.TurnsCompleted)
	}
}

func TestBargeInCancelsReply(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "user-1", testConfig(), func(d *Deps) {})
	// Two seconds of reply audio so the stream is still going when the
	// caller interrupts.
	f.tts.PCM = make([]byte, 2*8000*2)
	startFixture(t, f)

	f.stt.Emit(stt.Transcript{Text: "what is my balance", IsFinal: true, Confidence: 0.9})
	waitFor(t, 2*time.Second, func() bool { return f.sink.MediaCount() > 0 },
		"reply never started streaming")
	if f.sess.State() != StateResponding {
		t.Fatalf("state = %v, want responding", f.sess.State())
	}

	for range 4 {
		f.sess.DeliverMedia(loudFrame())
	}
	waitFor(t, 2*time.Second, func() bool { return f.sess.State() == StateListening },
		"barge-in did not return the session to listening")

	// Cancellation is acknowledged once the state flips; no further frame
	// from the cancelled task may arrive after that.
	after := f.sink.MediaCount()
	time.Sleep(150 * time.Millisecond)
	if got := f.sink.MediaCount(); got != after {
		t.Errorf("cancelled task emitted %d more frames after acknowledgement", got-after)
	}
}

func TestSingleReplyTaskUnderRapidFinals(t *testing.T) {
	t.Parallel()

	var inflight, maxInflight, total atomic.Int32
	f := newFixture(t, "user-1", testConfig(), func(d *Deps) {})
	f.llm.CompleteFunc = func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		cur := inflight.Add(1)
		for {
			prev := maxInflight.Load()
			if cur <= prev || maxInflight.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		inflight.Add(-1)
		total.Add(1)
		return &llm.CompletionResponse{Content: "ok"}, nil
	}
	startFixture(t, f)

	for _, text := range []string{"first", "second", "third"} {
		f.stt.Emit(stt.Transcript{Text: text, IsFinal: true, Confidence: 0.9})
	}

	waitFor(t, 3*time.Second, func() bool {
		return f.sess.State() == StateListening && total.Load() >= 2 && inflight.Load() == 0
	}, "replies never settled")

	if got := maxInflight.Load(); got != 1 {
		t.Errorf("max concurrent reply tasks = %d, want 1", got)
	}
}

func TestTranscriptLogOrderedFinalsOnly(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "", testConfig(), nil)
	startFixture(t, f)

	f.stt.Emit(stt.Transcript{Text: "turn it", IsFinal: false})
	f.stt.Emit(stt.Transcript{Text: "turn it off", IsFinal: false})
	f.stt.Emit(stt.Transcript{Text: "turn it off and on", IsFinal: true, Confidence: 0.9})
	f.stt.Emit(stt.Transcript{Text: "thanks", IsFinal: false})
	f.stt.Emit(stt.Transcript{Text: "thanks bye", IsFinal: true, Confidence: 0.95})

	waitFor(t, time.Second, func() bool { return f.sess.Stats().TranscriptLines == 2 },
		"finals were not logged")

	f.sess.DeliverStop()
	<-f.sess.Done()

	lines := f.sess.TranscriptLines()
	if len(lines) != 2 {
		t.Fatalf("transcript has %d lines, want 2", len(lines))
	}
	if lines[0].Text != "turn it off and on" || lines[1].Text != "thanks bye" {
		t.Errorf("transcript = %q, %q", lines[0].Text, lines[1].Text)
	}
	for i, line := range lines {
		if line.Text == "turn it" || line.Text == "turn it off" || line.Text == "thanks" {
			t.Errorf("line %d holds interim text %q", i, line.Text)
		}
	}
	if !lines[1].At.After(lines[0].At) {
		t.Error("transcript timestamps are not strictly increasing")
	}
}

func TestEmptyFinalStaysListening(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "user-1", testConfig(), nil)
	startFixture(t, f)

	f.stt.Emit(stt.Transcript{Text: "   ", IsFinal: true})
	time.Sleep(50 * time.Millisecond)

	if got := f.sess.State(); got != StateListening {
		t.Errorf("state = %v, want listening", got)
	}
	if got := f.llm.CompleteCallCount(); got != 0 {
		t.Errorf("generator called %d times for an empty final", got)
	}
	if got := f.sess.Stats().TranscriptLines; got != 0 {
		t.Errorf("transcript lines = %d, want 0", got)
	}
}

func TestGreetingOnlyModeGeneratesNoTurns(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "", testConfig(), nil)
	startFixture(t, f)

	f.stt.Emit(stt.Transcript{Text: "hello?", IsFinal: true, Confidence: 0.9})
	waitFor(t, time.Second, func() bool { return f.sess.Stats().TranscriptLines == 1 },
		"final was not logged")

	if got := f.llm.CompleteCallCount(); got != 0 {
		t.Errorf("generator called %d times for an unauthenticated call", got)
	}
	if got := f.tts.SynthesizeCallCount(); got != 0 {
		t.Errorf("synthesizer called %d times for an unauthenticated call", got)
	}
}

func TestGreetingIsSpoken(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Greeting = "Hello, how can I help?"
	f := newFixture(t, "", cfg, nil)
	startFixture(t, f)

	waitFor(t, 2*time.Second, func() bool { return f.sink.MediaCount() > 0 },
		"greeting audio never streamed")
	if got := f.llm.CompleteCallCount(); got != 0 {
		t.Errorf("generator called %d times for the greeting", got)
	}
	if got := f.tts.SynthesizeCallCount(); got != 1 {
		t.Errorf("synthesizer called %d times, want 1", got)
	}
	if text := f.tts.SynthesizeCalls[0].Text; text != "Hello, how can I help?" {
		t.Errorf("synthesized %q", text)
	}
}

func TestIdleTimeoutClosesSession(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.IdleTimeout = 60 * time.Millisecond
	f := newFixture(t, "user-1", cfg, nil)
	if err := f.sess.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	select {
	case <-f.sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close on idle timeout")
	}
	if got := f.sess.State(); got != StateClosed {
		t.Errorf("state = %v, want closed", got)
	}
	upd, ok := f.store.LastStatusUpdate()
	if !ok || upd.Status != store.CallStatusCompleted {
		t.Errorf("status update = %+v, ok = %v", upd, ok)
	}
}

func TestTurnFailureIsNonFatal(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "user-1", testConfig(), nil)
	f.llm.Response = nil
	f.llm.Err = llm.ErrGenerationRejected
	startFixture(t, f)

	f.stt.Emit(stt.Transcript{Text: "anyone there", IsFinal: true, Confidence: 0.9})
	waitFor(t, 2*time.Second, func() bool {
		return f.llm.CompleteCallCount() == 1 && f.sess.State() == StateListening
	}, "failed turn did not settle back to listening")

	// The failed turn yields silence, not an error message.
	if got := f.sink.MediaCount(); got != 0 {
		t.Errorf("streamed %d frames for a failed turn", got)
	}
	if got := f.tts.SynthesizeCallCount(); got != 0 {
		t.Errorf("synthesizer called %d times for a failed turn", got)
	}

	// The session is still usable for the next turn.
	f.llm.Err = nil
	f.llm.Response = &llm.CompletionResponse{Content: "still here"}
	f.stt.Emit(stt.Transcript{Text: "hello again", IsFinal: true, Confidence: 0.9})
	waitFor(t, 2*time.Second, func() bool { return f.sink.MediaCount() > 0 },
		"session did not recover after a failed turn")
}

func TestTranscriptionUnavailableDegrades(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "user-1", testConfig(), func(d *Deps) {
		d.STT = &sttmock.Provider{StartStreamErr: stt.ErrChannelUnavailable}
	})
	if err := f.sess.Start(context.Background()); err != nil {
		t.Fatalf("degraded start failed: %v", err)
	}

	f.sess.DeliverMedia(silentFrame())
	time.Sleep(30 * time.Millisecond)
	if got := f.sess.Stats().FramesReceived; got != 1 {
		t.Errorf("frames received = %d, want 1", got)
	}

	f.sess.DeliverStop()
	select {
	case <-f.sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("degraded session did not close")
	}
	if f.sink.StopCount() != 1 {
		t.Error("stop was not acknowledged")
	}
}

func TestPendingInterimFlushedAtClose(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "", testConfig(), nil)
	startFixture(t, f)

	f.stt.Emit(stt.Transcript{Text: "wait I still", IsFinal: false})
	waitFor(t, time.Second, func() bool {
		f.sink.mu.Lock()
		defer f.sink.mu.Unlock()
		return len(f.sink.transcripts) == 1
	}, "interim never forwarded")

	f.sess.DeliverStop()
	<-f.sess.Done()

	lines := f.sess.TranscriptLines()
	if len(lines) != 1 || lines[0].Text != "wait I still" {
		t.Errorf("transcript = %+v, want the flushed interim line", lines)
	}
}

func TestStoreFailuresDoNotBlockTeardown(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "", testConfig(), nil)
	f.store.UpdateStatusErr = errors.New("db down")
	f.store.SaveTranscriptErr = errors.New("db down")
	startFixture(t, f)

	f.stt.Emit(stt.Transcript{Text: "hello", IsFinal: true, Confidence: 0.9})
	waitFor(t, time.Second, func() bool { return f.sess.Stats().TranscriptLines == 1 },
		"final never logged")

	f.sess.DeliverStop()
	select {
	case <-f.sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("teardown blocked on store failure")
	}
	if f.sink.StopCount() != 1 {
		t.Error("stop was not acknowledged despite store failure")
	}
}

type fakeSummarizer struct {
	mu      sync.Mutex
	entries []store.TranscriptEntry
}

func (s *fakeSummarizer) Summarize(_ context.Context, entries []store.TranscriptEntry) (store.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = entries
	return store.Summary{Summary: "short call", Sentiment: "neutral"}, nil
}

func TestSummaryStoredAtTeardown(t *testing.T) {
	t.Parallel()

	sum := &fakeSummarizer{}
	f := newFixture(t, "", testConfig(), func(d *Deps) { d.Summarizer = sum })
	startFixture(t, f)

	f.stt.Emit(stt.Transcript{Text: "just checking in", IsFinal: true, Confidence: 0.9})
	waitFor(t, time.Second, func() bool { return f.sess.Stats().TranscriptLines == 1 },
		"final never logged")

	f.sess.DeliverStop()
	<-f.sess.Done()

	saved, ok := f.store.LastSummary()
	if !ok {
		t.Fatal("summary never saved")
	}
	if saved.CallID != "CA-test" || saved.Summary.Summary != "short call" {
		t.Errorf("saved summary = %+v", saved)
	}
}

func TestVoiceProfilePassedToSynthesizer(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Greeting = "hi"
	cfg.Voice = tts.VoiceProfile{ID: "voice-9"}
	f := newFixture(t, "", cfg, nil)
	startFixture(t, f)

	waitFor(t, 2*time.Second, func() bool { return f.tts.SynthesizeCallCount() == 1 },
		"greeting never synthesized")
	if got := f.tts.SynthesizeCalls[0].Voice.ID; got != "voice-9" {
		t.Errorf("voice ID = %q, want voice-9", got)
	}
}

func TestBargeInDropsQueuedTurn(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	f := newFixture(t, "user-1", testConfig(), nil)
	f.llm.CompleteFunc = func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		// Hold the first generation open so the interrupt lands mid-turn.
		if f.llm.CompleteCallCount() == 1 {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return &llm.CompletionResponse{Content: "ok"}, nil
	}
	startFixture(t, f)

	// A second utterance finalizes while the first reply is generating,
	// queueing a follow-up turn behind the active task.
	f.stt.Emit(stt.Transcript{Text: "one", IsFinal: true, Confidence: 0.9})
	waitFor(t, 2*time.Second, func() bool { return f.llm.CompleteCallCount() == 1 },
		"first generation never began")
	f.stt.Emit(stt.Transcript{Text: "two", IsFinal: true, Confidence: 0.9})
	waitFor(t, 2*time.Second, func() bool { return f.sess.Stats().TranscriptLines == 2 },
		"second final never landed")

	// The caller interrupts: both the active task and the queued turn die.
	for range 4 {
		f.sess.DeliverMedia(loudFrame())
	}
	waitFor(t, 2*time.Second, func() bool { return f.sess.State() == StateListening },
		"barge-in did not return the session to listening")
	close(release)

	f.stt.Emit(stt.Transcript{Text: "three", IsFinal: true, Confidence: 0.9})
	waitFor(t, 3*time.Second, func() bool {
		return f.llm.CompleteCallCount() >= 2 && f.sess.State() == StateListening
	}, "reply to the post-interrupt utterance never settled")

	// No third generation: the turn queued before the interrupt must not
	// fire after the next reply completes.
	time.Sleep(100 * time.Millisecond)
	if got := f.llm.CompleteCallCount(); got != 2 {
		t.Errorf("generation calls = %d, want 2 (turn queued before the interrupt replayed)", got)
	}
	entries := f.sess.TranscriptLines()
	assistant := 0
	for _, e := range entries {
		if e.Speaker == "assistant" {
			assistant++
		}
	}
	if assistant != 1 {
		t.Errorf("assistant lines = %d, want 1", assistant)
	}
}

func TestRecognizerLatencyRecorded(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}

	f := newFixture(t, "user-1", testConfig(), func(d *Deps) { d.Metrics = metrics })
	startFixture(t, f)

	f.sess.DeliverMedia(silentFrame())
	waitFor(t, time.Second, func() bool { return f.stt.SendAudioCallCount() == 1 },
		"audio frame never reached the recognizer")
	f.stt.Emit(stt.Transcript{Text: "hello there", IsFinal: true, Confidence: 0.9})
	waitFor(t, 2*time.Second, func() bool { return f.sess.Stats().TranscriptLines == 1 },
		"final transcript never landed")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "voxline.stt.duration" {
				continue
			}
			h, ok := m.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("voxline.stt.duration is %T, want Histogram[float64]", m.Data)
			}
			if len(h.DataPoints) == 0 || h.DataPoints[0].Count < 1 {
				t.Error("no finalization latency sample recorded")
			}
			return
		}
	}
	t.Fatal("voxline.stt.duration not collected")
}
