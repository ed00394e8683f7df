// Package mock provides a test double for the tts package interfaces.
//
// Configure the synthesized PCM with PCM or Err, or set SynthesizeFunc for
// per-call behaviour. Every call is recorded for inspection.
package mock

import (
	"context"
	"sync"

	"github.com/voxline-ai/voxline/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Provider.Synthesize.
type SynthesizeCall struct {
	// Ctx is the context passed to Synthesize.
	Ctx context.Context
	// Text is the reply text passed to Synthesize.
	Text string
	// Voice is the voice profile passed to Synthesize.
	Voice tts.VoiceProfile
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// PCM is returned by Synthesize when SynthesizeFunc is nil and Err is nil.
	PCM []byte

	// Err, if non-nil, is returned by every Synthesize call.
	Err error

	// SynthesizeFunc, if non-nil, overrides PCM and Err entirely.
	SynthesizeFunc func(ctx context.Context, text string, voice tts.VoiceProfile) ([]byte, error)

	// Rate is the value returned by SampleRate. Defaults to 16000 when zero.
	Rate int

	// Voices is returned by ListVoices.
	Voices []tts.VoiceProfile

	// SynthesizeCalls records every call to Synthesize.
	SynthesizeCalls []SynthesizeCall
}

// Synthesize records the call and returns the configured result.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) ([]byte, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Ctx: ctx, Text: text, Voice: voice})
	fn := p.SynthesizeFunc
	pcm, err := p.PCM, p.Err
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, text, voice)
	}
	if err != nil {
		return nil, err
	}
	return pcm, nil
}

// SampleRate returns Rate, defaulting to 16000.
func (p *Provider) SampleRate() int {
	if p.Rate == 0 {
		return 16000
	}
	return p.Rate
}

// ListVoices returns the configured Voices.
func (p *Provider) ListVoices(_ context.Context) ([]tts.VoiceProfile, error) {
	return p.Voices, nil
}

// SynthesizeCallCount returns the number of Synthesize calls. Thread-safe.
func (p *Provider) SynthesizeCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.SynthesizeCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
