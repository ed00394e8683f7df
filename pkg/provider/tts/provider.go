// Package tts defines the speech-synthesis contract used by call sessions.
// A Provider turns one reply text into one complete PCM buffer; the session
// resamples it to the telephone rate, µ-law encodes it, and paces it out in
// fixed frames. Synthesis is one call per turn because the outbound framer
// needs the whole buffer before it can pace playback.
package tts

import "context"

// VoiceProfile identifies a synthesis voice.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is a human-readable label.
	Name string

	// Provider names the backend this profile belongs to (e.g. "elevenlabs").
	Provider string

	// Language is a BCP-47 code, when the backend distinguishes languages.
	Language string
}

// Provider synthesizes speech.
//
// Synthesize returns 16-bit little-endian mono PCM at SampleRate().
// Implementations must honour ctx cancellation and deadlines.
type Provider interface {
	Synthesize(ctx context.Context, text string, voice VoiceProfile) ([]byte, error)
	SampleRate() int
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}
