package coqui

import (
	"bytes"
	"context"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/voxline-ai/voxline/pkg/provider/tts"
)

// buildWAV constructs a minimal RIFF/WAVE container around pcm.
func buildWAV(channels, sampleRate int, pcm []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(channels))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*channels*2))
	binary.Write(&buf, binary.LittleEndian, uint16(channels*2))
	binary.Write(&buf, binary.LittleEndian, uint16(16))

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}

func TestParseWAV(t *testing.T) {
	t.Parallel()

	pcm := []byte{1, 2, 3, 4}
	wav := buildWAV(1, 22050, pcm)

	info, err := parseWAV(wav)
	if err != nil {
		t.Fatal(err)
	}
	if info.Channels != 1 {
		t.Errorf("channels = %d, want 1", info.Channels)
	}
	if info.SampleRate != 22050 {
		t.Errorf("sample rate = %d, want 22050", info.SampleRate)
	}
	if !bytes.Equal(wav[info.DataOffset:], pcm) {
		t.Errorf("data offset %d does not point at the PCM payload", info.DataOffset)
	}
}

func TestParseWAVRejectsGarbage(t *testing.T) {
	t.Parallel()

	for _, raw := range [][]byte{nil, []byte("short"), []byte("NOTARIFFFILEATALL")} {
		if _, err := parseWAV(raw); err == nil {
			t.Errorf("parseWAV(%q) succeeded, want error", raw)
		}
	}
}

func TestSynthesizeStandard(t *testing.T) {
	t.Parallel()

	pcm := make([]byte, 200)
	for i := range pcm {
		pcm[i] = byte(i)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != apiTTSEndpoint {
			t.Errorf("path = %q, want %q", r.URL.Path, apiTTSEndpoint)
		}
		if got := r.URL.Query().Get("text"); got != "hello caller" {
			t.Errorf("text = %q, want %q", got, "hello caller")
		}
		if got := r.URL.Query().Get("speaker_id"); got != "ana" {
			t.Errorf("speaker_id = %q, want %q", got, "ana")
		}
		w.Write(buildWAV(1, 16000, pcm))
	}))
	defer srv.Close()

	p, err := New(srv.URL, WithOutputSampleRate(16000))
	if err != nil {
		t.Fatal(err)
	}

	got, err := p.Synthesize(context.Background(), "hello caller", tts.VoiceProfile{ID: "ana"})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, pcm) {
		t.Error("PCM payload altered despite matching sample rate")
	}
}

func TestSynthesizeResamples(t *testing.T) {
	t.Parallel()

	// 100 samples at 16 kHz must come back as 50 samples at 8 kHz.
	pcm := make([]byte, 200)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write(buildWAV(1, 16000, pcm))
	}))
	defer srv.Close()

	p, err := New(srv.URL, WithOutputSampleRate(8000))
	if err != nil {
		t.Fatal(err)
	}

	got, err := p.Synthesize(context.Background(), "hi", tts.VoiceProfile{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 100 {
		t.Errorf("resampled PCM is %d bytes, want 100", len(got))
	}
	if p.SampleRate() != 8000 {
		t.Errorf("SampleRate() = %d, want 8000", p.SampleRate())
	}
}

func TestSynthesizeServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, err := New(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Synthesize(context.Background(), "hi", tts.VoiceProfile{}); err == nil {
		t.Fatal("Synthesize succeeded against a failing server")
	}
}

func TestXTTSRequiresVoiceID(t *testing.T) {
	t.Parallel()

	p, err := New("http://localhost:8002", WithAPIMode(APIModeXTTS))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Synthesize(context.Background(), "hi", tts.VoiceProfile{}); err == nil {
		t.Fatal("XTTS mode accepted an empty voice ID")
	}
}
