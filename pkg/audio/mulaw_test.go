package audio

import "testing"

func TestMulawSilence(t *testing.T) {
	t.Parallel()

	if got := EncodeMulawSample(0); got != MulawSilence {
		t.Errorf("EncodeMulawSample(0) = %#x, want %#x", got, MulawSilence)
	}
	if got := DecodeMulawSample(MulawSilence); got != 0 {
		t.Errorf("DecodeMulawSample(%#x) = %d, want 0", MulawSilence, got)
	}
}

func TestMulawRoundTrip(t *testing.T) {
	t.Parallel()

	samples := []int16{1, -1, 50, -50, 500, -500, 4000, -4000, 15000, -15000, 30000, -30000}
	for _, s := range samples {
		got := DecodeMulawSample(EncodeMulawSample(s))

		abs := int(s)
		if abs < 0 {
			abs = -abs
		}
		// µ-law quantisation error is bounded by one mantissa step.
		tolerance := (abs+mulawBias)/16 + 1

		diff := int(got) - int(s)
		if diff < 0 {
			diff = -diff
		}
		if diff > tolerance {
			t.Errorf("round trip %d -> %d: error %d exceeds tolerance %d", s, got, diff, tolerance)
		}

		if s > 0 && got <= 0 {
			t.Errorf("round trip %d -> %d: sign lost", s, got)
		}
		if s < 0 && got >= 0 {
			t.Errorf("round trip %d -> %d: sign lost", s, got)
		}
	}
}

func TestMulawClipping(t *testing.T) {
	t.Parallel()

	for _, s := range []int16{32767, -32768} {
		got := int(DecodeMulawSample(EncodeMulawSample(s)))
		if s > 0 && (got < 30000 || got > 32767) {
			t.Errorf("clipped %d decoded to %d, want near positive clip point", s, got)
		}
		if s < 0 && (got > -30000 || got < -32768) {
			t.Errorf("clipped %d decoded to %d, want near negative clip point", s, got)
		}
	}
}

func TestEncodeMulawBuffer(t *testing.T) {
	t.Parallel()

	// Two samples: 0 and 1000, little-endian, plus a trailing odd byte.
	pcm := []byte{0x00, 0x00, 0xE8, 0x03, 0xFF}
	out := EncodeMulaw(pcm)
	if len(out) != 2 {
		t.Fatalf("EncodeMulaw returned %d bytes, want 2", len(out))
	}
	if out[0] != MulawSilence {
		t.Errorf("first sample = %#x, want silence %#x", out[0], MulawSilence)
	}
	if out[1] == MulawSilence {
		t.Errorf("second sample encoded as silence, want non-silence")
	}
}

func TestDecodeMulawBuffer(t *testing.T) {
	t.Parallel()

	ulaw := []byte{MulawSilence, EncodeMulawSample(2000), EncodeMulawSample(-2000)}
	pcm := DecodeMulaw(ulaw)
	if len(pcm) != 6 {
		t.Fatalf("DecodeMulaw returned %d bytes, want 6", len(pcm))
	}

	s0 := int16(pcm[0]) | int16(pcm[1])<<8
	s1 := int16(pcm[2]) | int16(pcm[3])<<8
	s2 := int16(pcm[4]) | int16(pcm[5])<<8
	if s0 != 0 {
		t.Errorf("sample 0 = %d, want 0", s0)
	}
	if s1 <= 0 || s2 >= 0 {
		t.Errorf("samples 1, 2 = %d, %d, want positive then negative", s1, s2)
	}
}
