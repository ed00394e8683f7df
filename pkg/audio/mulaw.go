// Package audio provides the audio primitives used by the call pipeline:
// G.711 µ-law encoding and decoding, 16-bit PCM resampling, a real-time
// paced frame streamer, and a frame-energy gate for interruption detection.
//
// Telephone media streams carry µ-law audio at 8 kHz, one byte per sample.
// Synthesized speech arrives as 16-bit little-endian PCM at the provider's
// native rate and is resampled and µ-law encoded before it is framed.
package audio

const (
	// MulawSilence is the µ-law byte for a zero-amplitude sample. Short final
	// frames are padded with it so every outbound frame has the same length.
	MulawSilence byte = 0xFF

	mulawBias = 0x84
	mulawClip = 32635
)

// EncodeMulawSample converts a single 16-bit linear PCM sample to G.711 µ-law.
func EncodeMulawSample(sample int16) byte {
	v := int(sample)
	sign := 0
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > mulawClip {
		v = mulawClip
	}
	v += mulawBias

	exponent := 7
	for mask := 0x4000; exponent > 0 && v&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := (v >> (exponent + 3)) & 0x0F

	return ^byte(sign | exponent<<4 | mantissa)
}

// DecodeMulawSample converts a single G.711 µ-law byte to a 16-bit linear
// PCM sample.
func DecodeMulawSample(b byte) int16 {
	u := ^b
	exponent := int(u>>4) & 0x07
	mantissa := int(u) & 0x0F

	v := ((mantissa<<3 + mulawBias) << exponent) - mulawBias
	if u&0x80 != 0 {
		v = -v
	}
	return int16(v)
}

// EncodeMulaw converts 16-bit little-endian mono PCM to µ-law, one output
// byte per input sample. A trailing odd byte is ignored.
func EncodeMulaw(pcm []byte) []byte {
	out := make([]byte, len(pcm)/2)
	for i := range out {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = EncodeMulawSample(s)
	}
	return out
}

// DecodeMulaw converts µ-law bytes to 16-bit little-endian mono PCM.
func DecodeMulaw(ulaw []byte) []byte {
	out := make([]byte, len(ulaw)*2)
	for i, b := range ulaw {
		s := DecodeMulawSample(b)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}
