package audio

// FrameEnergy returns the mean absolute amplitude of a µ-law frame,
// normalised to [0, 1]. An all-silence frame scores 0.
func FrameEnergy(frame []byte) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, b := range frame {
		s := int(DecodeMulawSample(b))
		if s < 0 {
			s = -s
		}
		sum += float64(s)
	}
	return sum / float64(len(frame)) / 32768
}

// EnergyGate detects sustained caller speech in an inbound µ-law frame
// stream. It fires once a run of consecutive frames all exceed the energy
// threshold; any quieter frame resets the run. The debounce keeps line
// noise and single hot frames from triggering an interruption.
//
// EnergyGate is not safe for concurrent use. Each call session owns one.
type EnergyGate struct {
	threshold float64
	needed    int
	run       int
}

// NewEnergyGate returns a gate that fires after frames consecutive frames
// whose FrameEnergy exceeds threshold. frames values below 1 are clamped
// to 1.
func NewEnergyGate(threshold float64, frames int) *EnergyGate {
	if frames < 1 {
		frames = 1
	}
	return &EnergyGate{threshold: threshold, needed: frames}
}

// Observe scores one frame and reports whether the debounce requirement is
// now satisfied. It keeps reporting true on further loud frames until Reset
// is called.
func (g *EnergyGate) Observe(frame []byte) bool {
	if FrameEnergy(frame) > g.threshold {
		g.run++
	} else {
		g.run = 0
	}
	return g.run >= g.needed
}

// Reset clears the current run. Call it after acting on a detection.
func (g *EnergyGate) Reset() {
	g.run = 0
}
