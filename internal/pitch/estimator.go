package pitch

import (
	"math"

	"github.com/mjibson/go-dsp/fft"
)

// Estimator detects the fundamental frequency of a time-domain audio frame
// using normalized autocorrelation. It is stateless; a single instance can be
// shared by any number of callers.
type Estimator struct {
	minFrequency    float64 // Lowest frequency to detect (Hz)
	maxFrequency    float64 // Highest frequency to detect (Hz)
	confidence      float64 // Minimum normalized peak correlation (0.0-1.0)
	volumeThreshold float64 // Minimum RMS level for detection
}

// NewEstimator creates an estimator covering the plausible musical pitch
// range. The confidence threshold is a tunable, not a contract.
func NewEstimator() *Estimator {
	return &Estimator{
		minFrequency:    50.0,   // below the low E of a bass
		maxFrequency:    1500.0, // above the high E of a violin's first position
		confidence:      0.9,
		volumeThreshold: 0.005,
	}
}

// Estimate returns the best-estimate fundamental frequency of the frame, or
// ok=false when the signal is too quiet or no confident correlation peak
// exists. Deterministic, no side effects.
func (e *Estimator) Estimate(samples []float32, sampleRate float64) (float64, bool) {
	n := len(samples)
	if n < 64 || sampleRate <= 0 {
		return 0, false
	}

	// Remove DC offset so a biased input does not swamp the correlation.
	mean := 0.0
	for _, s := range samples {
		mean += float64(s)
	}
	mean /= float64(n)

	// Zero-pad to 2n so the FFT computes a linear, not circular, correlation.
	buf := make([]float64, 2*n)
	for i, s := range samples {
		buf[i] = float64(s) - mean
	}

	// Autocorrelation via Wiener-Khinchin: IFFT of the power spectrum.
	spectrum := fft.FFTReal(buf)
	for i, c := range spectrum {
		re := real(c)
		im := imag(c)
		spectrum[i] = complex(re*re+im*im, 0)
	}
	corr := fft.IFFT(spectrum)

	ac := make([]float64, n)
	for i := range ac {
		ac[i] = real(corr[i])
	}

	// ac[0] is the signal energy; its RMS doubles as the silence gate.
	if ac[0] <= 0 {
		return 0, false
	}
	rms := math.Sqrt(ac[0] / float64(n))
	if rms < e.volumeThreshold {
		return 0, false
	}

	minLag := int(sampleRate / e.maxFrequency)
	maxLag := int(sampleRate / e.minFrequency)
	if maxLag > n-2 {
		maxLag = n - 2
	}
	if minLag < 2 {
		minLag = 2
	}
	if minLag >= maxLag {
		return 0, false
	}

	// Skip the zero-lag falloff before looking for the periodic peak.
	d := 1
	for d < maxLag && ac[d] > ac[d+1] {
		d++
	}
	if d < minLag {
		d = minLag
	}

	// Take the first confident local maximum, not the global one: correlation
	// repeats at every multiple of the period, and the first peak is the
	// fundamental.
	bestLag := -1
	for lag := d; lag <= maxLag; lag++ {
		if ac[lag] <= ac[lag-1] || ac[lag] < ac[lag+1] {
			continue
		}
		// Correct for the shrinking overlap of the lagged copies, so a pure
		// periodic signal normalizes to ~1.0 at its period.
		norm := ac[lag] / ac[0] * float64(n) / float64(n-lag)
		if norm >= e.confidence {
			bestLag = lag
			break
		}
	}
	if bestLag < 0 {
		return 0, false
	}

	// Quadratic interpolation between adjacent correlation samples for
	// sub-sample peak position.
	lag := float64(bestLag)
	prev := ac[bestLag-1]
	cur := ac[bestLag]
	next := ac[bestLag+1]
	if denom := prev - 2*cur + next; denom != 0 {
		lag += 0.5 * (prev - next) / denom
	}

	frequency := sampleRate / lag
	if frequency < e.minFrequency || frequency > e.maxFrequency {
		return 0, false
	}
	return frequency, true
}
