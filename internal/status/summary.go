package status

import (
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/brocaar/lorawan-range-tester/internal/config"
)

// Stats contains the signal statistics over the last pings.
type Stats struct {
	Count      int
	RSSIMean   float64
	RSSIStdDev float64
	SNRMean    float64
	SNRStdDev  float64
}

// Summary keeps the RSSI and SNR of the last N received downlinks.
type Summary struct {
	sync.Mutex

	size int
	rssi []float64
	snr  []float64
}

// NewSummary creates a new Summary keeping the last size samples.
func NewSummary(size int) *Summary {
	if size <= 0 {
		size = 1
	}

	return &Summary{
		size: size,
	}
}

// Add adds a sample.
func (s *Summary) Add(rssi int, snr float64) {
	s.Lock()
	defer s.Unlock()

	s.rssi = append(s.rssi, float64(rssi))
	s.snr = append(s.snr, snr)

	if len(s.rssi) > s.size {
		s.rssi = s.rssi[len(s.rssi)-s.size:]
		s.snr = s.snr[len(s.snr)-s.size:]
	}
}

// Len returns the number of samples.
func (s *Summary) Len() int {
	s.Lock()
	defer s.Unlock()

	return len(s.rssi)
}

// Stats returns the mean and standard deviation of the samples. The standard
// deviation is 0 for a single sample.
func (s *Summary) Stats() Stats {
	s.Lock()
	defer s.Unlock()

	out := Stats{
		Count: len(s.rssi),
	}

	switch len(s.rssi) {
	case 0:
		return out
	case 1:
		out.RSSIMean = s.rssi[0]
		out.SNRMean = s.snr[0]
		return out
	}

	out.RSSIMean, out.RSSIStdDev = stat.MeanStdDev(s.rssi, nil)
	out.SNRMean, out.SNRStdDev = stat.MeanStdDev(s.snr, nil)

	return out
}

// LinkMargin returns the margin (dB) between the given SNR and the SNR
// required to demodulate the given spreading-factor.
func LinkMargin(sf int, snr float64) (float64, bool) {
	required, ok := config.SpreadFactorToRequiredSNRTable[sf]
	if !ok {
		return 0, false
	}
	return snr - required, true
}
