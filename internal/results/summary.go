package results

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/tailtrack/internal/track"
)

// Summary condenses a series into a handful of numbers for the run
// registry. Statistics over an empty set are NaN.
type Summary struct {
	Frames          int     `msgpack:"frames" json:"frames"`
	Located         int     `msgpack:"located" json:"located"`
	Tracked         int     `msgpack:"tracked" json:"tracked"`
	Cached          int     `msgpack:"cached" json:"cached"`
	Untracked       int     `msgpack:"untracked" json:"untracked"`
	Failed          int     `msgpack:"failed" json:"failed"`
	LocatedFraction float64 `msgpack:"located_fraction" json:"located_fraction"`
	MeanHeading     float64 `msgpack:"mean_heading" json:"mean_heading"`
	TailLengthMean  float64 `msgpack:"tail_length_mean" json:"tail_length_mean"`
	TailLengthStd   float64 `msgpack:"tail_length_std" json:"tail_length_std"`
}

// Summarize counts frame states and computes the circular mean heading and
// the tail chain length statistics over frames where they are defined.
func Summarize(s Series) Summary {
	sum := Summary{
		Frames:          s.Len(),
		LocatedFraction: math.NaN(),
		MeanHeading:     math.NaN(),
		TailLengthMean:  math.NaN(),
		TailLengthStd:   math.NaN(),
	}
	var headings, lengths []float64
	for i, st := range s.States {
		switch st {
		case track.Tracked:
			sum.Tracked++
		case track.Cached:
			sum.Cached++
		case track.Untracked:
			sum.Untracked++
		case track.Failed:
			sum.Failed++
		}
		if !math.IsNaN(s.FirstEyeRow[i]) && !math.IsNaN(s.SecondEyeRow[i]) {
			sum.Located++
		}
		if h := s.HeadingAngle[i]; !math.IsNaN(h) {
			headings = append(headings, h)
		}
		if l := chainLength(s.TailRows[i], s.TailCols[i]); !math.IsNaN(l) {
			lengths = append(lengths, l)
		}
	}
	if sum.Frames > 0 {
		sum.LocatedFraction = float64(sum.Located) / float64(sum.Frames)
	}
	if len(headings) > 0 {
		sum.MeanHeading = stat.CircularMean(headings, nil)
	}
	switch len(lengths) {
	case 0:
	case 1:
		sum.TailLengthMean, sum.TailLengthStd = lengths[0], 0
	default:
		sum.TailLengthMean, sum.TailLengthStd = stat.MeanStdDev(lengths, nil)
	}
	return sum
}

// chainLength sums the segment lengths of one tail chain; NaN if any point
// is missing.
func chainLength(rows, cols []float64) float64 {
	if len(rows) < 2 || floats.HasNaN(rows) || floats.HasNaN(cols) {
		return math.NaN()
	}
	segs := make([]float64, len(rows)-1)
	for i := 1; i < len(rows); i++ {
		segs[i-1] = math.Hypot(rows[i]-rows[i-1], cols[i]-cols[i-1])
	}
	return floats.Sum(segs)
}
