package compaction

import "github.com/KevoDB/pairpick/pkg/segment"

// CardinalityEstimator scores a merge by the ratio of distinct keys in the
// union to the sum of per-segment distinct keys. Disjoint segments score 1.0
// and n identical segments score 1/n.
type CardinalityEstimator struct{}

// NewCardinalityEstimator returns the sketch-based estimator
func NewCardinalityEstimator() OverlapEstimator {
	return CardinalityEstimator{}
}

// EstimateGain implements OverlapEstimator
func (CardinalityEstimator) EstimateGain(segments []*segment.Segment) float64 {
	total := segment.SumCardinality(segments)
	if total == 0 {
		return 1.0
	}
	return float64(segment.UnionCardinality(segments)) / float64(total)
}

// OverlapEstimatorFunc adapts a function to OverlapEstimator
type OverlapEstimatorFunc func(segments []*segment.Segment) float64

// EstimateGain calls f
func (f OverlapEstimatorFunc) EstimateGain(segments []*segment.Segment) float64 {
	return f(segments)
}
