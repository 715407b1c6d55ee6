package metricsched

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAggregateSum(t *testing.T) {
	s := aggregate(AggregatorSum, []float64{1, 2, 3})
	assert.Equal(t, 6.0, s.Value)
}

func TestAggregateAvg(t *testing.T) {
	s := aggregate(AggregatorAvg, []float64{2, 4, 6})
	assert.Equal(t, 4.0, s.Value)
}

func TestAggregateAvgOfEmptyIsZero(t *testing.T) {
	s := aggregate(AggregatorAvg, nil)
	assert.Equal(t, 0.0, s.Value)
}

func TestAggregateCount(t *testing.T) {
	s := aggregate(AggregatorCount, []float64{1, 2, 3, 4})
	assert.Equal(t, 4, s.Count)
}

func TestAggregateHistogramBuckets(t *testing.T) {
	s := aggregate(AggregatorHistogram, []float64{-1, 0, 0.5, 5, 50})
	assert.Equal(t, 1, s.Buckets["negative"])
	assert.Equal(t, 1, s.Buckets["zero"])
	assert.Equal(t, 1, s.Buckets["fractional"])
	assert.Equal(t, 1, s.Buckets["ones"])
	assert.Equal(t, 1, s.Buckets["tens"])
}
