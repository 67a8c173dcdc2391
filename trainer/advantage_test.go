package trainer

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"
)

func TestGroupAdvantagesNormalized(t *testing.T) {
	returns := []float64{1.0, 0.01, 0.5, 0.0}
	advantages := GroupAdvantages(returns)

	mean, std := stat.MeanStdDev(advantages, nil)
	require.InDelta(t, 0.0, mean, 1e-9)
	require.InDelta(t, 1.0, std, 1e-6)
}

func TestGroupAdvantagesConstantGroup(t *testing.T) {
	advantages := GroupAdvantages([]float64{0.5, 0.5, 0.5, 0.5})
	for _, a := range advantages {
		require.Equal(t, 0.0, a)
	}
}

func TestGroupAdvantagesAllZero(t *testing.T) {
	advantages := GroupAdvantages([]float64{0, 0, 0})
	require.Equal(t, []float64{0, 0, 0}, advantages)
}

func TestGroupAdvantagesPreservesOrder(t *testing.T) {
	advantages := GroupAdvantages([]float64{1.0, 0.0})
	require.Greater(t, advantages[0], 0.0)
	require.Less(t, advantages[1], 0.0)
}
