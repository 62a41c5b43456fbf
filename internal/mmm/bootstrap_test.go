package mmm

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/sells-group/mixsignal/internal/model"
)

// bootstrapFixture returns a two-column design with a clean linear target.
// The last residual is NaN, so any resample that draws it cannot be fit.
func bootstrapFixture(n int) (*mat.Dense, []float64, []float64) {
	x := mat.NewDense(n, 2, nil)
	fitted := make([]float64, n)
	resid := make([]float64, n)
	for i := 0; i < n; i++ {
		a := math.Log1p(float64(10 + (i*7)%13))
		b := math.Log1p(float64(5 + (i*3)%11))
		x.Set(i, 0, a)
		x.Set(i, 1, b)
		fitted[i] = 40*a + 15*b
		resid[i] = float64(i%5) - 2
	}
	resid[n-1] = math.NaN()
	return x, fitted, resid
}

func TestBootstrap_SkipsFailedResamples(t *testing.T) {
	x, fitted, resid := bootstrapFixture(30)
	cfg := BootstrapConfig{Enabled: true, Resamples: 200, BlockLength: 3, Workers: 4, MinSuccessRatio: 0.05}

	out, err := bootstrap(context.Background(), cfg, x, fitted, resid, 1, true, 42)
	require.NoError(t, err)
	assert.Equal(t, cfg.Resamples, out.succeeded+out.failed)
	assert.Greater(t, out.failed, 0)
	assert.Greater(t, out.succeeded, 0)

	require.Len(t, out.intervals, 2)
	for _, iv := range out.intervals {
		assert.False(t, math.IsNaN(iv.low) || math.IsNaN(iv.high))
		assert.LessOrEqual(t, iv.low, iv.high)
	}

	again, err := bootstrap(context.Background(), cfg, x, fitted, resid, 1, true, 42)
	require.NoError(t, err)
	assert.Equal(t, out.intervals, again.intervals)
	assert.Equal(t, out.failed, again.failed)
}

func TestBootstrap_TooFewSuccessesIsInsufficientData(t *testing.T) {
	x, fitted, resid := bootstrapFixture(30)
	cfg := BootstrapConfig{Enabled: true, Resamples: 200, BlockLength: 3, Workers: 4, MinSuccessRatio: 0.99}

	out, err := bootstrap(context.Background(), cfg, x, fitted, resid, 1, true, 42)
	require.Error(t, err)
	assert.Equal(t, model.CodeInsufficientData, model.ErrorCode(err))
	assert.Contains(t, err.Error(), "bootstrap resamples succeeded")
	require.NotNil(t, out)
	assert.Equal(t, cfg.Resamples, out.succeeded+out.failed)
	assert.Nil(t, out.intervals)
}

func TestBootstrap_CleanResiduals(t *testing.T) {
	x, fitted, resid := bootstrapFixture(30)
	resid[len(resid)-1] = 0
	cfg := BootstrapConfig{Enabled: true, Resamples: 50, BlockLength: 7, Workers: 2, MinSuccessRatio: 1}

	out, err := bootstrap(context.Background(), cfg, x, fitted, resid, 1, true, 7)
	require.NoError(t, err)
	assert.Equal(t, 50, out.succeeded)
	assert.Equal(t, 0, out.failed)
}
