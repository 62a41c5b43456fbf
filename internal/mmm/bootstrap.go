package mmm

import (
	"context"
	"fmt"
	"math/rand/v2"
	"runtime"
	"sort"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/sells-group/mixsignal/internal/model"
)

// BootstrapConfig controls residual block bootstrap.
type BootstrapConfig struct {
	Enabled         bool    `json:"enabled"`
	Resamples       int     `json:"resamples"`
	BlockLength     int     `json:"block_length"`
	Workers         int     `json:"workers"`
	MinSuccessRatio float64 `json:"min_success_ratio"`
}

// interval is a percentile CI for one coefficient.
type interval struct {
	low, high float64
}

type bootstrapOutcome struct {
	intervals []interval
	succeeded int
	failed    int
}

// bootstrap refits the model on fitted + block-resampled residuals and
// returns 2.5/97.5 percentile intervals for each coefficient. Every resample
// draws from its own generator seeded by (seed, index), so results do not
// depend on scheduling.
func bootstrap(ctx context.Context, cfg BootstrapConfig, x *mat.Dense, fitted, resid []float64, lambda float64, intercept bool, seed uint64) (*bootstrapOutcome, error) {
	_, p := x.Dims()
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	draws := make([][]float64, cfg.Resamples)
	var failed atomic.Int64

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := 0; i < cfg.Resamples; i++ {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			rng := rand.New(rand.NewPCG(seed, uint64(i)))
			y := resampleBlocks(rng, resid, cfg.BlockLength)
			for t := range y {
				y[t] += fitted[t]
			}
			fit, err := fitRidge(x, y, lambda, intercept)
			if err != nil {
				failed.Add(1)
				zap.L().Debug("mmm: bootstrap resample failed", zap.Int("resample", i), zap.Error(err))
				return nil
			}
			draws[i] = fit.coef
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "mmm: bootstrap")
	}

	out := &bootstrapOutcome{failed: int(failed.Load())}
	out.succeeded = cfg.Resamples - out.failed
	need := int(cfg.MinSuccessRatio * float64(cfg.Resamples))
	if out.succeeded == 0 || out.succeeded < need {
		return out, model.NewInsufficientData(out.succeeded, need,
			fmt.Sprintf("only %d of %d bootstrap resamples succeeded", out.succeeded, cfg.Resamples))
	}

	out.intervals = make([]interval, p)
	col := make([]float64, 0, out.succeeded)
	for j := 0; j < p; j++ {
		col = col[:0]
		for _, d := range draws {
			if d != nil {
				col = append(col, d[j])
			}
		}
		sort.Float64s(col)
		out.intervals[j] = interval{
			low:  stat.Quantile(0.025, stat.LinInterp, col, nil),
			high: stat.Quantile(0.975, stat.LinInterp, col, nil),
		}
	}
	return out, nil
}

// resampleBlocks builds a series of len(resid) from contiguous blocks drawn
// with replacement (moving block bootstrap).
func resampleBlocks(rng *rand.Rand, resid []float64, blockLen int) []float64 {
	n := len(resid)
	if blockLen <= 0 {
		blockLen = 1
	}
	if blockLen > n {
		blockLen = n
	}
	out := make([]float64, 0, n)
	for len(out) < n {
		start := rng.IntN(n - blockLen + 1)
		for k := start; k < start+blockLen && len(out) < n; k++ {
			out = append(out, resid[k])
		}
	}
	return out
}
