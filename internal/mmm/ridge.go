package mmm

import (
	"errors"
	"math"

	"github.com/rotisserie/eris"
	"gonum.org/v1/gonum/mat"
)

// ridgeFit is a solved ridge regression.
type ridgeFit struct {
	coef      []float64
	intercept float64
	illPosed  bool
}

// fitRidge solves min ||y - b0 - Xb||² + lambda*||b||². With intercept, the
// columns and y are centered so b0 is not penalized.
func fitRidge(x *mat.Dense, y []float64, lambda float64, intercept bool) (*ridgeFit, error) {
	if lambda <= 0 {
		return nil, eris.New("mmm: ridge lambda must be positive")
	}
	n, p := x.Dims()
	if n != len(y) {
		return nil, eris.Errorf("mmm: design has %d rows, target has %d", n, len(y))
	}

	xs := x
	ys := y
	means := make([]float64, p)
	var yMean float64
	if intercept {
		centered := mat.NewDense(n, p, nil)
		for j := 0; j < p; j++ {
			var s float64
			for i := 0; i < n; i++ {
				s += x.At(i, j)
			}
			means[j] = s / float64(n)
			for i := 0; i < n; i++ {
				centered.Set(i, j, x.At(i, j)-means[j])
			}
		}
		for _, v := range y {
			yMean += v
		}
		yMean /= float64(n)
		ys = make([]float64, n)
		for i, v := range y {
			ys[i] = v - yMean
		}
		xs = centered
	}

	var xtx mat.SymDense
	xtx.SymOuterK(1, xs.T())
	for i := 0; i < p; i++ {
		xtx.SetSym(i, i, xtx.At(i, i)+lambda)
	}

	var xty mat.VecDense
	xty.MulVec(xs.T(), mat.NewVecDense(n, ys))

	var chol mat.Cholesky
	if ok := chol.Factorize(&xtx); !ok {
		return nil, eris.New("mmm: ridge system is not positive definite")
	}

	beta := mat.NewVecDense(p, nil)
	fit := &ridgeFit{coef: make([]float64, p)}
	if err := chol.SolveVecTo(beta, &xty); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return nil, eris.Wrap(err, "mmm: solve ridge system")
		}
		fit.illPosed = true
	}

	for j := 0; j < p; j++ {
		b := beta.AtVec(j)
		if math.IsNaN(b) || math.IsInf(b, 0) {
			return nil, eris.New("mmm: ridge solution is not finite")
		}
		fit.coef[j] = b
	}
	if intercept {
		fit.intercept = yMean
		for j := 0; j < p; j++ {
			fit.intercept -= means[j] * fit.coef[j]
		}
	}
	return fit, nil
}

// predict returns b0 + Xb.
func (f *ridgeFit) predict(x *mat.Dense) []float64 {
	n, p := x.Dims()
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		v := f.intercept
		for j := 0; j < p; j++ {
			v += x.At(i, j) * f.coef[j]
		}
		out[i] = v
	}
	return out
}

// goodnessOfFit returns R² (centered with an intercept, uncentered without),
// adjusted R², and MAPE over non-zero targets.
func goodnessOfFit(y, pred []float64, predictors int, intercept bool) (r2, adj, mape float64) {
	n := len(y)
	var mean float64
	for _, v := range y {
		mean += v
	}
	mean /= float64(n)

	var sse, sst, apeSum float64
	var apeN int
	for i, v := range y {
		e := v - pred[i]
		sse += e * e
		if intercept {
			sst += (v - mean) * (v - mean)
		} else {
			sst += v * v
		}
		if v != 0 {
			apeSum += math.Abs(e / v)
			apeN++
		}
	}

	if sst == 0 {
		r2 = math.NaN()
	} else {
		r2 = 1 - sse/sst
	}
	adj = r2
	dof := n - predictors
	if intercept {
		dof--
	}
	if dof > 0 && !math.IsNaN(r2) {
		denom := float64(n)
		if intercept {
			denom--
		}
		adj = 1 - (1-r2)*denom/float64(dof)
	}
	if apeN > 0 {
		mape = apeSum / float64(apeN)
	}
	return r2, adj, mape
}

// vif computes the variance inflation factor of each of the first k columns
// against the other k-1. Perfect collinearity is capped at maxVIF.
func vif(x *mat.Dense, k int) []float64 {
	const maxVIF = 1e6
	n, _ := x.Dims()
	out := make([]float64, k)
	if k < 2 {
		for j := range out {
			out[j] = 1
		}
		return out
	}
	for j := 0; j < k; j++ {
		others := mat.NewDense(n, k-1, nil)
		target := make([]float64, n)
		for i := 0; i < n; i++ {
			target[i] = x.At(i, j)
			col := 0
			for c := 0; c < k; c++ {
				if c == j {
					continue
				}
				others.Set(i, col, x.At(i, c))
				col++
			}
		}
		fit, err := fitRidge(others, target, 1e-9, true)
		if err != nil {
			out[j] = maxVIF
			continue
		}
		r2, _, _ := goodnessOfFit(target, fit.predict(others), k-1, true)
		switch {
		case math.IsNaN(r2):
			// constant column: no variance to inflate
			out[j] = 1
		case r2 >= 1-1/maxVIF:
			out[j] = maxVIF
		default:
			out[j] = 1 / (1 - r2)
		}
	}
	return out
}
