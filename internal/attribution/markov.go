package attribution

import (
	"sort"

	"github.com/rotisserie/eris"
	"gonum.org/v1/gonum/mat"
)

// chain is a first-order Markov chain over touchpoint channels. State 0 is
// Start; Conversion and Null are absorbing and kept out of the matrix.
type chain struct {
	channels []string
	index    map[string]int
	trans    [][]float64 // transient -> transient counts
	conv     []float64   // transient -> Conversion counts
	out      []float64   // total outbound counts per transient state
}

func newChain(paths ...[][]string) *chain {
	seen := map[string]bool{}
	for _, group := range paths {
		for _, p := range group {
			for _, ch := range p {
				if ch != "" {
					seen[ch] = true
				}
			}
		}
	}
	c := &chain{index: map[string]int{}}
	for ch := range seen {
		c.channels = append(c.channels, ch)
	}
	sort.Strings(c.channels)
	for i, ch := range c.channels {
		c.index[ch] = i + 1
	}
	n := len(c.channels) + 1
	c.trans = make([][]float64, n)
	for i := range c.trans {
		c.trans[i] = make([]float64, n)
	}
	c.conv = make([]float64, n)
	c.out = make([]float64, n)
	return c
}

// observe records a path; converted paths end in Conversion, others in Null.
func (c *chain) observe(path []string, converted bool) {
	prev := 0
	for _, ch := range path {
		if ch == "" {
			continue
		}
		next := c.index[ch]
		c.trans[prev][next]++
		c.out[prev]++
		prev = next
	}
	if prev == 0 {
		return
	}
	if converted {
		c.conv[prev]++
	}
	c.out[prev]++
}

// conversionProb solves the absorbing chain for P(Conversion | Start), with
// the given state treated as Null (0 means nothing removed).
func (c *chain) conversionProb(removed int) (float64, error) {
	n := len(c.trans)
	a := mat.NewDense(n, n, nil)
	b := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		a.Set(i, i, 1)
		if i == removed && removed != 0 {
			continue
		}
		if c.out[i] == 0 {
			continue
		}
		for j := 0; j < n; j++ {
			if j == removed && removed != 0 {
				continue
			}
			if p := c.trans[i][j] / c.out[i]; p != 0 {
				a.Set(i, j, a.At(i, j)-p)
			}
		}
		b.SetVec(i, c.conv[i]/c.out[i])
	}

	var p mat.VecDense
	if err := p.SolveVec(a, b); err != nil {
		return 0, eris.Wrap(err, "markov: solve absorbing chain")
	}
	return p.AtVec(0), nil
}

// RemovalEffects fits a Markov chain on converting and non-converting paths
// and returns each channel's removal effect, normalized to sum to 1.
func RemovalEffects(converting, nonConverting [][]string) (map[string]float64, error) {
	c := newChain(converting, nonConverting)
	if len(c.channels) == 0 {
		return nil, eris.New("markov: no touchpoints observed")
	}
	for _, p := range converting {
		c.observe(p, true)
	}
	for _, p := range nonConverting {
		c.observe(p, false)
	}

	base, err := c.conversionProb(0)
	if err != nil {
		return nil, err
	}
	if base <= 0 {
		return nil, eris.New("markov: conversion probability is zero")
	}

	effects := make(map[string]float64, len(c.channels))
	var total float64
	for _, ch := range c.channels {
		removed, err := c.conversionProb(c.index[ch])
		if err != nil {
			return nil, err
		}
		re := 1 - removed/base
		if re < 0 {
			re = 0
		}
		effects[ch] = re
		total += re
	}
	if total <= 0 {
		return nil, eris.New("markov: all removal effects are zero")
	}
	for ch := range effects {
		effects[ch] /= total
	}
	return effects, nil
}
