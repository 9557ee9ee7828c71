package main

import (
	"fmt"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// maskedOut is added to affinities at future positions before softmax. After
// max-subtraction the float32 exponential underflows to exactly zero weight.
const maskedOut = float32(-1e9)

// causalMaskNode builds the (1, t, t) additive mask: zero at and below the
// diagonal, maskedOut above it. Constant for the life of the graph.
func causalMaskNode(g *gorgonia.ExprGraph, t int) (*gorgonia.Node, error) {
	backing := make([]float32, t*t)
	for i := 0; i < t; i++ {
		for j := i + 1; j < t; j++ {
			backing[i*t+j] = maskedOut
		}
	}
	d := tensor.New(tensor.WithShape(t, t), tensor.WithBacking(backing))
	n := gorgonia.NodeFromAny(g, d, gorgonia.WithName("causal_mask"))
	return gorgonia.Reshape(n, tensor.Shape{1, t, t})
}

// headForward builds one head of causal self-attention over flat (b*t, C)
// input: bias-free K/Q/V projections into the head subspace, scaled
// affinities, causal mask, softmax, dropout in training mode, and the
// weighted aggregation of values. Returns the (b, t, headSize) output and
// the (b, t, t) post-softmax weights.
func (m *Model) headForward(flat, wk, wq, wv, mask, scale *gorgonia.Node, mode Mode, b, t int) (out, wei *gorgonia.Node, err error) {
	hs := m.cfg.headSize()

	project := func(w *gorgonia.Node) (*gorgonia.Node, error) {
		p, err := gorgonia.Mul(flat, w)
		if err != nil {
			return nil, err
		}
		return gorgonia.Reshape(p, tensor.Shape{b, t, hs})
	}

	k, err := project(wk)
	if err != nil {
		return nil, nil, fmt.Errorf("key projection: %w", err)
	}
	q, err := project(wq)
	if err != nil {
		return nil, nil, fmt.Errorf("query projection: %w", err)
	}
	v, err := project(wv)
	if err != nil {
		return nil, nil, fmt.Errorf("value projection: %w", err)
	}

	kT, err := gorgonia.Transpose(k, 0, 2, 1)
	if err != nil {
		return nil, nil, err
	}
	wei, err = gorgonia.BatchedMatMul(q, kT) // (b, t, t)
	if err != nil {
		return nil, nil, fmt.Errorf("affinities: %w", err)
	}
	if wei, err = gorgonia.Mul(wei, scale); err != nil {
		return nil, nil, err
	}
	if wei, err = gorgonia.BroadcastAdd(wei, mask, nil, []byte{0}); err != nil {
		return nil, nil, fmt.Errorf("causal mask: %w", err)
	}
	if wei, err = gorgonia.SoftMax(wei, 2); err != nil {
		return nil, nil, err
	}

	applied := wei
	if mode == TrainMode && m.cfg.Dropout > 0 {
		if applied, err = gorgonia.Dropout(wei, m.cfg.Dropout); err != nil {
			return nil, nil, err
		}
	}
	if t == 1 {
		// BatchedMatMul slices each batch element down to a matrix, and at
		// t == 1 the (1, 1) weight slice degenerates to a scalar. The single
		// weight is a per-batch factor on the value row, so aggregate by
		// broadcast multiplication instead.
		if out, err = gorgonia.BroadcastHadamardProd(v, applied, nil, []byte{2}); err != nil {
			return nil, nil, fmt.Errorf("value aggregation: %w", err)
		}
		return out, wei, nil
	}
	if out, err = gorgonia.BatchedMatMul(applied, v); err != nil { // (b, t, hs)
		return nil, nil, fmt.Errorf("value aggregation: %w", err)
	}
	return out, wei, nil
}

// multiHead runs every head of a block in its own subspace, concatenates the
// head outputs back to full width, and applies the output projection with
// dropout. probeHead >= 0 stores that head's post-softmax weights on fn.
func (m *Model) multiHead(fn *forwardNodes, bn blockNodes, x, mask, scale *gorgonia.Node, mode Mode, b, t, probeHead int) (*gorgonia.Node, error) {
	c := m.cfg.EmbedDim
	flat, err := gorgonia.Reshape(x, tensor.Shape{b * t, c})
	if err != nil {
		return nil, err
	}

	outs := make([]*gorgonia.Node, len(bn.wk))
	for h := range bn.wk {
		out, wei, err := m.headForward(flat, bn.wk[h], bn.wq[h], bn.wv[h], mask, scale, mode, b, t)
		if err != nil {
			return nil, fmt.Errorf("head %d: %w", h, err)
		}
		if h == probeHead {
			fn.attnWei = wei
		}
		outs[h] = out
	}

	cat := outs[0]
	if len(outs) > 1 {
		if cat, err = gorgonia.Concat(2, outs...); err != nil {
			return nil, fmt.Errorf("head concat: %w", err)
		}
	}

	proj, err := gorgonia.Reshape(cat, tensor.Shape{b * t, c})
	if err != nil {
		return nil, err
	}
	if proj, err = gorgonia.Mul(proj, bn.wo); err != nil {
		return nil, fmt.Errorf("output projection: %w", err)
	}
	if proj, err = gorgonia.BroadcastAdd(proj, bn.bo, nil, []byte{0}); err != nil {
		return nil, err
	}
	if mode == TrainMode && m.cfg.Dropout > 0 {
		if proj, err = gorgonia.Dropout(proj, m.cfg.Dropout); err != nil {
			return nil, err
		}
	}
	return gorgonia.Reshape(proj, tensor.Shape{b, t, c})
}
