package main

import (
	"errors"
	"math"
	"testing"
)

// TestSimilarityMatrix checks S = Q @ D^T entries.
func TestSimilarityMatrix(t *testing.T) {
	q := NewTensor(2, 2)
	q.Set(1, 0, 0)
	q.Set(2, 0, 1)
	q.Set(3, 1, 0)
	q.Set(4, 1, 1)

	d := NewTensor(2, 2)
	d.Set(5, 0, 0)
	d.Set(6, 0, 1)
	d.Set(7, 1, 0)
	d.Set(8, 1, 1)

	s, err := SimilarityMatrix(q, d)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// S[0,0] = 1*5 + 2*6 = 17, S[0,1] = 1*7 + 2*8 = 23
	// S[1,0] = 3*5 + 4*6 = 39, S[1,1] = 3*7 + 4*8 = 53
	expected := [][]float64{{17, 23}, {39, 53}}
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			if s.At(i, j) != expected[i][j] {
				t.Errorf("S[%d,%d]: expected %f, got %f", i, j, expected[i][j], s.At(i, j))
			}
		}
	}
}

// TestContrastiveLossClosedForm verifies the loss against a hand-computed
// value for a 2x1 case.
func TestContrastiveLossClosedForm(t *testing.T) {
	// Q = D = [[1], [0]] gives S = [[1, 0], [0, 0]].
	// Row 0 CE: logsumexp(1,0) - 1 = ln(1 + e^-1)
	// Row 1 CE: logsumexp(0,0) - 0 = ln(2)
	// S is symmetric, so both directions agree:
	// loss = (ln(1 + e^-1) + ln(2)) / 2
	q := NewTensor(2, 1)
	q.Set(1, 0, 0)
	d := q.Clone()

	loss, err := ContrastiveLoss(q, d)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := (math.Log(1+math.Exp(-1)) + math.Log(2)) / 2
	if math.Abs(loss-expected) > 1e-12 {
		t.Errorf("expected loss %.12f, got %.12f", expected, loss)
	}
}

// TestContrastiveLossSinglePair: with batch size 1 there are no negatives
// and the loss is exactly zero regardless of the score value.
func TestContrastiveLossSinglePair(t *testing.T) {
	q := NewTensor(1, 3)
	d := NewTensor(1, 3)
	q.data = []float64{2.5, -1.0, 0.3}
	d.data = []float64{-0.7, 4.0, 1.1}

	loss, err := ContrastiveLoss(q, d)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loss != 0 {
		t.Errorf("single-pair loss should be exactly 0, got %g", loss)
	}
}

// TestContrastiveLossSymmetric: swapping query and document roles must not
// change the loss.
func TestContrastiveLossSymmetric(t *testing.T) {
	q := NewTensor(3, 2)
	d := NewTensor(3, 2)
	fillPattern(q, 1.0)
	for i := range d.data {
		d.data[i] = 0.7*math.Cos(float64(i)) + 0.1*float64(i%3)
	}

	lossQD, err := ContrastiveLoss(q, d)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	lossDQ, err := ContrastiveLoss(d, q)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if math.Abs(lossQD-lossDQ) > 1e-12 {
		t.Errorf("loss not symmetric: %.12f vs %.12f", lossQD, lossDQ)
	}
}

// TestContrastiveLossJointPermutation: permuting queries and documents with
// the SAME permutation preserves pairings, so the loss is unchanged.
func TestContrastiveLossJointPermutation(t *testing.T) {
	q := NewTensor(4, 3)
	d := NewTensor(4, 3)
	fillPattern(q, 1.0)
	for i := range d.data {
		d.data[i] = 0.6*math.Cos(float64(i)) - 0.2*float64(i%4)
	}

	base, err := ContrastiveLoss(q, d)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	perm := []int{2, 0, 3, 1}
	qp := NewTensor(4, 3)
	dp := NewTensor(4, 3)
	for i, src := range perm {
		for j := 0; j < 3; j++ {
			qp.Set(q.At(src, j), i, j)
			dp.Set(d.At(src, j), i, j)
		}
	}

	permuted, err := ContrastiveLoss(qp, dp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if math.Abs(base-permuted) > 1e-12 {
		t.Errorf("joint permutation changed loss: %.12f vs %.12f", base, permuted)
	}

	// Permuting only ONE side breaks the pairings and must change the loss.
	oneSided, err := ContrastiveLoss(q, dp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(base-oneSided) < 1e-9 {
		t.Errorf("one-sided permutation should change the loss, both %.12f", base)
	}
}

// TestContrastiveBackwardNumerical verifies the analytic loss gradients
// against finite differences.
func TestContrastiveBackwardNumerical(t *testing.T) {
	q := NewTensor(3, 2)
	d := NewTensor(3, 2)
	fillPattern(q, 0.8)
	for i := range d.data {
		d.data[i] = 0.5*math.Cos(float64(i)) + 0.15*float64(i%2)
	}

	gradQ, gradD, err := ContrastiveBackward(q, d)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	loss := func() float64 {
		l, err := ContrastiveLoss(q, d)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		return l
	}

	for i := range q.data {
		want := numericalGrad(q, i, loss)
		if math.Abs(gradQ.data[i]-want) > 1e-6 {
			t.Errorf("gradQ[%d]: analytic %f, numerical %f", i, gradQ.data[i], want)
		}
	}
	for i := range d.data {
		want := numericalGrad(d, i, loss)
		if math.Abs(gradD.data[i]-want) > 1e-6 {
			t.Errorf("gradD[%d]: analytic %f, numerical %f", i, gradD.data[i], want)
		}
	}
}

// TestScorerShapeErrors exercises the input contract.
func TestScorerShapeErrors(t *testing.T) {
	q := NewTensor(2, 3)
	dWrongDim := NewTensor(2, 4)
	dWrongRows := NewTensor(3, 3)

	if _, err := ContrastiveLoss(q, dWrongDim); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch for dim mismatch, got %v", err)
	}
	if _, err := ContrastiveLoss(q, dWrongRows); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch for row mismatch, got %v", err)
	}
	if _, _, err := ContrastiveBackward(q, dWrongRows); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch from backward, got %v", err)
	}
	if _, err := SimilarityMatrix(q, dWrongDim); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch from similarity, got %v", err)
	}
}
