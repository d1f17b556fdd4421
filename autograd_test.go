package main

import (
	"math"
	"testing"
)

// numericalGrad computes a central finite-difference estimate of
// ∂loss/∂x[idx] for a scalar-valued function of one tensor.
func numericalGrad(x *Tensor, idx int, loss func() float64) float64 {
	const h = 1e-5
	orig := x.data[idx]

	x.data[idx] = orig + h
	plus := loss()
	x.data[idx] = orig - h
	minus := loss()
	x.data[idx] = orig

	return (plus - minus) / (2 * h)
}

// fillPattern deterministically fills a tensor with small varied values.
func fillPattern(t *Tensor, scale float64) {
	for i := range t.data {
		t.data[i] = scale * math.Sin(float64(i)+1.0)
	}
}

// TestMatMulBackward verifies analytic matmul gradients against finite
// differences through a summed output.
func TestMatMulBackward(t *testing.T) {
	a := NewTensor(2, 3)
	b := NewTensor(3, 4)
	fillPattern(a, 0.5)
	fillPattern(b, 0.3)

	// loss = sum(A @ B), so gradC is all ones
	loss := func() float64 {
		c := MatMul(a, b)
		sum := 0.0
		for _, v := range c.data {
			sum += v
		}
		return sum
	}

	gradC := NewTensorOnes(2, 4)
	gradA, gradB := MatMulBackward(a, b, gradC)

	for i := range a.data {
		want := numericalGrad(a, i, loss)
		if math.Abs(gradA.data[i]-want) > 1e-6 {
			t.Errorf("gradA[%d]: analytic %f, numerical %f", i, gradA.data[i], want)
		}
	}
	for i := range b.data {
		want := numericalGrad(b, i, loss)
		if math.Abs(gradB.data[i]-want) > 1e-6 {
			t.Errorf("gradB[%d]: analytic %f, numerical %f", i, gradB.data[i], want)
		}
	}
}

// TestGELUBackward verifies the GELU derivative numerically.
func TestGELUBackward(t *testing.T) {
	x := NewTensor(1, 5)
	x.data = []float64{-2.0, -0.5, 0.0, 0.5, 2.0}

	loss := func() float64 {
		y := GELU(x)
		sum := 0.0
		for _, v := range y.data {
			sum += v
		}
		return sum
	}

	gradX := GELUBackward(x, NewTensorOnes(1, 5))

	for i := range x.data {
		want := numericalGrad(x, i, loss)
		if math.Abs(gradX.data[i]-want) > 1e-6 {
			t.Errorf("gradX[%d]: analytic %f, numerical %f", i, gradX.data[i], want)
		}
	}
}

// TestTanhBackward checks the tanh derivative at known points.
func TestTanhBackward(t *testing.T) {
	x := NewTensor(1, 3)
	x.data = []float64{-1.0, 0.0, 1.0}

	y := Tanh(x)
	gradX := TanhBackward(y, NewTensorOnes(1, 3))

	// d/dx tanh(x) = 1 - tanh²(x); at 0 it is exactly 1
	if math.Abs(gradX.data[1]-1.0) > 1e-12 {
		t.Errorf("tanh'(0) should be 1, got %f", gradX.data[1])
	}

	loss := func() float64 {
		out := Tanh(x)
		sum := 0.0
		for _, v := range out.data {
			sum += v
		}
		return sum
	}
	for i := range x.data {
		want := numericalGrad(x, i, loss)
		if math.Abs(gradX.data[i]-want) > 1e-6 {
			t.Errorf("gradX[%d]: analytic %f, numerical %f", i, gradX.data[i], want)
		}
	}
}

// TestSoftmaxBackward verifies the softmax Jacobian-vector product.
func TestSoftmaxBackward(t *testing.T) {
	x := NewTensor(2, 3)
	fillPattern(x, 1.0)

	// Weighted sum so the gradient is not trivially uniform
	weights := []float64{0.3, -1.2, 0.7, 0.1, 0.9, -0.4}
	loss := func() float64 {
		y := Softmax(x)
		sum := 0.0
		for i, v := range y.data {
			sum += weights[i] * v
		}
		return sum
	}

	y := Softmax(x)
	gradY := NewTensor(2, 3)
	copy(gradY.data, weights)
	gradX := SoftmaxBackward(y, gradY)

	for i := range x.data {
		want := numericalGrad(x, i, loss)
		if math.Abs(gradX.data[i]-want) > 1e-6 {
			t.Errorf("gradX[%d]: analytic %f, numerical %f", i, gradX.data[i], want)
		}
	}
}

// TestLayerNormBackward verifies all three layer-norm gradients numerically.
func TestLayerNormBackward(t *testing.T) {
	const eps = 1e-12

	x := NewTensor(2, 4)
	gamma := NewTensorOnes(4)
	beta := NewTensor(4)
	fillPattern(x, 1.0)
	fillPattern(gamma, 0.5)
	for i := range gamma.data {
		gamma.data[i] += 1.0 // keep scales away from zero
	}

	forward := func() *Tensor {
		ln := &LayerNorm{eps: eps, gamma: gamma, beta: beta}
		return ln.Forward(x)
	}
	loss := func() float64 {
		y := forward()
		sum := 0.0
		for i, v := range y.data {
			sum += float64(i%3) * v
		}
		return sum
	}

	gradY := NewTensor(2, 4)
	for i := range gradY.data {
		gradY.data[i] = float64(i % 3)
	}
	gradX, gradGamma, gradBeta := LayerNormBackward(x, gamma, gradY, eps)

	for i := range x.data {
		want := numericalGrad(x, i, loss)
		if math.Abs(gradX.data[i]-want) > 1e-5 {
			t.Errorf("gradX[%d]: analytic %f, numerical %f", i, gradX.data[i], want)
		}
	}
	for i := range gamma.data {
		want := numericalGrad(gamma, i, loss)
		if math.Abs(gradGamma.data[i]-want) > 1e-5 {
			t.Errorf("gradGamma[%d]: analytic %f, numerical %f", i, gradGamma.data[i], want)
		}
	}
	for i := range beta.data {
		want := numericalGrad(beta, i, loss)
		if math.Abs(gradBeta.data[i]-want) > 1e-5 {
			t.Errorf("gradBeta[%d]: analytic %f, numerical %f", i, gradBeta.data[i], want)
		}
	}
}

// TestAddBiasBackward checks bias gradients are column sums.
func TestAddBiasBackward(t *testing.T) {
	gradY := NewTensor(3, 2)
	fillPattern(gradY, 1.0)

	gradX, gradBias := AddBiasBackward(gradY)

	for i := range gradY.data {
		if gradX.data[i] != gradY.data[i] {
			t.Errorf("gradX should pass through unchanged at %d", i)
		}
	}
	for j := 0; j < 2; j++ {
		want := gradY.At(0, j) + gradY.At(1, j) + gradY.At(2, j)
		if math.Abs(gradBias.data[j]-want) > 1e-12 {
			t.Errorf("gradBias[%d]: expected %f, got %f", j, want, gradBias.data[j])
		}
	}
}

// TestAccumulateGrad verifies gradients add across uses.
func TestAccumulateGrad(t *testing.T) {
	p := NewTensor(2, 2)
	g := NewTensorOnes(2, 2)

	p.AccumulateGrad(g)
	p.AccumulateGrad(g)

	for i, v := range p.grad {
		if v != 2.0 {
			t.Errorf("grad[%d]: expected 2, got %f", i, v)
		}
	}
}
