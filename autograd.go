package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// This file implements the per-operation backward passes used for
// backpropagation. Each forward operation the encoder or scorer uses
// (MatMul, LayerNorm, Softmax, GELU, Tanh, bias add) has a matching
// backward implementation here.
//
// THE CHAIN RULE:
//
// Given: y = f(x) and z = g(y)
// Want: ∂z/∂x (how z changes with x)
//
// Chain rule: ∂z/∂x = ∂z/∂y · ∂y/∂x
//
// In backpropagation:
//   - Forward: Compute y = f(x), z = g(y)
//   - Backward: Given ∂L/∂z, compute ∂L/∂x = ∂L/∂z · ∂z/∂y · ∂y/∂x
//
// PERFORMANCE:
// Backward pass is typically 2x the cost of forward pass:
//   - Forward: One matmul
//   - Backward: Two matmuls (one for each input gradient)
//
// ===========================================================================

import (
	"math"
)

// MatMulBackward computes gradients for matrix multiplication.
//
// Given:
//   - C = A @ B
//   - gradC = ∂L/∂C (gradient flowing back from loss)
//
// Compute:
//   - gradA = ∂L/∂A = gradC @ B^T
//   - gradB = ∂L/∂B = A^T @ gradC
//
// Derivation:
//   C[i,j] = Σ_k A[i,k] * B[k,j]
//   ∂C[i,j]/∂A[i,k] = B[k,j]
//   ∂L/∂A[i,k] = Σ_j ∂L/∂C[i,j] * B[k,j] = (gradC @ B^T)[i,k]
func MatMulBackward(a, b, gradC *Tensor) (gradA, gradB *Tensor) {
	// ∂L/∂A = gradC @ B^T
	bT := Transpose(b)
	gradA = MatMul(gradC, bT)

	// ∂L/∂B = A^T @ gradC
	aT := Transpose(a)
	gradB = MatMul(aT, gradC)

	return gradA, gradB
}

// AddBiasBackward computes gradients for a broadcast bias addition
// y[i,j] = x[i,j] + bias[j].
//
// The gradient passes through to x unchanged; the bias gradient is the
// column-wise sum of gradY (each bias element touches every row).
func AddBiasBackward(gradY *Tensor) (gradX, gradBias *Tensor) {
	if len(gradY.shape) != 2 {
		panic("AddBiasBackward: requires 2D tensor")
	}

	rows, cols := gradY.shape[0], gradY.shape[1]
	gradX = gradY.Clone()
	gradBias = NewTensor(cols)

	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			gradBias.data[j] += gradY.data[i*cols+j]
		}
	}

	return gradX, gradBias
}

// GELUBackward computes gradient for GELU activation.
//
// GELU(x) = 0.5 * x * (1 + tanh(√(2/π) * (x + 0.044715 * x³)))
//
// The derivative is computed analytically via the chain rule through the
// tanh approximation.
func GELUBackward(x, gradY *Tensor) *Tensor {
	gradX := NewTensor(x.shape...)

	const (
		sqrt2OverPi = 0.7978845608028654
		coeff       = 0.044715
	)

	for i := range x.data {
		v := x.data[i]

		inner := sqrt2OverPi * (v + coeff*v*v*v)
		tanhInner := math.Tanh(inner)

		// d/dx GELU(x) via chain rule
		tanhDeriv := 1.0 - tanhInner*tanhInner // sech²(inner)
		innerDeriv := sqrt2OverPi * (1.0 + 3.0*coeff*v*v)
		geluDeriv := 0.5*(1.0+tanhInner) + 0.5*v*tanhDeriv*innerDeriv

		gradX.data[i] = gradY.data[i] * geluDeriv
	}

	return gradX
}

// TanhBackward computes gradient for the tanh activation (pooler).
//
// Given y = tanh(x): ∂y/∂x = 1 - y², so gradX = gradY * (1 - y²).
// Takes the forward output y rather than x to avoid recomputing tanh.
func TanhBackward(y, gradY *Tensor) *Tensor {
	if !shapeEqual(y.shape, gradY.shape) {
		panic("TanhBackward: shape mismatch")
	}

	gradX := NewTensor(y.shape...)
	for i := range y.data {
		gradX.data[i] = gradY.data[i] * (1.0 - y.data[i]*y.data[i])
	}
	return gradX
}

// SoftmaxBackward computes gradient for softmax.
//
// Given:
//   - Y = softmax(X)
//   - gradY = ∂L/∂Y
//
// Derivation:
//   Y[i] = exp(X[i]) / Σ_j exp(X[j])
//   ∂Y[i]/∂X[j] = Y[i] * (δ[i,j] - Y[j])
//
// Simplifies to:
//   gradX[i] = Y[i] * (gradY[i] - Σ_j gradY[j] * Y[j])
func SoftmaxBackward(y, gradY *Tensor) *Tensor {
	if len(y.shape) != 2 {
		panic("SoftmaxBackward: requires 2D tensor")
	}

	batch := y.shape[0]
	features := y.shape[1]

	gradX := NewTensor(y.shape...)

	for b := 0; b < batch; b++ {
		// Compute dot product: Σ_j gradY[j] * Y[j]
		dot := 0.0
		for f := 0; f < features; f++ {
			dot += gradY.At(b, f) * y.At(b, f)
		}

		// Compute gradient: Y[i] * (gradY[i] - dot)
		for f := 0; f < features; f++ {
			gradX.Set(y.At(b, f)*(gradY.At(b, f)-dot), b, f)
		}
	}

	return gradX
}

// LayerNormBackward computes gradients for layer normalization.
//
// LayerNorm: y = gamma * (x - mean) / std + beta
//
// where:
//   - mean = Σ x[i] / n
//   - variance = Σ (x[i] - mean)² / n
//   - std = sqrt(variance + epsilon)
//
// Gradients:
//   - ∂L/∂x involves the chain rule through mean and variance
//   - ∂L/∂gamma = Σ ∂L/∂y * (x - mean) / std
//   - ∂L/∂beta = Σ ∂L/∂y
func LayerNormBackward(x, gamma, gradY *Tensor, epsilon float64) (gradX, gradGamma, gradBeta *Tensor) {
	if len(x.shape) != 2 {
		panic("LayerNormBackward: requires 2D tensor")
	}

	batch := x.shape[0]
	features := x.shape[1]

	gradX = NewTensor(x.shape...)
	gradGamma = NewTensor(gamma.shape...)
	gradBeta = NewTensor(gamma.shape...)

	n := float64(features)

	for b := 0; b < batch; b++ {
		// Recompute statistics (needed for backward pass)
		mean := 0.0
		for f := 0; f < features; f++ {
			mean += x.At(b, f)
		}
		mean /= n

		variance := 0.0
		for f := 0; f < features; f++ {
			diff := x.At(b, f) - mean
			variance += diff * diff
		}
		variance /= n

		std := math.Sqrt(variance + epsilon)

		// Gradients for gamma and beta
		for f := 0; f < features; f++ {
			xNorm := (x.At(b, f) - mean) / std
			gradGamma.data[f] += gradY.At(b, f) * xNorm
			gradBeta.data[f] += gradY.At(b, f)
		}

		// Gradient for x (mean/variance dependencies make this the
		// standard normalization backward formula)
		sumGradY := 0.0
		sumGradYXNorm := 0.0
		for f := 0; f < features; f++ {
			xNorm := (x.At(b, f) - mean) / std
			sumGradY += gradY.At(b, f) * gamma.data[f]
			sumGradYXNorm += gradY.At(b, f) * gamma.data[f] * xNorm
		}

		for f := 0; f < features; f++ {
			xNorm := (x.At(b, f) - mean) / std
			gradXNorm := gradY.At(b, f) * gamma.data[f]
			gradX.Set((n*gradXNorm-sumGradY-xNorm*sumGradYXNorm)/(n*std), b, f)
		}
	}

	return gradX, gradGamma, gradBeta
}

// AccumulateGrad adds gradient to a tensor's gradient buffer.
// Used when a tensor is used multiple times in the forward pass
// (e.g. a shared encoder embedding both queries and documents).
func (t *Tensor) AccumulateGrad(grad *Tensor) {
	if !shapeEqual(t.shape, grad.shape) {
		panic("AccumulateGrad: shape mismatch")
	}

	for i := range t.grad {
		t.grad[i] += grad.data[i]
	}
}
