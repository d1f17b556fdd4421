package main

// ===========================================================================
// WHAT'S GOING ON HERE: Training the Retrieval Model
// ===========================================================================
//
// This file implements the optimization machinery for contrastive retrieval
// training: optimizers, a learning-rate schedule, gradient clipping, and the
// per-batch training step.
//
// THE TRAINING STEP:
//
// 1. Embed queries and documents into the shared space (dualencoder.go),
//    optionally under sub-batch checkpointing (checkpoint.go).
// 2. Compute the symmetric in-batch contrastive loss (scorer.go).
// 3. Backward: analytic gradients of the loss with respect to both
//    embedding matrices, then through the bias-free projections.
// 4. Clip by global norm, apply the optimizer update.
//
// The shipped step fine-tunes the two PROJECTION matrices with the encoders
// frozen. The projection gradients are exact (the chain stops at the pooled
// encoder outputs, which are constants when the encoders are frozen), so
// this path needs no approximations. Per-operation backward functions for
// the encoder stack live in autograd.go for full fine-tuning work.
//
// ===========================================================================

import (
	"fmt"
	"math"
)

// TrainingConfig holds hyperparameters for training.
type TrainingConfig struct {
	// Optimization
	LearningRate      float64
	WeightDecay       float64 // L2 regularization
	GradientClipValue float64 // Global-norm clipping threshold; <= 0 disables

	// Training
	BatchSize int
	NumEpochs int

	// Memory
	CheckpointBatchSize int // Sub-batch size for activation checkpointing; <= 0 disables

	// Learning rate schedule
	WarmupSteps int     // Linear warmup from 0 to LearningRate
	DecaySteps  int     // Cosine decay after warmup
	MinLR       float64 // Floor after decay

	// Optimization algorithm
	Optimizer   string // "sgd", "adam"
	AdamBeta1   float64
	AdamBeta2   float64
	AdamEpsilon float64

	// Logging
	LogInterval int // Log every N steps
}

// DefaultTrainingConfig returns sensible defaults.
func DefaultTrainingConfig() TrainingConfig {
	return TrainingConfig{
		LearningRate:      1e-3,
		WeightDecay:       0.01,
		GradientClipValue: 1.0,

		BatchSize: 32,
		NumEpochs: 10,

		CheckpointBatchSize: 0, // off unless the batch is too big for memory

		WarmupSteps: 100,
		DecaySteps:  1000,
		MinLR:       1e-5,

		Optimizer:   "adam",
		AdamBeta1:   0.9,
		AdamBeta2:   0.999,
		AdamEpsilon: 1e-8,

		LogInterval: 10,
	}
}

// newOptimizer constructs the optimizer named by config.Optimizer for the
// given parameter list.
func newOptimizer(config TrainingConfig, params []*Tensor) (Optimizer, error) {
	switch config.Optimizer {
	case "sgd":
		return NewSGDOptimizer(config.WeightDecay), nil
	case "adam":
		return NewAdamOptimizer(params, config.AdamBeta1, config.AdamBeta2,
			config.AdamEpsilon, config.WeightDecay), nil
	default:
		return nil, fmt.Errorf("%w: unknown optimizer %q (want sgd or adam)",
			ErrInvalidConfig, config.Optimizer)
	}
}

// Optimizer interface for different optimization algorithms.
type Optimizer interface {
	// Step performs a single optimization step.
	// Updates parameters using their gradients.
	Step(params []*Tensor, lr float64)

	// ZeroGrad clears all gradients.
	ZeroGrad(params []*Tensor)
}

// SGDOptimizer implements Stochastic Gradient Descent.
type SGDOptimizer struct {
	weightDecay float64
}

// NewSGDOptimizer creates an SGD optimizer.
func NewSGDOptimizer(weightDecay float64) *SGDOptimizer {
	return &SGDOptimizer{
		weightDecay: weightDecay,
	}
}

// Step updates parameters using SGD: param -= lr * (grad + weightDecay * param).
func (opt *SGDOptimizer) Step(params []*Tensor, lr float64) {
	for _, p := range params {
		for i := range p.data {
			grad := p.grad[i] + opt.weightDecay*p.data[i]
			p.data[i] -= lr * grad
		}
	}
}

// ZeroGrad clears gradients.
func (opt *SGDOptimizer) ZeroGrad(params []*Tensor) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// AdamOptimizer implements the Adam optimization algorithm.
//
// Adam combines:
//   - Momentum (moving average of gradients)
//   - RMSProp (moving average of squared gradients)
//   - Bias correction (accounts for initialization at zero)
//
// Update rule:
//
//	m_t = beta1 * m_{t-1} + (1 - beta1) * grad
//	v_t = beta2 * v_{t-1} + (1 - beta2) * grad²
//	m_hat = m_t / (1 - beta1^t)
//	v_hat = v_t / (1 - beta2^t)
//	param -= lr * m_hat / (sqrt(v_hat) + epsilon)
type AdamOptimizer struct {
	beta1       float64
	beta2       float64
	epsilon     float64
	weightDecay float64

	// State (one per parameter)
	m []*Tensor // First moment (momentum)
	v []*Tensor // Second moment (variance)
	t int       // Time step (for bias correction)
}

// NewAdamOptimizer creates an Adam optimizer with state matching params.
// Step must be called with the same parameter slice, in the same order.
func NewAdamOptimizer(params []*Tensor, beta1, beta2, epsilon, weightDecay float64) *AdamOptimizer {
	m := make([]*Tensor, len(params))
	v := make([]*Tensor, len(params))

	for i, p := range params {
		m[i] = NewTensor(p.shape...)
		v[i] = NewTensor(p.shape...)
	}

	return &AdamOptimizer{
		beta1:       beta1,
		beta2:       beta2,
		epsilon:     epsilon,
		weightDecay: weightDecay,
		m:           m,
		v:           v,
		t:           0,
	}
}

// Step performs an Adam update.
func (opt *AdamOptimizer) Step(params []*Tensor, lr float64) {
	opt.t++

	// Bias correction factors
	bias1 := 1.0 - math.Pow(opt.beta1, float64(opt.t))
	bias2 := 1.0 - math.Pow(opt.beta2, float64(opt.t))

	for i, p := range params {
		for j := range p.data {
			grad := p.grad[j] + opt.weightDecay*p.data[j]

			opt.m[i].data[j] = opt.beta1*opt.m[i].data[j] + (1.0-opt.beta1)*grad
			opt.v[i].data[j] = opt.beta2*opt.v[i].data[j] + (1.0-opt.beta2)*grad*grad

			mHat := opt.m[i].data[j] / bias1
			vHat := opt.v[i].data[j] / bias2

			p.data[j] -= lr * mHat / (math.Sqrt(vHat) + opt.epsilon)
		}
	}
}

// ZeroGrad clears gradients.
func (opt *AdamOptimizer) ZeroGrad(params []*Tensor) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// LRScheduler implements learning rate scheduling: linear warmup followed by
// cosine decay to a floor.
type LRScheduler struct {
	baseLR      float64
	minLR       float64
	warmupSteps int
	decaySteps  int
	step        int
}

// NewLRScheduler creates a learning rate scheduler.
func NewLRScheduler(baseLR, minLR float64, warmupSteps, decaySteps int) *LRScheduler {
	return &LRScheduler{
		baseLR:      baseLR,
		minLR:       minLR,
		warmupSteps: warmupSteps,
		decaySteps:  decaySteps,
		step:        0,
	}
}

// GetLR advances the schedule and returns the learning rate for this step.
func (sched *LRScheduler) GetLR() float64 {
	sched.step++

	// Phase 1: Linear warmup
	if sched.step < sched.warmupSteps {
		return sched.baseLR * float64(sched.step) / float64(sched.warmupSteps)
	}

	// Phase 2: Cosine decay
	if sched.step < sched.decaySteps {
		progress := float64(sched.step-sched.warmupSteps) / float64(sched.decaySteps-sched.warmupSteps)
		cosine := 0.5 * (1.0 + math.Cos(math.Pi*progress))
		return sched.minLR + (sched.baseLR-sched.minLR)*cosine
	}

	// Phase 3: Constant minimum
	return sched.minLR
}

// clipGradients scales all gradients so their global L2 norm does not exceed
// maxNorm. Returns the pre-clip norm. A maxNorm <= 0 disables clipping.
func clipGradients(params []*Tensor, maxNorm float64) float64 {
	sumSq := 0.0
	for _, p := range params {
		for _, g := range p.grad {
			sumSq += g * g
		}
	}
	norm := math.Sqrt(sumSq)

	if maxNorm > 0 && norm > maxNorm {
		scale := maxNorm / norm
		for _, p := range params {
			for i := range p.grad {
				p.grad[i] *= scale
			}
		}
	}

	return norm
}

// TrainStep performs one projection fine-tuning step on a batch of aligned
// query/document pairs and returns the batch loss.
//
// Row i of the query batch must pair with row i of the document batch.
// checkpointBatchSize bounds peak activation memory during the (frozen)
// encoder forward passes; <= 0 runs each batch in one pass. clipValue is the
// global-norm gradient clipping threshold; <= 0 disables clipping.
func TrainStep(model *DualEncoder, queryIDs, queryMask, docIDs, docMask [][]int,
	optimizer Optimizer, lr, clipValue float64, checkpointBatchSize int) (float64, error) {

	if len(queryIDs) != len(docIDs) {
		return 0, fmt.Errorf("%w: train step: %d queries vs %d documents",
			ErrShapeMismatch, len(queryIDs), len(docIDs))
	}

	params := model.ProjectionParameters()
	optimizer.ZeroGrad(params)

	// Forward: pooled encoder outputs (constants under frozen encoders),
	// then the trainable projections.
	pooledQ, _, err := model.embedSentences(queryIDs, queryMask, model.queryEncoder, checkpointBatchSize)
	if err != nil {
		return 0, err
	}
	pooledD, _, err := model.embedSentences(docIDs, docMask, model.documentEncoder(), checkpointBatchSize)
	if err != nil {
		return 0, err
	}

	qReps := MatMul(pooledQ, model.projQuery)
	dReps := MatMul(pooledD, model.projDoc)

	loss, err := ContrastiveLoss(qReps, dReps)
	if err != nil {
		return 0, err
	}

	// Backward: loss -> embeddings -> projection weights.
	gradQ, gradD, err := ContrastiveBackward(qReps, dReps)
	if err != nil {
		return 0, err
	}

	_, gradProjQuery := MatMulBackward(pooledQ, model.projQuery, gradQ)
	_, gradProjDoc := MatMulBackward(pooledD, model.projDoc, gradD)

	model.projQuery.AccumulateGrad(gradProjQuery)
	model.projDoc.AccumulateGrad(gradProjDoc)

	clipGradients(params, clipValue)
	optimizer.Step(params, lr)

	return loss, nil
}
