package main

import (
	"fmt"
	"math"
)

// ===========================================================================
// WHAT'S GOING ON HERE: Bidirectional Sentence Encoder
// ===========================================================================
//
// This file implements a BERT-style bidirectional transformer encoder that
// maps a token sequence to a single fixed-size vector (the "pooled output").
// Two of these encoders, combined with linear projections into a shared
// space, form the dual-encoder retrieval model in dualencoder.go.
//
// BIDIRECTIONAL ATTENTION:
//
// Unlike a GPT-style decoder, every position attends to every other
// position - there is no causal mask. The only masking is key-side padding
// masking: positions whose attention-mask entry is 0 are invisible to all
// queries, at every layer.
//
//   attention mask [1, 1, 1, 0, 0]  ("real real real pad pad")
//   => scores[:, 3] and scores[:, 4] are forced to -1e9 before softmax
//
// The per-sequence 0/1 mask is extended once into this additive form and
// reused by every layer (extendAttentionMask below).
//
// ARCHITECTURE (per sequence):
//
//   1. Embedding layer: token embedding + learned position embedding,
//      then layer normalization. Exposed separately (EmbedTokens) so the
//      dual encoder can run it over a full batch before partitioning the
//      batch into checkpointed sub-batches - the lookup is cheap and not
//      worth recomputing.
//   2. N post-norm transformer layers:
//        x = LayerNorm(x + Attention(x))
//        x = LayerNorm(x + FeedForward(x))
//      (BERT uses post-norm residual blocks; this differs from pre-norm
//      GPT-style stacks.)
//   3. Pooler: dense(hidden -> hidden) + tanh applied to the final hidden
//      state of the FIRST token. The first token is the [CLS] marker the
//      tokenizer prepends, so its representation aggregates the sequence.
//
// ===========================================================================
// RECOMMENDED READING:
//
// - "BERT: Pre-training of Deep Bidirectional Transformers" by Devlin et al.
//   (2018) https://arxiv.org/abs/1810.04805
// - "Attention Is All You Need" by Vaswani et al. (2017)
//   https://arxiv.org/abs/1706.03762
// ===========================================================================

// Config holds hyperparameters for the encoders and the dual-encoder model.
// It is created once at construction and read-only afterwards.
type Config struct {
	VocabSize        int     // Size of vocabulary
	MaxSeqLen        int     // Maximum sequence length
	HiddenDim        int     // Hidden dimension (d_model)
	NumLayers        int     // Number of transformer layers
	NumHeads         int     // Number of attention heads
	IntermediateDim  int     // Feed-forward intermediate dimension
	ProjectionDim    int     // Shared embedding space dimension
	DropoutProb      float64 // Dropout probability (carried, not applied in forward)
	InitializerRange float64 // Stddev for linear/embedding weight init
	ShareEncoders    bool    // One encoder instance serving both roles
	PadTokenID       int     // Token ID for [PAD]
}

// DefaultConfig returns a small configuration suitable for tests and
// laptop-scale experiments.
func DefaultConfig() Config {
	return Config{
		VocabSize:        1000,
		MaxSeqLen:        128,
		HiddenDim:        128,
		NumLayers:        4,
		NumHeads:         4,
		IntermediateDim:  512,
		ProjectionDim:    64,
		DropoutProb:      0.1,
		InitializerRange: 0.02,
		ShareEncoders:    true,
		PadTokenID:       0,
	}
}

// Validate checks the configuration for invalid combinations.
// All violations wrap ErrInvalidConfig.
func (c Config) Validate() error {
	switch {
	case c.VocabSize <= 0:
		return fmt.Errorf("%w: vocab size %d must be positive", ErrInvalidConfig, c.VocabSize)
	case c.MaxSeqLen <= 0:
		return fmt.Errorf("%w: max sequence length %d must be positive", ErrInvalidConfig, c.MaxSeqLen)
	case c.HiddenDim <= 0:
		return fmt.Errorf("%w: hidden dim %d must be positive", ErrInvalidConfig, c.HiddenDim)
	case c.NumLayers <= 0:
		return fmt.Errorf("%w: num layers %d must be positive", ErrInvalidConfig, c.NumLayers)
	case c.NumHeads <= 0:
		return fmt.Errorf("%w: num heads %d must be positive", ErrInvalidConfig, c.NumHeads)
	case c.HiddenDim%c.NumHeads != 0:
		return fmt.Errorf("%w: hidden dim %d not divisible by %d heads", ErrInvalidConfig, c.HiddenDim, c.NumHeads)
	case c.IntermediateDim <= 0:
		return fmt.Errorf("%w: intermediate dim %d must be positive", ErrInvalidConfig, c.IntermediateDim)
	case c.ProjectionDim <= 0:
		return fmt.Errorf("%w: projection dim %d must be positive", ErrInvalidConfig, c.ProjectionDim)
	case c.DropoutProb < 0 || c.DropoutProb >= 1:
		return fmt.Errorf("%w: dropout prob %g outside [0,1)", ErrInvalidConfig, c.DropoutProb)
	case c.InitializerRange <= 0:
		return fmt.Errorf("%w: initializer range %g must be positive", ErrInvalidConfig, c.InitializerRange)
	}
	return nil
}

// LayerNorm implements layer normalization.
//
// Normalizes activations across features for each position independently:
//   y = gamma * (x - mean) / sqrt(variance + eps) + beta
//
// gamma initializes to ones and beta to zeros (identity transform), the
// standard fill for normalization layers.
type LayerNorm struct {
	eps   float64
	gamma *Tensor // Scale parameter
	beta  *Tensor // Shift parameter
}

// NewLayerNorm creates a layer normalization layer.
func NewLayerNorm(dim int) *LayerNorm {
	return &LayerNorm{
		eps:   1e-12, // BERT convention
		gamma: NewTensorOnes(dim),
		beta:  NewTensor(dim),
	}
}

// Forward applies layer normalization.
// x shape: (seqLen, features)
func (ln *LayerNorm) Forward(x *Tensor) *Tensor {
	if len(x.shape) != 2 {
		panic("encoder: LayerNorm input must be 2D")
	}

	seqLen, features := x.shape[0], x.shape[1]
	out := NewTensor(seqLen, features)

	for i := 0; i < seqLen; i++ {
		row := x.data[i*features : (i+1)*features]
		outRow := out.data[i*features : (i+1)*features]

		mean := 0.0
		for _, v := range row {
			mean += v
		}
		mean /= float64(features)

		variance := 0.0
		for _, v := range row {
			diff := v - mean
			variance += diff * diff
		}
		variance /= float64(features)

		std := math.Sqrt(variance + ln.eps)
		for j, v := range row {
			outRow[j] = (v-mean)/std*ln.gamma.data[j] + ln.beta.data[j]
		}
	}

	return out
}

// BidirectionalAttention implements multi-head self-attention without a
// causal mask. Padding positions are excluded key-side via an additive
// mask shared by all layers.
type BidirectionalAttention struct {
	hiddenDim int
	numHeads  int
	headDim   int

	// Linear projections, no biases
	wq, wk, wv, wo *Tensor
}

// NewBidirectionalAttention creates an attention layer.
func NewBidirectionalAttention(hiddenDim, numHeads int, initRange float64) *BidirectionalAttention {
	if hiddenDim%numHeads != 0 {
		panic(fmt.Sprintf("encoder: hiddenDim (%d) must be divisible by numHeads (%d)", hiddenDim, numHeads))
	}

	return &BidirectionalAttention{
		hiddenDim: hiddenDim,
		numHeads:  numHeads,
		headDim:   hiddenDim / numHeads,
		wq:        NewTensorNormal(initRange, hiddenDim, hiddenDim),
		wk:        NewTensorNormal(initRange, hiddenDim, hiddenDim),
		wv:        NewTensorNormal(initRange, hiddenDim, hiddenDim),
		wo:        NewTensorNormal(initRange, hiddenDim, hiddenDim),
	}
}

// Forward computes attention output for input x.
// x shape: (seqLen, hiddenDim); extMask: additive key mask of length seqLen
// (0 for real tokens, -1e9 for padding).
// Returns: (seqLen, hiddenDim)
func (a *BidirectionalAttention) Forward(x *Tensor, extMask []float64) *Tensor {
	if len(x.shape) != 2 || x.shape[1] != a.hiddenDim {
		panic(fmt.Sprintf("encoder: attention input must be (seqLen, %d), got %v", a.hiddenDim, x.shape))
	}

	seqLen := x.shape[0]

	// Project to Q, K, V
	q := MatMul(x, a.wq) // (seqLen, hiddenDim)
	k := MatMul(x, a.wk)
	v := MatMul(x, a.wv)

	scale := 1.0 / math.Sqrt(float64(a.headDim))
	context := NewTensor(seqLen, a.hiddenDim)

	// Per-head attention over column slices of Q, K, V.
	for h := 0; h < a.numHeads; h++ {
		off := h * a.headDim

		// scores = Q_h @ K_h^T / sqrt(headDim), with key-side padding mask
		scores := NewTensor(seqLen, seqLen)
		for i := 0; i < seqLen; i++ {
			for j := 0; j < seqLen; j++ {
				dot := 0.0
				for d := 0; d < a.headDim; d++ {
					dot += q.data[i*a.hiddenDim+off+d] * k.data[j*a.hiddenDim+off+d]
				}
				scores.data[i*seqLen+j] = dot*scale + extMask[j]
			}
		}

		weights := Softmax(scores) // (seqLen, seqLen)

		// context_h = weights @ V_h
		for i := 0; i < seqLen; i++ {
			for j := 0; j < seqLen; j++ {
				w := weights.data[i*seqLen+j]
				if w == 0 {
					continue
				}
				for d := 0; d < a.headDim; d++ {
					context.data[i*a.hiddenDim+off+d] += w * v.data[j*a.hiddenDim+off+d]
				}
			}
		}
	}

	// Final output projection
	return MatMul(context, a.wo)
}

// FeedForward implements the position-wise feed-forward network.
//
// A two-layer MLP applied independently to each position:
//   FFN(x) = GELU(x @ W1 + b1) @ W2 + b2
//
// The intermediate dimension is typically 4x the hidden dimension; this is
// where most of the encoder's parameters reside.
type FeedForward struct {
	w1, b1 *Tensor
	w2, b2 *Tensor
}

// NewFeedForward creates a feed-forward layer.
func NewFeedForward(hiddenDim, intermediateDim int, initRange float64) *FeedForward {
	return &FeedForward{
		w1: NewTensorNormal(initRange, hiddenDim, intermediateDim),
		b1: NewTensor(intermediateDim),
		w2: NewTensorNormal(initRange, intermediateDim, hiddenDim),
		b2: NewTensor(hiddenDim),
	}
}

// Forward applies the feed-forward network.
// x shape: (seqLen, hiddenDim)
func (ff *FeedForward) Forward(x *Tensor) *Tensor {
	hidden := MatMul(x, ff.w1)
	hidden = addBias(hidden, ff.b1)
	hidden = GELU(hidden)

	out := MatMul(hidden, ff.w2)
	return addBias(out, ff.b2)
}

// EncoderLayer combines attention, feed-forward, and layer norms in the
// post-norm arrangement:
//   x = LayerNorm(x + Attention(x))
//   x = LayerNorm(x + FeedForward(x))
type EncoderLayer struct {
	attn *BidirectionalAttention
	ln1  *LayerNorm
	ff   *FeedForward
	ln2  *LayerNorm
}

// NewEncoderLayer creates an encoder layer.
func NewEncoderLayer(config Config) *EncoderLayer {
	return &EncoderLayer{
		attn: NewBidirectionalAttention(config.HiddenDim, config.NumHeads, config.InitializerRange),
		ln1:  NewLayerNorm(config.HiddenDim),
		ff:   NewFeedForward(config.HiddenDim, config.IntermediateDim, config.InitializerRange),
		ln2:  NewLayerNorm(config.HiddenDim),
	}
}

// Forward applies the encoder layer.
// x shape: (seqLen, hiddenDim)
func (l *EncoderLayer) Forward(x *Tensor, extMask []float64) *Tensor {
	attended := l.attn.Forward(x, extMask)
	x = l.ln1.Forward(Add(x, attended))

	ff := l.ff.Forward(x)
	return l.ln2.Forward(Add(x, ff))
}

// Encoder maps a token sequence to a sequence of hidden states plus a
// pooled sentence vector.
type Encoder struct {
	config Config

	// Embedding layer
	tokenEmbed *Tensor // (vocabSize, hiddenDim)
	posEmbed   *Tensor // (maxSeqLen, hiddenDim)
	lnEmbed    *LayerNorm

	// Transformer stack
	layers []*EncoderLayer

	// Pooler: dense + tanh on the first token
	poolerW *Tensor // (hiddenDim, hiddenDim)
	poolerB *Tensor // (hiddenDim)
}

// NewEncoder creates a sentence encoder for the given configuration.
// The caller is expected to have validated the config.
func NewEncoder(config Config) *Encoder {
	layers := make([]*EncoderLayer, config.NumLayers)
	for i := range layers {
		layers[i] = NewEncoderLayer(config)
	}

	return &Encoder{
		config:     config,
		tokenEmbed: NewTensorNormal(config.InitializerRange, config.VocabSize, config.HiddenDim),
		posEmbed:   NewTensorNormal(config.InitializerRange, config.MaxSeqLen, config.HiddenDim),
		lnEmbed:    NewLayerNorm(config.HiddenDim),
		layers:     layers,
		poolerW:    NewTensorNormal(config.InitializerRange, config.HiddenDim, config.HiddenDim),
		poolerB:    NewTensor(config.HiddenDim),
	}
}

// EmbedTokens runs only the embedding layer: token embedding + position
// embedding followed by layer normalization.
//
// Exposed separately from the transformer stack so callers can compute
// embeddings for a full batch once and then feed sub-batches through the
// (expensive, checkpointable) stack.
//
// Returns: (seqLen, hiddenDim)
func (e *Encoder) EmbedTokens(inputIDs []int) *Tensor {
	seqLen := len(inputIDs)
	if seqLen == 0 || seqLen > e.config.MaxSeqLen {
		panic(fmt.Sprintf("encoder: sequence length %d outside (0,%d]", seqLen, e.config.MaxSeqLen))
	}

	x := NewTensor(seqLen, e.config.HiddenDim)
	for i, tokenID := range inputIDs {
		if tokenID < 0 || tokenID >= e.config.VocabSize {
			panic(fmt.Sprintf("encoder: token ID %d out of vocabulary range [0,%d)", tokenID, e.config.VocabSize))
		}
		for j := 0; j < e.config.HiddenDim; j++ {
			x.data[i*e.config.HiddenDim+j] = e.tokenEmbed.At(tokenID, j) + e.posEmbed.At(i, j)
		}
	}

	return e.lnEmbed.Forward(x)
}

// EncodeFromEmbeddings runs the transformer stack and pooler on a
// precomputed embedding output. This is the unit of work the dual encoder
// wraps in a recompute-on-backward checkpoint segment.
//
// embedded: (seqLen, hiddenDim); attentionMask: per-position 0/1, length
// seqLen. Returns the pooled sentence vector, shape (hiddenDim).
func (e *Encoder) EncodeFromEmbeddings(embedded *Tensor, attentionMask []int) *Tensor {
	extMask := extendAttentionMask(attentionMask)

	x := embedded
	for _, layer := range e.layers {
		x = layer.Forward(x, extMask)
	}

	return e.pool(x)
}

// Encode maps token IDs and an attention mask to (sequence_output,
// pooled_output) for a single sequence.
//
// inputIDs and attentionMask must have equal length; 1 marks real tokens,
// 0 marks padding.
func (e *Encoder) Encode(inputIDs []int, attentionMask []int) (*Tensor, *Tensor, error) {
	if len(inputIDs) != len(attentionMask) {
		return nil, nil, fmt.Errorf("%w: encode: token_ids length %d vs attention_mask length %d",
			ErrShapeMismatch, len(inputIDs), len(attentionMask))
	}

	x := e.EmbedTokens(inputIDs)
	extMask := extendAttentionMask(attentionMask)
	for _, layer := range e.layers {
		x = layer.Forward(x, extMask)
	}

	return x, e.pool(x), nil
}

// pool applies the pooler to a final hidden-state sequence: dense + tanh
// on the first token's vector. Returns shape (hiddenDim).
func (e *Encoder) pool(x *Tensor) *Tensor {
	first := rowVector(x.Row(0))

	pooled := addBias(MatMul(first, e.poolerW), e.poolerB)
	pooled = Tanh(pooled)

	out := NewTensor(e.config.HiddenDim)
	copy(out.data, pooled.data)
	return out
}

// Parameters returns all trainable parameters in the encoder.
func (e *Encoder) Parameters() []*Tensor {
	params := []*Tensor{e.tokenEmbed, e.posEmbed, e.lnEmbed.gamma, e.lnEmbed.beta}

	for _, l := range e.layers {
		params = append(params, l.attn.wq, l.attn.wk, l.attn.wv, l.attn.wo)
		params = append(params, l.ln1.gamma, l.ln1.beta)
		params = append(params, l.ff.w1, l.ff.b1, l.ff.w2, l.ff.b2)
		params = append(params, l.ln2.gamma, l.ln2.beta)
	}

	return append(params, e.poolerW, e.poolerB)
}

// extendAttentionMask converts a per-position 0/1 mask into the additive
// key-side form reused by every layer: 0.0 where attention is allowed,
// -1e9 where the key position is padding. Softmax then assigns those
// positions vanishing weight.
func extendAttentionMask(attentionMask []int) []float64 {
	ext := make([]float64, len(attentionMask))
	for j, m := range attentionMask {
		if m == 0 {
			ext[j] = -1e9
		}
	}
	return ext
}

// addBias adds a bias vector to each row of a 2D tensor.
// x: (rows, features), bias: (features,)
func addBias(x, bias *Tensor) *Tensor {
	if len(x.shape) != 2 {
		panic("addBias: x must be 2D")
	}
	if len(bias.shape) != 1 {
		panic("addBias: bias must be 1D")
	}
	if x.shape[1] != bias.shape[0] {
		panic(fmt.Sprintf("addBias: dimension mismatch %d vs %d", x.shape[1], bias.shape[0]))
	}

	out := x.Clone()
	rows, features := x.shape[0], x.shape[1]

	for i := 0; i < rows; i++ {
		for j := 0; j < features; j++ {
			out.data[i*features+j] += bias.data[j]
		}
	}

	return out
}
