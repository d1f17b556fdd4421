package main

import "fmt"

// ===========================================================================
// WHAT'S GOING ON HERE: Dual-Encoder Retrieval Model
// ===========================================================================
//
// This file implements a dual-encoder (bi-encoder) retrieval model: two
// sentence encoders - one for queries, one for documents/answers - each
// followed by a learned bias-free linear projection into a shared embedding
// space where relevance is a dot product.
//
//   queries   --[query encoder]--[project_query]-->  Q  (B, projDim)
//   documents --[doc encoder]----[project_doc]---->  D  (B, projDim)
//
//   similarity S = Q @ D^T   (B, B)
//
// Row i of Q and row i of D are a true pair; every other row is an implicit
// negative. The loss over S lives in scorer.go.
//
// ENCODER SHARING:
//
// Sharing is an explicit ownership decision made at construction from
// Config.ShareEncoders: either two independently owned encoder instances,
// or ONE instance referenced by both roles. In shared mode docEncoder is
// nil and documentEncoder() resolves to the query encoder, so a parameter
// update is observable through both roles - they are the same weights.
// The two projections are always independent.
//
// MEMORY-BOUNDED EMBEDDING:
//
// embedSentences optionally processes the batch in checkpointed sub-batches
// (see checkpoint.go): the embedding lookup runs once over the full batch,
// then the encoder stack + pooler run per sub-batch inside recompute-on-
// backward segments, and the pooled outputs are concatenated in partition
// order. Row order is preserved end-to-end - row index is the only linkage
// between a query and its paired document.
//
// ===========================================================================
// RECOMMENDED READING:
//
// - "Dense Passage Retrieval for Open-Domain Question Answering"
//   by Karpukhin et al. (2020) https://arxiv.org/abs/2004.04906
// - "Learning Dense Representations for Entity Retrieval"
//   by Gillick et al. (2019) - in-batch negative training
// ===========================================================================

// DualEncoder embeds queries and documents into a shared space for
// retrieval training and inference.
type DualEncoder struct {
	config Config

	queryEncoder *Encoder
	docEncoder   *Encoder // nil when config.ShareEncoders

	// Bias-free projections into the shared embedding space
	projQuery *Tensor // (hiddenDim, projectionDim)
	projDoc   *Tensor // (hiddenDim, projectionDim)
}

// NewDualEncoder constructs the model from a validated configuration.
func NewDualEncoder(config Config) (*DualEncoder, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	m := &DualEncoder{
		config:       config,
		queryEncoder: NewEncoder(config),
		projQuery:    NewTensorNormal(config.InitializerRange, config.HiddenDim, config.ProjectionDim),
		projDoc:      NewTensorNormal(config.InitializerRange, config.HiddenDim, config.ProjectionDim),
	}

	if !config.ShareEncoders {
		m.docEncoder = NewEncoder(config)
	}

	return m, nil
}

// Config returns the model's (immutable) configuration.
func (m *DualEncoder) Config() Config {
	return m.config
}

// SharesEncoders reports whether both roles resolve to one encoder instance.
func (m *DualEncoder) SharesEncoders() bool {
	return m.docEncoder == nil
}

// QueryEncoder returns the encoder serving the query role.
func (m *DualEncoder) QueryEncoder() *Encoder {
	return m.queryEncoder
}

// documentEncoder resolves the encoder serving the document role.
func (m *DualEncoder) documentEncoder() *Encoder {
	if m.docEncoder == nil {
		return m.queryEncoder
	}
	return m.docEncoder
}

// validateBatch checks that token IDs and attention mask agree in shape and
// that every sequence fits the encoder. Over-long input is a caller-facing
// condition (a mis-sized batch or flag), not a programmer error, so it
// surfaces as ErrShapeMismatch here rather than panicking deeper in the
// embedding layer.
func validateBatch(op string, inputIDs, attentionMask [][]int, maxSeqLen int) error {
	if len(inputIDs) == 0 {
		return fmt.Errorf("%w: %s: empty batch", ErrShapeMismatch, op)
	}
	if len(inputIDs) != len(attentionMask) {
		return fmt.Errorf("%w: %s: %d token_ids rows vs %d attention_mask rows",
			ErrShapeMismatch, op, len(inputIDs), len(attentionMask))
	}
	for i := range inputIDs {
		if len(inputIDs[i]) != len(attentionMask[i]) {
			return fmt.Errorf("%w: %s: row %d has %d token_ids but %d mask entries",
				ErrShapeMismatch, op, i, len(inputIDs[i]), len(attentionMask[i]))
		}
		if len(inputIDs[i]) == 0 || len(inputIDs[i]) > maxSeqLen {
			return fmt.Errorf("%w: %s: row %d has length %d, model supports 1..%d",
				ErrShapeMismatch, op, i, len(inputIDs[i]), maxSeqLen)
		}
	}
	return nil
}

// embedSentences produces the pooled output for every sequence in a batch,
// shape (batch, hiddenDim), optionally bounding peak activation memory with
// sub-batch checkpointing.
//
// When checkpointBatchSize <= 0, or the batch is smaller than it, the whole
// batch runs in one pass with full activation tracking. Otherwise the
// embedding layer runs once over the full batch and the encoder stack +
// pooler run per contiguous sub-batch inside checkpoint segments; the final
// sub-batch may be smaller. Pooled outputs are concatenated in partition
// order, so row order matches the input exactly either way.
//
// The returned plan is non-nil only on the checkpointed path; the backward
// pass walks its segments in reverse to recompute activations.
func (m *DualEncoder) embedSentences(inputIDs, attentionMask [][]int, enc *Encoder, checkpointBatchSize int) (*Tensor, *CheckpointPlan, error) {
	if err := validateBatch("embed", inputIDs, attentionMask, m.config.MaxSeqLen); err != nil {
		return nil, nil, err
	}

	batch := len(inputIDs)

	// Plain path: single pass, nothing discarded.
	if checkpointBatchSize <= 0 || batch < checkpointBatchSize {
		rows := make([]*Tensor, batch)
		for i := range inputIDs {
			embedded := enc.EmbedTokens(inputIDs[i])
			pooled := enc.EncodeFromEmbeddings(embedded, attentionMask[i])
			rows[i] = rowVector(pooled)
		}
		return ConcatRows(rows...), nil, nil
	}

	// Checkpointed path. The embedding lookup is cheap and runs over the
	// full batch up front; only the stack + pooler are recomputed on
	// backward.
	embedded := make([]*Tensor, batch)
	for i := range inputIDs {
		embedded[i] = enc.EmbedTokens(inputIDs[i])
	}

	plan := NewCheckpointPlan(checkpointBatchSize)
	spans := partitionRange(batch, checkpointBatchSize)
	parts := make([]*Tensor, 0, len(spans))

	for _, sp := range spans {
		sp := sp
		segment := NewCheckpointSegment(func(inputs ...*Tensor) []*Tensor {
			pooledRows := make([]*Tensor, len(inputs))
			for k, emb := range inputs {
				pooled := enc.EncodeFromEmbeddings(emb, attentionMask[sp.Start+k])
				pooledRows[k] = rowVector(pooled)
			}
			return []*Tensor{ConcatRows(pooledRows...)}
		})

		outputs := segment.RunForward(embedded[sp.Start:sp.End]...)
		plan.Add(segment)
		parts = append(parts, outputs[0])
	}

	return ConcatRows(parts...), plan, nil
}

// EmbedQuestions embeds a batch of queries into the shared space.
// Returns shape (batch, projectionDim).
func (m *DualEncoder) EmbedQuestions(inputIDs, attentionMask [][]int, checkpointBatchSize int) (*Tensor, error) {
	pooled, _, err := m.embedSentences(inputIDs, attentionMask, m.queryEncoder, checkpointBatchSize)
	if err != nil {
		return nil, err
	}
	return MatMul(pooled, m.projQuery), nil
}

// EmbedAnswers embeds a batch of documents/answers into the shared space.
// Returns shape (batch, projectionDim).
func (m *DualEncoder) EmbedAnswers(inputIDs, attentionMask [][]int, checkpointBatchSize int) (*Tensor, error) {
	pooled, _, err := m.embedSentences(inputIDs, attentionMask, m.documentEncoder(), checkpointBatchSize)
	if err != nil {
		return nil, err
	}
	return MatMul(pooled, m.projDoc), nil
}

// Forward computes the bidirectional contrastive loss for a batch of
// aligned query/document pairs: row i of the query batch must pair with
// row i of the document batch.
func (m *DualEncoder) Forward(queryIDs, queryMask, docIDs, docMask [][]int, checkpointBatchSize int) (float64, error) {
	qReps, err := m.EmbedQuestions(queryIDs, queryMask, checkpointBatchSize)
	if err != nil {
		return 0, err
	}

	aReps, err := m.EmbedAnswers(docIDs, docMask, checkpointBatchSize)
	if err != nil {
		return 0, err
	}

	return ContrastiveLoss(qReps, aReps)
}

// Parameters returns all trainable parameters: encoder(s) plus both
// projections. In shared mode the single encoder's parameters appear once.
func (m *DualEncoder) Parameters() []*Tensor {
	params := m.queryEncoder.Parameters()
	if m.docEncoder != nil {
		params = append(params, m.docEncoder.Parameters()...)
	}
	return append(params, m.projQuery, m.projDoc)
}

// ProjectionParameters returns just the two projection matrices - the
// parameters the shipped fine-tuning step trains.
func (m *DualEncoder) ProjectionParameters() []*Tensor {
	return []*Tensor{m.projQuery, m.projDoc}
}

// rowVector reshapes a 1D tensor of length n into shape (1, n).
func rowVector(v *Tensor) *Tensor {
	if len(v.shape) != 1 {
		panic("rowVector: requires 1D tensor")
	}
	out := NewTensor(1, v.shape[0])
	copy(out.data, v.data)
	return out
}
