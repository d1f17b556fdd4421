package main

import (
	"fmt"
	"math"
)

// ===========================================================================
// WHAT'S GOING ON HERE: In-Batch Contrastive Scoring
// ===========================================================================
//
// This file converts a batch of aligned query/document embeddings into one
// scalar training signal.
//
// Given Q and D of shape (B, projDim) where row i of Q pairs with row i of
// D, the similarity matrix is:
//
//   S = Q @ D^T,  S[i][j] = <query i, document j>
//
// The diagonal holds the true pairs; everything off-diagonal is an implicit
// ("in-batch") negative. Row i of S is treated as a B-way classification
// problem with true label i, and the same is done for S^T:
//
//   loss = ( mean_rows CE(S, labels=0..B-1)
//          + mean_rows CE(S^T, labels=0..B-1) ) / 2
//
// WHY BOTH DIRECTIONS:
//
// The query->document direction alone can look fine while every document
// collapses toward a single point; the document->query direction penalizes
// that collapse. The symmetric mean keeps both sides honest, and makes the
// loss invariant to swapping the roles of Q and D.
//
// The row alignment itself is a caller contract and is NOT checked at
// runtime (it cannot be - the matrices carry no pair identity). What is
// checked: both matrices are 2D, share the embedding dimension, have equal
// row counts, and are non-empty.
//
// ===========================================================================

// SimilarityMatrix computes S = Q @ D^T, shape (B, B). Transient -
// recomputed every forward pass, never cached.
func SimilarityMatrix(queryEmbeddings, docEmbeddings *Tensor) (*Tensor, error) {
	if len(queryEmbeddings.shape) != 2 || len(docEmbeddings.shape) != 2 {
		return nil, fmt.Errorf("%w: similarity: embeddings must be 2D, got %v and %v",
			ErrShapeMismatch, queryEmbeddings.shape, docEmbeddings.shape)
	}
	if queryEmbeddings.shape[1] != docEmbeddings.shape[1] {
		return nil, fmt.Errorf("%w: similarity: projection dims %d vs %d",
			ErrShapeMismatch, queryEmbeddings.shape[1], docEmbeddings.shape[1])
	}

	return MatMul(queryEmbeddings, Transpose(docEmbeddings)), nil
}

// ContrastiveLoss computes the symmetric in-batch cross-entropy loss for
// index-aligned embedding batches of shape (B, projDim).
//
// The scalar is differentiable with respect to both inputs; the analytic
// gradient lives in ContrastiveBackward.
func ContrastiveLoss(queryEmbeddings, docEmbeddings *Tensor) (float64, error) {
	if err := checkAligned("score", queryEmbeddings, docEmbeddings); err != nil {
		return 0, err
	}

	scores, err := SimilarityMatrix(queryEmbeddings, docEmbeddings)
	if err != nil {
		return 0, err
	}

	lossQD := diagonalCrossEntropy(scores)            // query -> document
	lossDQ := diagonalCrossEntropy(Transpose(scores)) // document -> query

	return (lossQD + lossDQ) / 2.0, nil
}

// ContrastiveBackward computes the exact gradients of ContrastiveLoss with
// respect to both embedding matrices.
//
// With P = softmax_rows(S) and P' = softmax_rows(S^T):
//
//   ∂loss/∂S[i][j] = (P[i][j] - δ_ij) / 2B + (P'[j][i] - δ_ij) / 2B
//   ∂loss/∂Q = ∂loss/∂S @ D
//   ∂loss/∂D = (∂loss/∂S)^T @ Q
//
// (softmax-minus-one-hot averaged over rows, once per direction.)
func ContrastiveBackward(queryEmbeddings, docEmbeddings *Tensor) (gradQ, gradD *Tensor, err error) {
	if err := checkAligned("score backward", queryEmbeddings, docEmbeddings); err != nil {
		return nil, nil, err
	}

	scores, err := SimilarityMatrix(queryEmbeddings, docEmbeddings)
	if err != nil {
		return nil, nil, err
	}

	batch := scores.shape[0]
	probsQD := Softmax(scores)
	probsDQ := Softmax(Transpose(scores))

	gradS := NewTensor(batch, batch)
	inv := 1.0 / (2.0 * float64(batch))
	for i := 0; i < batch; i++ {
		for j := 0; j < batch; j++ {
			g := probsQD.data[i*batch+j] + probsDQ.data[j*batch+i]
			if i == j {
				g -= 2.0
			}
			gradS.data[i*batch+j] = g * inv
		}
	}

	gradQ = MatMul(gradS, docEmbeddings)
	gradD = MatMul(Transpose(gradS), queryEmbeddings)
	return gradQ, gradD, nil
}

// diagonalCrossEntropy computes mean cross-entropy over the rows of a
// square logit matrix where row i's true label is column i.
//
// Uses the log-sum-exp trick for numerical stability:
//   CE(row b) = logsumexp(row b) - row[b][b]
func diagonalCrossEntropy(scores *Tensor) float64 {
	batch := scores.shape[0]
	totalLoss := 0.0

	for b := 0; b < batch; b++ {
		row := scores.data[b*batch : (b+1)*batch]

		maxLogit := row[0]
		for _, v := range row[1:] {
			if v > maxLogit {
				maxLogit = v
			}
		}

		sumExp := 0.0
		for _, v := range row {
			sumExp += math.Exp(v - maxLogit)
		}
		logSumExp := maxLogit + math.Log(sumExp)

		totalLoss += logSumExp - row[b]
	}

	return totalLoss / float64(batch)
}

// checkAligned validates the scorer's input contract: 2D, matching
// embedding dimension, matching non-zero row counts.
func checkAligned(op string, q, d *Tensor) error {
	if len(q.shape) != 2 || len(d.shape) != 2 {
		return fmt.Errorf("%w: %s: embeddings must be 2D, got %v and %v",
			ErrShapeMismatch, op, q.shape, d.shape)
	}
	if q.shape[1] != d.shape[1] {
		return fmt.Errorf("%w: %s: projection dims %d vs %d",
			ErrShapeMismatch, op, q.shape[1], d.shape[1])
	}
	if q.shape[0] != d.shape[0] {
		return fmt.Errorf("%w: %s: %d query rows vs %d document rows",
			ErrShapeMismatch, op, q.shape[0], d.shape[0])
	}
	if q.shape[0] == 0 {
		return fmt.Errorf("%w: %s: zero rows", ErrShapeMismatch, op)
	}
	return nil
}
