package main

import (
	"testing"
)

// TestPartitionRange covers even, uneven, and degenerate partitions.
func TestPartitionRange(t *testing.T) {
	// Even split
	spans := partitionRange(6, 2)
	if len(spans) != 3 {
		t.Fatalf("expected 3 spans, got %d", len(spans))
	}
	if spans[0] != (span{0, 2}) || spans[1] != (span{2, 4}) || spans[2] != (span{4, 6}) {
		t.Errorf("unexpected spans: %v", spans)
	}

	// Uneven: final span smaller
	spans = partitionRange(5, 2)
	if len(spans) != 3 {
		t.Fatalf("expected 3 spans, got %d", len(spans))
	}
	if spans[2] != (span{4, 5}) {
		t.Errorf("final span should be [4,5), got %v", spans[2])
	}

	// Sub-batch larger than total: one span
	spans = partitionRange(3, 10)
	if len(spans) != 1 || spans[0] != (span{0, 3}) {
		t.Errorf("expected single span [0,3), got %v", spans)
	}
}

// TestPartitionRangePanics: non-positive arguments are programmer errors.
func TestPartitionRangePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("expected panic on non-positive size")
		}
	}()
	partitionRange(5, 0)
}

// TestCheckpointSegmentLifecycle verifies the save/discard/recompute cycle.
func TestCheckpointSegmentLifecycle(t *testing.T) {
	calls := 0
	double := func(inputs ...*Tensor) []*Tensor {
		calls++
		return []*Tensor{Scale(inputs[0], 2.0)}
	}

	segment := NewCheckpointSegment(double)

	x := NewTensor(1, 2)
	x.Set(3, 0, 0)
	x.Set(4, 0, 1)

	outputs := segment.RunForward(x)
	if calls != 1 {
		t.Fatalf("forward should run once, ran %d times", calls)
	}
	if outputs[0].At(0, 0) != 6 || outputs[0].At(0, 1) != 8 {
		t.Errorf("wrong forward output: %v", outputs[0].data)
	}

	// Outputs are deliberately discarded after the forward pass
	if segment.Outputs != nil {
		t.Errorf("outputs should not be retained after RunForward")
	}
	if len(segment.Inputs) != 1 {
		t.Fatalf("inputs should be saved, got %d", len(segment.Inputs))
	}

	// First recompute runs the function again
	recomputed := segment.RecomputeForward()
	if calls != 2 {
		t.Errorf("recompute should run forward again, ran %d times", calls)
	}
	if recomputed[0].At(0, 1) != 8 {
		t.Errorf("recomputed output wrong: %v", recomputed[0].data)
	}

	// Second recompute returns the cached result
	segment.RecomputeForward()
	if calls != 2 {
		t.Errorf("second recompute should be cached, ran %d times", calls)
	}

	// After clearing, recompute runs again
	segment.ClearOutputs()
	segment.RecomputeForward()
	if calls != 3 {
		t.Errorf("recompute after clear should run again, ran %d times", calls)
	}
}

// TestCheckpointPlan verifies segment bookkeeping.
func TestCheckpointPlan(t *testing.T) {
	plan := NewCheckpointPlan(2)

	identity := func(inputs ...*Tensor) []*Tensor { return inputs }
	plan.Add(NewCheckpointSegment(identity))
	plan.Add(NewCheckpointSegment(identity))

	if len(plan.Segments) != 2 {
		t.Errorf("expected 2 segments, got %d", len(plan.Segments))
	}

	plan.Reset()
	if len(plan.Segments) != 0 {
		t.Errorf("reset should clear segments, got %d", len(plan.Segments))
	}
}

// TestEstimateMemorySavings sanity-checks the savings model.
func TestEstimateMemorySavings(t *testing.T) {
	plan := NewCheckpointPlan(8)

	without, with, ratio := plan.EstimateMemorySavings(64, 128, 256, 8)
	if without <= with {
		t.Errorf("checkpointing should reduce memory: %f vs %f", without, with)
	}
	if ratio <= 1.0 {
		t.Errorf("savings ratio should exceed 1, got %f", ratio)
	}

	// Checkpointing disabled or batch too small: no savings claimed
	off := NewCheckpointPlan(0)
	_, _, ratio = off.EstimateMemorySavings(64, 128, 256, 8)
	if ratio != 1.0 {
		t.Errorf("disabled checkpointing should report ratio 1, got %f", ratio)
	}
}
