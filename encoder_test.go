package main

import (
	"errors"
	"math"
	"testing"
)

// testConfig returns a tiny configuration for fast tests.
func testConfig() Config {
	config := DefaultConfig()
	config.VocabSize = 32
	config.MaxSeqLen = 16
	config.HiddenDim = 16
	config.NumLayers = 2
	config.NumHeads = 2
	config.IntermediateDim = 32
	config.ProjectionDim = 8
	return config
}

// TestConfigValidate exercises the configuration contract.
func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero vocab", func(c *Config) { c.VocabSize = 0 }},
		{"zero seq len", func(c *Config) { c.MaxSeqLen = 0 }},
		{"negative hidden", func(c *Config) { c.HiddenDim = -1 }},
		{"zero layers", func(c *Config) { c.NumLayers = 0 }},
		{"heads not dividing hidden", func(c *Config) { c.HiddenDim = 10; c.NumHeads = 3 }},
		{"zero projection", func(c *Config) { c.ProjectionDim = 0 }},
		{"dropout out of range", func(c *Config) { c.DropoutProb = 1.0 }},
		{"zero initializer range", func(c *Config) { c.InitializerRange = 0 }},
	}

	for _, tc := range cases {
		config := DefaultConfig()
		tc.mutate(&config)
		if err := config.Validate(); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("%s: expected ErrInvalidConfig, got %v", tc.name, err)
		}
	}
}

// TestEncodeShapes checks the output shapes of a full encode.
func TestEncodeShapes(t *testing.T) {
	config := testConfig()
	enc := NewEncoder(config)

	inputIDs := []int{1, 5, 9, 0, 0}
	attentionMask := []int{1, 1, 1, 0, 0}

	seq, pooled, err := enc.Encode(inputIDs, attentionMask)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	seqShape := seq.Shape()
	if seqShape[0] != 5 || seqShape[1] != config.HiddenDim {
		t.Errorf("sequence output: expected [5 %d], got %v", config.HiddenDim, seqShape)
	}

	pooledShape := pooled.Shape()
	if len(pooledShape) != 1 || pooledShape[0] != config.HiddenDim {
		t.Errorf("pooled output: expected [%d], got %v", config.HiddenDim, pooledShape)
	}

	// Pooler output passed through tanh, so it must lie in (-1, 1)
	for i := 0; i < config.HiddenDim; i++ {
		if v := pooled.At(i); v <= -1 || v >= 1 {
			t.Errorf("pooled[%d] = %f outside tanh range", i, v)
		}
	}
}

// TestEncodeLengthMismatch verifies the sentinel error on disagreeing
// inputs.
func TestEncodeLengthMismatch(t *testing.T) {
	enc := NewEncoder(testConfig())

	_, _, err := enc.Encode([]int{1, 2, 3}, []int{1, 1})
	if !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
}

// TestPaddingInvariance: token IDs at masked positions must not influence
// the pooled output. Padding is excluded key-side at every layer and the
// pooler reads only the first position.
func TestPaddingInvariance(t *testing.T) {
	enc := NewEncoder(testConfig())

	attentionMask := []int{1, 1, 1, 0, 0}
	idsA := []int{1, 5, 9, 0, 0}
	idsB := []int{1, 5, 9, 7, 3} // same real tokens, different padding IDs

	_, pooledA, err := enc.Encode(idsA, attentionMask)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, pooledB, err := enc.Encode(idsB, attentionMask)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := range pooledA.data {
		if math.Abs(pooledA.data[i]-pooledB.data[i]) > 1e-12 {
			t.Fatalf("pooled[%d] differs with padding content: %g vs %g",
				i, pooledA.data[i], pooledB.data[i])
		}
	}
}

// TestEncodeDeterministic: same input, same output.
func TestEncodeDeterministic(t *testing.T) {
	enc := NewEncoder(testConfig())
	ids := []int{2, 4, 6}
	mask := []int{1, 1, 1}

	_, first, err := enc.Encode(ids, mask)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, second, err := enc.Encode(ids, mask)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := range first.data {
		if first.data[i] != second.data[i] {
			t.Fatalf("encode not deterministic at %d", i)
		}
	}
}

// TestEmbedTokensRangePanics: out-of-vocabulary IDs are programmer errors.
func TestEmbedTokensRangePanics(t *testing.T) {
	enc := NewEncoder(testConfig())

	defer func() {
		if recover() == nil {
			t.Errorf("expected panic on out-of-range token ID")
		}
	}()
	enc.EmbedTokens([]int{1000})
}

// TestExtendAttentionMask checks the additive mask conversion.
func TestExtendAttentionMask(t *testing.T) {
	ext := extendAttentionMask([]int{1, 0, 1})

	if ext[0] != 0 || ext[2] != 0 {
		t.Errorf("real positions should map to 0: %v", ext)
	}
	if ext[1] != -1e9 {
		t.Errorf("padding should map to -1e9, got %f", ext[1])
	}
}

// TestEncoderParameterCount: embeddings + per-layer weights + pooler.
func TestEncoderParameterCount(t *testing.T) {
	config := testConfig()
	enc := NewEncoder(config)

	// 4 embedding tensors + 12 per layer + 2 pooler
	expected := 4 + 12*config.NumLayers + 2
	if got := len(enc.Parameters()); got != expected {
		t.Errorf("expected %d parameter tensors, got %d", expected, got)
	}
}
