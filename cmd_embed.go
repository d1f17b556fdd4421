package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"
)

// ===========================================================================
// EMBEDDING CLI
// ===========================================================================
//
// Loads a trained model and tokenizer, embeds each line of an input file
// into the shared retrieval space, and writes one tab-separated vector per
// line. The -role flag picks which tower projects the text: queries and
// documents live in the same space but travel through different projections
// (and, in unshared models, different encoders).
//
// ===========================================================================

// RunEmbedCommand implements the embedding CLI.
func RunEmbedCommand(args []string) error {
	fs := flag.NewFlagSet("embed", flag.ExitOnError)

	modelPath := fs.String("model", "retrieval.bin", "Trained model path")
	tokenizerPath := fs.String("tokenizer", "tokenizer.txt", "Tokenizer path")
	inputPath := fs.String("input", "", "File with one text per line (default: stdin)")
	outputPath := fs.String("output", "", "Output file (default: stdout)")
	role := fs.String("role", "query", "Embedding role: query or document")
	seqLen := fs.Int("seq", 0, "Sequence length (0 = model maximum)")
	checkpointBatch := fs.Int("checkpoint-batch", 0, "Sub-batch size for activation checkpointing (0 = off)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if *role != "query" && *role != "document" {
		return fmt.Errorf("unknown role %q (want query or document)", *role)
	}

	model, err := LoadDualEncoder(*modelPath)
	if err != nil {
		return fmt.Errorf("failed to load model: %v", err)
	}

	maxSeqLen := model.Config().MaxSeqLen
	if *seqLen <= 0 {
		*seqLen = maxSeqLen
	}
	if *seqLen > maxSeqLen {
		return fmt.Errorf("%w: -seq %d exceeds model maximum %d",
			ErrShapeMismatch, *seqLen, maxSeqLen)
	}

	tokenizer := NewCharTokenizer()
	if err := tokenizer.Load(*tokenizerPath); err != nil {
		return fmt.Errorf("failed to load tokenizer: %v", err)
	}

	lines, err := readLines(*inputPath)
	if err != nil {
		return fmt.Errorf("failed to read input: %v", err)
	}
	if len(lines) == 0 {
		return fmt.Errorf("no input lines")
	}

	inputIDs := make([][]int, len(lines))
	attentionMask := make([][]int, len(lines))
	for i, line := range lines {
		inputIDs[i], attentionMask[i] = tokenizer.EncodePadded(line, *seqLen)
	}

	var embeddings *Tensor
	if *role == "query" {
		embeddings, err = model.EmbedQuestions(inputIDs, attentionMask, *checkpointBatch)
	} else {
		embeddings, err = model.EmbedAnswers(inputIDs, attentionMask, *checkpointBatch)
	}
	if err != nil {
		return err
	}

	out := os.Stdout
	if *outputPath != "" {
		f, err := os.Create(*outputPath)
		if err != nil {
			return fmt.Errorf("failed to create output: %v", err)
		}
		defer f.Close()
		out = f
	}

	w := bufio.NewWriter(out)
	defer w.Flush()

	rows := embeddings.Shape()[0]
	for i := 0; i < rows; i++ {
		vec := embeddings.Row(i)
		fields := make([]string, vec.Size())
		for j := 0; j < vec.Size(); j++ {
			fields[j] = fmt.Sprintf("%.6f", vec.At(j))
		}
		if _, err := fmt.Fprintln(w, strings.Join(fields, "\t")); err != nil {
			return err
		}
	}

	return nil
}

// readLines reads non-empty lines from a file, or stdin when filename is "".
func readLines(filename string) ([]string, error) {
	f := os.Stdin
	if filename != "" {
		var err error
		f, err = os.Open(filename)
		if err != nil {
			return nil, err
		}
		defer f.Close()
	}

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}
