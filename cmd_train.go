package main

import (
	"bufio"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strings"
)

// ===========================================================================
// TRAINING CLI
// ===========================================================================
//
// End-to-end fine-tuning pipeline: load query/document pairs from a TSV
// file, build a character tokenizer over both sides, fine-tune the
// projection heads with in-batch contrastive loss, and save the model and
// tokenizer.
//
// DATA FORMAT: one pair per line, query TAB document. Every other pair in a
// batch serves as a negative, so batches should mix unrelated pairs; the
// loader shuffles once per epoch.
//
// The -checkpoint-batch flag bounds peak activation memory: a value C > 0
// runs the encoders over sub-batches of C sequences at a time while still
// contrasting the FULL batch in the loss. Larger -batch with a small
// -checkpoint-batch is the memory-bounded way to get more negatives.
//
// ===========================================================================

// RunTrainCommand implements the training CLI.
func RunTrainCommand(args []string) error {
	fs := flag.NewFlagSet("train", flag.ExitOnError)

	// Model hyperparameters
	numLayers := fs.Int("layers", 4, "Number of encoder layers")
	hiddenDim := fs.Int("hidden", 128, "Hidden dimension")
	numHeads := fs.Int("heads", 4, "Number of attention heads")
	projDim := fs.Int("proj", 64, "Shared embedding space dimension")
	seqLen := fs.Int("seq", 64, "Sequence length")
	share := fs.Bool("share", true, "Share one encoder between queries and documents")

	// Training hyperparameters
	epochs := fs.Int("epochs", 3, "Number of training epochs")
	batchSize := fs.Int("batch", 8, "Batch size (also the number of in-batch negatives + 1)")
	lr := fs.Float64("lr", 0.001, "Learning rate")
	optimizerName := fs.String("optimizer", "adam", "Optimizer: sgd or adam")
	weightDecay := fs.Float64("weight-decay", 0.0, "L2 regularization strength")
	gradClip := fs.Float64("grad-clip", 1.0, "Global-norm gradient clipping threshold (0 = off)")
	checkpointBatch := fs.Int("checkpoint-batch", 0, "Sub-batch size for activation checkpointing (0 = off)")

	// I/O
	pairsPath := fs.String("pairs", "pairs.tsv", "TSV file of query<TAB>document pairs")
	modelPath := fs.String("model", "retrieval.bin", "Output model path")
	tokenizerPath := fs.String("tokenizer", "tokenizer.txt", "Output tokenizer path")
	seed := fs.Int64("seed", 42, "Random seed for batch shuffling")

	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Println("===========================================================================")
	fmt.Println("FINE-TUNING A DUAL-ENCODER RETRIEVAL MODEL")
	fmt.Println("===========================================================================")
	fmt.Println()
	trainConfig := DefaultTrainingConfig()
	trainConfig.LearningRate = *lr
	trainConfig.WeightDecay = *weightDecay
	trainConfig.GradientClipValue = *gradClip
	trainConfig.BatchSize = *batchSize
	trainConfig.NumEpochs = *epochs
	trainConfig.CheckpointBatchSize = *checkpointBatch
	trainConfig.Optimizer = *optimizerName

	fmt.Printf("Model: %d layers, %d hidden dim, %d heads, %d proj dim, %d seq len, shared=%v\n",
		*numLayers, *hiddenDim, *numHeads, *projDim, *seqLen, *share)
	fmt.Printf("Training: %d epochs, batch size %d, lr %.4f, %s, grad clip %.2f, checkpoint batch %d\n",
		trainConfig.NumEpochs, trainConfig.BatchSize, trainConfig.LearningRate,
		trainConfig.Optimizer, trainConfig.GradientClipValue, trainConfig.CheckpointBatchSize)
	fmt.Println()

	// Step 1: Load training pairs
	fmt.Println("Step 1: Loading pairs from", *pairsPath)
	queries, documents, err := loadPairs(*pairsPath)
	if err != nil {
		return fmt.Errorf("failed to load pairs: %v", err)
	}
	fmt.Printf("  Loaded %d query/document pairs\n", len(queries))
	fmt.Println()

	// Step 2: Build character-level tokenizer over both sides
	fmt.Println("Step 2: Building character-level tokenizer")
	tokenizer := NewCharTokenizer()
	tokenizer.BuildVocab(append(append([]string{}, queries...), documents...))
	fmt.Printf("  Vocabulary size: %d tokens\n", tokenizer.VocabSize())
	fmt.Println()

	// Step 3: Initialize model
	fmt.Println("Step 3: Initializing model")
	config := DefaultConfig()
	config.VocabSize = tokenizer.VocabSize()
	config.MaxSeqLen = *seqLen
	config.HiddenDim = *hiddenDim
	config.NumLayers = *numLayers
	config.NumHeads = *numHeads
	config.IntermediateDim = *hiddenDim * 4
	config.ProjectionDim = *projDim
	config.ShareEncoders = *share

	model, err := NewDualEncoder(config)
	if err != nil {
		return err
	}
	fmt.Printf("  Total parameters: %d (training %d projection weights)\n",
		countParameters(model.Parameters()), countParameters(model.ProjectionParameters()))
	fmt.Println()

	// Step 4: Create optimizer and schedule
	fmt.Printf("Step 4: Creating %s optimizer\n", trainConfig.Optimizer)
	optimizer, err := newOptimizer(trainConfig, model.ProjectionParameters())
	if err != nil {
		return err
	}
	stepsPerEpoch := len(queries) / trainConfig.BatchSize
	if stepsPerEpoch == 0 {
		stepsPerEpoch = 1
	}
	trainConfig.WarmupSteps = 10
	trainConfig.DecaySteps = stepsPerEpoch * trainConfig.NumEpochs
	trainConfig.MinLR = trainConfig.LearningRate * 0.1
	scheduler := NewLRScheduler(trainConfig.LearningRate, trainConfig.MinLR,
		trainConfig.WarmupSteps, trainConfig.DecaySteps)
	fmt.Println()

	// Step 5: Train!
	fmt.Println("Step 5: Training...")
	fmt.Println("-------------------------------------------------------------------")
	rng := rand.New(rand.NewSource(*seed))
	order := make([]int, len(queries))
	for i := range order {
		order[i] = i
	}

	for epoch := 0; epoch < trainConfig.NumEpochs; epoch++ {
		rng.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})

		epochLoss := 0.0
		numBatches := 0

		bs := trainConfig.BatchSize
		for start := 0; start+bs <= len(order); start += bs {
			qIDs := make([][]int, bs)
			qMask := make([][]int, bs)
			dIDs := make([][]int, bs)
			dMask := make([][]int, bs)
			for k := 0; k < bs; k++ {
				idx := order[start+k]
				qIDs[k], qMask[k] = tokenizer.EncodePadded(queries[idx], *seqLen)
				dIDs[k], dMask[k] = tokenizer.EncodePadded(documents[idx], *seqLen)
			}

			currentLR := scheduler.GetLR()
			loss, err := TrainStep(model, qIDs, qMask, dIDs, dMask, optimizer, currentLR,
				trainConfig.GradientClipValue, trainConfig.CheckpointBatchSize)
			if err != nil {
				return err
			}
			epochLoss += loss
			numBatches++

			if numBatches%trainConfig.LogInterval == 1 {
				fmt.Printf("Epoch %d/%d, Batch %d/%d, Loss: %.4f, LR: %.6f\n",
					epoch+1, trainConfig.NumEpochs, numBatches, stepsPerEpoch, loss, currentLR)
			}
		}

		if numBatches > 0 {
			fmt.Printf("Epoch %d complete. Average loss: %.4f\n", epoch+1, epochLoss/float64(numBatches))
		}
		fmt.Println("-------------------------------------------------------------------")
	}
	fmt.Println()

	// Step 6: Save model and tokenizer
	fmt.Println("Step 6: Saving model and tokenizer")
	if err := model.SaveWeights(*modelPath); err != nil {
		return fmt.Errorf("failed to save model: %v", err)
	}
	if err := tokenizer.Save(*tokenizerPath); err != nil {
		return fmt.Errorf("failed to save tokenizer: %v", err)
	}
	fmt.Printf("  Model saved to: %s\n", *modelPath)
	fmt.Printf("  Tokenizer saved to: %s\n", *tokenizerPath)
	fmt.Println()

	fmt.Println("Training complete! Try:")
	fmt.Printf("  go run . embed -model=%s -tokenizer=%s -input=queries.txt -role=query\n",
		*modelPath, *tokenizerPath)
	fmt.Println()

	return nil
}

// loadPairs reads query<TAB>document pairs, one per line. Blank lines and
// lines without a tab are skipped.
func loadPairs(filename string) (queries, documents []string, err error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		query, document, found := strings.Cut(line, "\t")
		if !found {
			continue
		}
		queries = append(queries, query)
		documents = append(documents, document)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}

	if len(queries) == 0 {
		return nil, nil, fmt.Errorf("no pairs found in %s", filename)
	}
	return queries, documents, nil
}

// countParameters sums the element counts of a parameter list.
func countParameters(params []*Tensor) int {
	total := 0
	for _, p := range params {
		total += p.Size()
	}
	return total
}
