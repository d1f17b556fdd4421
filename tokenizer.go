package main

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strings"
)

// ===========================================================================
// WHAT'S GOING ON HERE: Character-Level Tokenizer for Retrieval
// ===========================================================================
//
// A character-level tokenizer that prepares padded, masked sequences for the
// encoder. Every sequence is framed as:
//
//   [CLS] c1 c2 ... cn [SEP] [PAD] [PAD] ...
//
// [CLS] matters here: the pooler reads the FIRST position's hidden state as
// the sentence summary, so every sequence must start with the same anchor
// token. [PAD] fills to a fixed length; the attention mask marks which
// positions are real (1) versus padding (0) so padded positions never
// receive attention.
//
// Character-level keeps the vocabulary tiny and the pipeline dependency-free.
// Swapping in a subword tokenizer only changes this file.
//
// ===========================================================================

// Special token IDs. [PAD] is fixed at 0 to match Config.PadTokenID.
const (
	PadID = 0
	ClsID = 1
	SepID = 2
	UnkID = 3

	numSpecialTokens = 4
)

// CharTokenizer maps characters to token IDs and frames sequences with
// special tokens.
type CharTokenizer struct {
	charToID map[rune]int
	idToChar map[int]rune
}

// NewCharTokenizer creates an empty character tokenizer. Call BuildVocab or
// Load before encoding.
func NewCharTokenizer() *CharTokenizer {
	return &CharTokenizer{
		charToID: make(map[rune]int),
		idToChar: make(map[int]rune),
	}
}

// BuildVocab assigns IDs to every character in the corpus, in sorted order
// for determinism. Character IDs start after the special tokens.
func (t *CharTokenizer) BuildVocab(corpus []string) {
	chars := make(map[rune]bool)
	for _, text := range corpus {
		for _, r := range text {
			chars[r] = true
		}
	}

	sortedChars := make([]rune, 0, len(chars))
	for r := range chars {
		sortedChars = append(sortedChars, r)
	}
	sort.Slice(sortedChars, func(i, j int) bool {
		return sortedChars[i] < sortedChars[j]
	})

	for i, r := range sortedChars {
		id := numSpecialTokens + i
		t.charToID[r] = id
		t.idToChar[id] = r
	}
}

// VocabSize returns the vocabulary size including special tokens.
func (t *CharTokenizer) VocabSize() int {
	return numSpecialTokens + len(t.charToID)
}

// EncodePadded frames text as [CLS] chars [SEP], truncates or pads to
// seqLen, and returns the token IDs with the matching attention mask
// (1 for real positions, 0 for padding).
func (t *CharTokenizer) EncodePadded(text string, seqLen int) (ids, mask []int) {
	if seqLen < 2 {
		panic(fmt.Sprintf("tokenizer: sequence length %d cannot hold [CLS] and [SEP]", seqLen))
	}

	ids = make([]int, 0, seqLen)
	ids = append(ids, ClsID)
	for _, r := range text {
		if len(ids) == seqLen-1 {
			break // leave room for [SEP]
		}
		if id, exists := t.charToID[r]; exists {
			ids = append(ids, id)
		} else {
			ids = append(ids, UnkID)
		}
	}
	ids = append(ids, SepID)

	mask = make([]int, seqLen)
	for i := range ids {
		mask[i] = 1
	}
	for len(ids) < seqLen {
		ids = append(ids, PadID)
	}

	return ids, mask
}

// Save writes the vocabulary to a file, one hex-encoded character per line,
// sorted by ID for deterministic output.
func (t *CharTokenizer) Save(filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("tokenizer: failed to create file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	defer w.Flush()

	if _, err = fmt.Fprintf(w, "CHAR_TOKENIZER\n"); err != nil {
		return fmt.Errorf("tokenizer: failed to write header: %w", err)
	}

	type entry struct {
		char rune
		id   int
	}
	entries := make([]entry, 0, len(t.charToID))
	for char, id := range t.charToID {
		entries = append(entries, entry{char, id})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].id < entries[j].id
	})

	for _, e := range entries {
		if _, err = fmt.Fprintf(w, "%d\t%s\n", e.id, hex.EncodeToString([]byte(string(e.char)))); err != nil {
			return fmt.Errorf("tokenizer: failed to write entry: %w", err)
		}
	}

	return nil
}

// Load reads a vocabulary written by Save, replacing any existing state.
func (t *CharTokenizer) Load(filename string) error {
	f, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("tokenizer: failed to open file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)

	if !scanner.Scan() {
		return fmt.Errorf("tokenizer: empty file")
	}
	if scanner.Text() != "CHAR_TOKENIZER" {
		return fmt.Errorf("tokenizer: invalid header %q", scanner.Text())
	}

	t.charToID = make(map[rune]int)
	t.idToChar = make(map[int]rune)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		parts := strings.Split(line, "\t")
		if len(parts) != 2 {
			return fmt.Errorf("tokenizer: malformed line %q", line)
		}

		var id int
		if _, err = fmt.Sscanf(parts[0], "%d", &id); err != nil {
			return fmt.Errorf("tokenizer: failed to parse ID: %w", err)
		}
		if id < numSpecialTokens {
			return fmt.Errorf("tokenizer: character ID %d collides with special tokens", id)
		}

		charBytes, err := hex.DecodeString(parts[1])
		if err != nil {
			return fmt.Errorf("tokenizer: failed to decode char: %w", err)
		}
		runes := []rune(string(charBytes))
		if len(runes) == 0 {
			return fmt.Errorf("tokenizer: malformed line %q: empty character field", line)
		}

		char := runes[0]
		t.charToID[char] = id
		t.idToChar[id] = char
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("tokenizer: error reading file: %w", err)
	}

	return nil
}
