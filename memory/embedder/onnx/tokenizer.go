// Package onnx embeds text locally with a BERT-style sentence model on ONNX
// Runtime. The embedder itself needs -tags onnx and the runtime shared library;
// tokenization and pooling build everywhere.
package onnx

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"unicode"
)

// Tokenizer is a lowercase WordPiece tokenizer driven by a HuggingFace
// tokenizer.json vocabulary.
type Tokenizer struct {
	vocab map[string]int
	cls   int64
	sep   int64
	unk   int64
}

// LoadTokenizer reads the vocabulary from a tokenizer.json file.
func LoadTokenizer(path string) (*Tokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tokenizer: %w", err)
	}
	var tok struct {
		Model struct {
			Vocab map[string]int `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("parse tokenizer: %w", err)
	}
	if len(tok.Model.Vocab) == 0 {
		return nil, fmt.Errorf("tokenizer %s has an empty vocabulary", path)
	}
	return NewTokenizer(tok.Model.Vocab), nil
}

// NewTokenizer builds a tokenizer from a vocabulary. Special tokens fall
// back to the standard BERT ids when absent.
func NewTokenizer(vocab map[string]int) *Tokenizer {
	special := func(tok string, def int64) int64 {
		if id, ok := vocab[tok]; ok {
			return int64(id)
		}
		return def
	}
	return &Tokenizer{
		vocab: vocab,
		cls:   special("[CLS]", 101),
		sep:   special("[SEP]", 102),
		unk:   special("[UNK]", 100),
	}
}

// Tokenize converts text to WordPiece ids without special tokens.
func (t *Tokenizer) Tokenize(text string) []int64 {
	var ids []int64
	for _, word := range splitWords(strings.ToLower(text)) {
		if id, ok := t.vocab[word]; ok {
			ids = append(ids, int64(id))
			continue
		}
		ids = append(ids, t.wordPiece(word)...)
	}
	return ids
}

// Encode produces fixed-length input_ids and attention_mask rows:
// [CLS] tokens... [SEP] followed by padding.
func (t *Tokenizer) Encode(text string, maxLen int) (ids, mask []int64) {
	ids = make([]int64, maxLen)
	mask = make([]int64, maxLen)

	tokens := t.Tokenize(text)
	if len(tokens) > maxLen-2 {
		tokens = tokens[:maxLen-2]
	}

	ids[0], mask[0] = t.cls, 1
	for i, tok := range tokens {
		ids[i+1], mask[i+1] = tok, 1
	}
	end := len(tokens) + 1
	ids[end], mask[end] = t.sep, 1
	return ids, mask
}

// wordPiece splits a word greedily into the longest known prefixes.
func (t *Tokenizer) wordPiece(word string) []int64 {
	var ids []int64
	runes := []rune(word)
	for start := 0; start < len(runes); {
		end := len(runes)
		matched := false
		for ; end > start; end-- {
			piece := string(runes[start:end])
			if start > 0 {
				piece = "##" + piece
			}
			if id, ok := t.vocab[piece]; ok {
				ids = append(ids, int64(id))
				matched = true
				break
			}
		}
		if !matched {
			// the whole word is unknown
			return []int64{t.unk}
		}
		start = end
	}
	return ids
}

// splitWords separates on whitespace and isolates punctuation, like BERT's
// basic tokenizer.
func splitWords(text string) []string {
	var words []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			words = append(words, cur.String())
			cur.Reset()
		}
	}
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			flush()
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			flush()
			words = append(words, string(r))
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return words
}
