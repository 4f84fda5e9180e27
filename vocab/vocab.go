// Package vocab maps utterance tokens to integer ids and back.
package vocab

import (
	"encoding/json"
	"sort"

	"github.com/pkg/errors"
)

// Reserved tokens. They always occupy the first ids of a vocabulary.
const (
	PadToken = "<pad>"
	BosToken = "<s>"
	EosToken = "</s>"
	UnkToken = "<unk>"
)

// Reserved ids.
const (
	PAD = iota
	BOS
	EOS
	UNK
)

var reserved = []string{PadToken, BosToken, EosToken, UnkToken}

// Vocab maps between tokens and integer ids.
type Vocab struct {
	ToID  map[string]int `json:"-"`
	ToStr []string       `json:"words"`
}

// New creates a vocabulary holding only the reserved tokens.
func New() *Vocab {
	v := &Vocab{ToID: make(map[string]int)}
	for _, w := range reserved {
		v.Add(w)
	}
	return v
}

// Build creates a vocabulary from token counts, keeping tokens seen at least
// minCount times. Ids are assigned by descending count, then alphabetically.
func Build(counts map[string]int, minCount int) *Vocab {
	words := make([]string, 0, len(counts))
	for w, c := range counts {
		if c >= minCount {
			words = append(words, w)
		}
	}
	sort.Slice(words, func(i, j int) bool {
		ci, cj := counts[words[i]], counts[words[j]]
		if ci != cj {
			return ci > cj
		}
		return words[i] < words[j]
	})
	v := New()
	for _, w := range words {
		v.Add(w)
	}
	return v
}

// Count adds the tokens of every sequence to counts.
func Count(counts map[string]int, sequences ...[]string) {
	for _, seq := range sequences {
		for _, tok := range seq {
			counts[tok]++
		}
	}
}

// Add adds a token if not already present, returns its id.
func (v *Vocab) Add(s string) int {
	if id, ok := v.ToID[s]; ok {
		return id
	}
	id := len(v.ToStr)
	v.ToID[s] = id
	v.ToStr = append(v.ToStr, s)
	return id
}

// Size returns the number of entries.
func (v *Vocab) Size() int {
	return len(v.ToStr)
}

// WordToInd returns the id of a token, or UNK.
func (v *Vocab) WordToInd(s string) int {
	if id, ok := v.ToID[s]; ok {
		return id
	}
	return UNK
}

// IndToWord returns the token of an id, or the UNK token for ids out of range.
func (v *Vocab) IndToWord(id int) string {
	if id < 0 || id >= len(v.ToStr) {
		return UnkToken
	}
	return v.ToStr[id]
}

// Encode maps tokens to ids.
func (v *Vocab) Encode(tokens []string) []int {
	ids := make([]int, len(tokens))
	for i, tok := range tokens {
		ids[i] = v.WordToInd(tok)
	}
	return ids
}

// Decode maps ids back to tokens, stopping at EOS and dropping PAD and BOS.
func (v *Vocab) Decode(ids []int) []string {
	var tokens []string
	for _, id := range ids {
		if id == EOS {
			break
		}
		if id == PAD || id == BOS {
			continue
		}
		tokens = append(tokens, v.IndToWord(id))
	}
	return tokens
}

// UnmarshalJSON rebuilds the token index after decoding the word list.
func (v *Vocab) UnmarshalJSON(data []byte) error {
	var raw struct {
		Words []string `json:"words"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Wrap(err, "vocab: decoding")
	}
	if len(raw.Words) < len(reserved) {
		return errors.Errorf("vocab: %d words, want at least the %d reserved tokens", len(raw.Words), len(reserved))
	}
	for i, w := range reserved {
		if raw.Words[i] != w {
			return errors.Errorf("vocab: id %d is %q, want %q", i, raw.Words[i], w)
		}
	}
	v.ToStr = nil
	v.ToID = make(map[string]int, len(raw.Words))
	for _, w := range raw.Words {
		v.Add(w)
	}
	return nil
}
