package embedding

import (
	"hash/fnv"
	"strings"
)

const (
	clsTokenID = 101
	sepTokenID = 102
	vocabSize  = 30000
)

// modelInputs are the BERT-style tensors fed to a local encoder model.
type modelInputs struct {
	inputIDs      []int64
	attentionMask []int64
	tokenTypeIDs  []int64
}

// buildInputs maps whitespace words of text to hashed vocabulary IDs framed by [CLS]/[SEP]
// and padded to maxTokens.
func buildInputs(text string, maxTokens int) modelInputs {
	if maxTokens < 2 {
		maxTokens = 512
	}
	in := modelInputs{
		inputIDs:      make([]int64, maxTokens),
		attentionMask: make([]int64, maxTokens),
		tokenTypeIDs:  make([]int64, maxTokens),
	}
	in.inputIDs[0] = clsTokenID
	in.attentionMask[0] = 1

	pos := 1
	for _, word := range strings.Fields(strings.ToLower(text)) {
		if pos >= maxTokens-1 {
			break
		}
		h := fnv.New32a()
		_, _ = h.Write([]byte(word))
		// IDs below 1000 are reserved for special tokens.
		in.inputIDs[pos] = int64(1000 + h.Sum32()%(vocabSize-1000))
		in.attentionMask[pos] = 1
		pos++
	}
	in.inputIDs[pos] = sepTokenID
	in.attentionMask[pos] = 1
	return in
}
