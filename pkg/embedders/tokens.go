package embedders

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// OpenAI embedding models reject inputs above 8191 tokens.
const embeddingTokenLimit = 8191

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	encodingMu    sync.RWMutex
)

func encodingFor(model string) (*tiktoken.Tiktoken, error) {
	encodingMu.RLock()
	cached, ok := encodingCache[model]
	encodingMu.RUnlock()
	if ok {
		return cached, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to get encoding: %w", err)
		}
	}

	encodingMu.Lock()
	encodingCache[model] = encoding
	encodingMu.Unlock()
	return encoding, nil
}

// truncateToTokenLimit cuts text to the embedding token limit. Oversized
// chunks lose their tail rather than failing the whole batch.
func truncateToTokenLimit(model, text string) (string, error) {
	encoding, err := encodingFor(model)
	if err != nil {
		return "", err
	}
	tokens := encoding.Encode(text, nil, nil)
	if len(tokens) <= embeddingTokenLimit {
		return text, nil
	}
	return encoding.Decode(tokens[:embeddingTokenLimit]), nil
}
