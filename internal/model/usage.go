package model

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"forkchat/internal/encoder"
	"forkchat/protocol"
)

var (
	codec     tokenizer.Codec
	codecOnce sync.Once
	codecErr  error
)

// getCodec returns the cl100k_base tokenizer, a close enough
// approximation for every model we front.
func getCodec() (tokenizer.Codec, error) {
	codecOnce.Do(func() {
		codec, codecErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	return codec, codecErr
}

// EstimateTokens returns an approximate token count for text, 0 when
// the tokenizer is unavailable.
func EstimateTokens(text string) int {
	c, err := getCodec()
	if err != nil {
		return 0
	}
	ids, _, err := c.Encode(text)
	if err != nil {
		return 0
	}
	return len(ids)
}

// Estimator fills finish-frame usage when the source reports none.
func Estimator() encoder.Estimator {
	return func(prompt, completion string) protocol.Usage {
		return protocol.Usage{
			PromptTokens:     EstimateTokens(prompt),
			CompletionTokens: EstimateTokens(completion),
		}
	}
}
