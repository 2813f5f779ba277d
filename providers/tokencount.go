package providers

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// encodingFor maps a model name prefix to the tiktoken encoding it uses,
// adapted from the teacher's llm/tokenizer.TiktokenTokenizer model table,
// trimmed to the encodings Atlas's three backends actually report.
var encodingFor = []struct {
	prefix   string
	encoding string
}{
	{"gpt-4o", "o200k_base"},
	{"gpt-4", "cl100k_base"},
	{"gpt-3.5", "cl100k_base"},
	{"claude", "cl100k_base"}, // Anthropic publishes no public BPE; cl100k approximates well enough for an estimate
}

const defaultEncoding = "cl100k_base"

var (
	encodersMu sync.Mutex
	encoders   = map[string]*tiktoken.Tiktoken{}
)

func encodingForModel(model string) string {
	for _, m := range encodingFor {
		if len(model) >= len(m.prefix) && model[:len(m.prefix)] == m.prefix {
			return m.encoding
		}
	}
	return defaultEncoding
}

func encoderFor(name string) (*tiktoken.Tiktoken, error) {
	encodersMu.Lock()
	defer encodersMu.Unlock()
	if enc, ok := encoders[name]; ok {
		return enc, nil
	}
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil, err
	}
	encoders[name] = enc
	return enc, nil
}

// EstimateTokens counts text's tokens with the tiktoken encoding for
// model, falling back to a 4-characters-per-token heuristic (§4.H's
// documented last resort) if the encoding can't be loaded. An
// unrecognized model name uses the default encoding, not this fallback.
func EstimateTokens(model, text string) int {
	enc, err := encoderFor(encodingForModel(model))
	if err != nil {
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}
