package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncodingForModel_MatchesKnownPrefixes(t *testing.T) {
	assert.Equal(t, "o200k_base", encodingForModel("gpt-4o-mini"))
	assert.Equal(t, "cl100k_base", encodingForModel("gpt-4-turbo"))
	assert.Equal(t, "cl100k_base", encodingForModel("gpt-3.5-turbo"))
	assert.Equal(t, "cl100k_base", encodingForModel("claude-3-5-sonnet-20241022"))
}

func TestEncodingForModel_UnknownModelFallsBackToDefault(t *testing.T) {
	assert.Equal(t, defaultEncoding, encodingForModel("llama3.1"))
}

func TestEstimateTokens_NonEmptyTextYieldsPositiveCount(t *testing.T) {
	n := EstimateTokens("gpt-4o", "the quick brown fox jumps over the lazy dog")
	assert.Greater(t, n, 0)
}

func TestEstimateTokens_EmptyTextYieldsZero(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens("gpt-4o", ""))
}

func TestEstimateTokens_UnrecognizedModelUsesDefaultEncoding(t *testing.T) {
	n := EstimateTokens("some-unrecognized-model", "abcdefgh")
	assert.Greater(t, n, 0)
}
