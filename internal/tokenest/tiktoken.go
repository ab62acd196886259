package tokenest

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TiktokenEstimator counts tokens with the cl100k_base BPE encoding,
// shared across goroutines since building the encoder is expensive.
type TiktokenEstimator struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

// NewTiktokenEstimator builds an estimator for the named encoding
// (e.g. "cl100k_base"). The encoding is resolved once at construction.
func NewTiktokenEstimator(encoding string) (*TiktokenEstimator, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("resolve encoding %q: %w", encoding, err)
	}
	return &TiktokenEstimator{enc: enc}, nil
}

// Estimate implements Estimator.
func (t *TiktokenEstimator) Estimate(content []byte) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := t.enc.Encode(string(content), nil, nil)
	return uint32(len(ids)), nil
}
