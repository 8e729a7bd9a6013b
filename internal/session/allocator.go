package session

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"

	"btdrop/internal/store"
)

const (
	// Codes are drawn from [MinCode, MaxCode]; leading zeros are never generated.
	MinCode = 1000
	MaxCode = 9999

	DefaultMaxAttempts = 50
)

// Allocator picks unused session codes.
type Allocator struct {
	registry    store.Registry
	maxAttempts int
	random      func() (int, error)
}

// NewAllocator creates an allocator that gives up after maxAttempts
// collisions. A non-positive maxAttempts selects DefaultMaxAttempts.
func NewAllocator(registry store.Registry, maxAttempts int) *Allocator {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Allocator{
		registry:    registry,
		maxAttempts: maxAttempts,
		random:      randomCode,
	}
}

// MaxAttempts is the retry budget shared by allocation and registration.
func (a *Allocator) MaxAttempts() int {
	return a.maxAttempts
}

// Allocate returns a code that was free at the time of the check. The
// registry's atomic insert remains the final arbiter.
func (a *Allocator) Allocate(ctx context.Context) (string, error) {
	for i := 0; i < a.maxAttempts; i++ {
		n, err := a.random()
		if err != nil {
			return "", fmt.Errorf("failed to generate code: %w", err)
		}
		code := fmt.Sprintf("%04d", n)

		exists, err := a.registry.CodeExists(ctx, code)
		if err != nil {
			return "", fmt.Errorf("failed to check code %s: %w", code, err)
		}
		if !exists {
			return code, nil
		}
	}
	return "", ErrCodeSpaceExhausted
}

func randomCode() (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(MaxCode-MinCode+1))
	if err != nil {
		return 0, err
	}
	return MinCode + int(n.Int64()), nil
}
