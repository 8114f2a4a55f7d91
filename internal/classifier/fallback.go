package classifier

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Fallback tries providers in order and returns the first result.
type Fallback struct {
	providers []Classifier
	logger    *zap.Logger
}

// NewFallback builds a chain. Nil providers are skipped.
func NewFallback(logger *zap.Logger, providers ...Classifier) *Fallback {
	f := &Fallback{logger: logger}
	for _, p := range providers {
		if p != nil {
			f.providers = append(f.providers, p)
		}
	}
	return f
}

// Classify returns ErrUnavailable when every provider fails.
func (f *Fallback) Classify(ctx context.Context, in Input) (*Result, error) {
	var lastErr error
	for i, p := range f.providers {
		res, err := p.Classify(ctx, in)
		if err == nil {
			return res, nil
		}
		lastErr = err
		f.logger.Warn("Classifier provider failed",
			zap.Int("provider", i),
			zap.String("type", fmt.Sprintf("%T", p)),
			zap.Error(err))
		if ctx.Err() != nil {
			break
		}
	}
	if lastErr == nil {
		return nil, ErrUnavailable
	}
	return nil, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}
