package service

import (
	"context"
	"errors"

	"github.com/xela07ax/shared-counter/internal/domain"
	"github.com/xela07ax/shared-counter/internal/infra"
)

// StaticOperators serves the operators listed in the config file.
type StaticOperators map[string]*domain.Operator

func NewStaticOperators(cfg []infra.OperatorConfig) StaticOperators {
	ops := make(StaticOperators, len(cfg))
	for _, c := range cfg {
		scopes := make(map[string]bool, len(c.Scopes))
		for _, s := range c.Scopes {
			scopes[s] = true
		}
		ops[c.Username] = &domain.Operator{
			ID:           "static:" + c.Username,
			Username:     c.Username,
			PasswordHash: c.PasswordHash,
			Scopes:       scopes,
		}
	}
	return ops
}

func (s StaticOperators) GetOperatorByUsername(_ context.Context, username string) (*domain.Operator, error) {
	if op, ok := s[username]; ok {
		return op, nil
	}
	return nil, domain.ErrNotFound
}

// ChainOperators asks each provider in turn; ErrNotFound moves on to the next.
type ChainOperators []OperatorProvider

func (c ChainOperators) GetOperatorByUsername(ctx context.Context, username string) (*domain.Operator, error) {
	for _, p := range c {
		op, err := p.GetOperatorByUsername(ctx, username)
		if err == nil && op != nil {
			return op, nil
		}
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}
	return nil, domain.ErrNotFound
}
