// Package middleware chains request rewriters that run before a
// ModelRequest reaches a provider adapter's translation step (§4.F
// entry point).
package middleware

import (
	"context"
	"fmt"

	"github.com/inherent-design/atlas-sub002/types"
)

// RequestRewriter transforms a request before it reaches an adapter,
// e.g. stripping empty tool/function arrays a backend rejects outright.
type RequestRewriter interface {
	Rewrite(ctx context.Context, req *types.ModelRequest) (*types.ModelRequest, error)
	Name() string
}

// RewriterChain runs rewriters in order, short-circuiting on the first
// error.
type RewriterChain struct {
	rewriters []RequestRewriter
}

func NewRewriterChain(rewriters ...RequestRewriter) *RewriterChain {
	return &RewriterChain{rewriters: rewriters}
}

// Execute runs every rewriter in order, threading the result of one into
// the next.
func (c *RewriterChain) Execute(ctx context.Context, req *types.ModelRequest) (*types.ModelRequest, error) {
	if c == nil || len(c.rewriters) == 0 {
		return req, nil
	}

	var err error
	for _, rewriter := range c.rewriters {
		req, err = rewriter.Rewrite(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("rewriter [%s] failed: %w", rewriter.Name(), err)
		}
	}
	return req, nil
}

func (c *RewriterChain) AddRewriter(rewriter RequestRewriter) {
	c.rewriters = append(c.rewriters, rewriter)
}

func (c *RewriterChain) GetRewriters() []RequestRewriter {
	return c.rewriters
}
