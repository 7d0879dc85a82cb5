// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when the model provider throttles us. Callers
// may retry after a backoff.
var ErrRateLimited = errors.New("model rate limited")

// Generator produces a completion for a single prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

const (
	defaultTemperature = 0.1
	defaultMaxTokens   = 1024
)

// LangChainGenerator calls any langchaingo model in JSON mode.
type LangChainGenerator struct {
	model       llms.Model
	temperature float64
	maxTokens   int
}

// NewLangChainGenerator wraps model.
func NewLangChainGenerator(model llms.Model) *LangChainGenerator {
	return &LangChainGenerator{
		model:       model,
		temperature: defaultTemperature,
		maxTokens:   defaultMaxTokens,
	}
}

// NewOpenAI builds a generator backed by the OpenAI chat API.
func NewOpenAI(apiKey, model string) (*LangChainGenerator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai API key required")
	}
	opts := []openai.Option{openai.WithToken(apiKey)}
	if model != "" {
		opts = append(opts, openai.WithModel(model))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create openai client: %w", err)
	}
	return NewLangChainGenerator(llm), nil
}

// Generate sends prompt and returns the raw completion text.
func (g *LangChainGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	out, err := llms.GenerateFromSinglePrompt(ctx, g.model, prompt,
		llms.WithTemperature(g.temperature),
		llms.WithMaxTokens(g.maxTokens),
		llms.WithJSONMode(),
	)
	if err != nil {
		if isRateLimit(err) {
			return "", fmt.Errorf("%w: %v", ErrRateLimited, err)
		}
		return "", fmt.Errorf("generate completion: %w", err)
	}
	return out, nil
}

func isRateLimit(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "rate limit")
}

// RateLimited throttles calls to the wrapped generator.
type RateLimited struct {
	next    Generator
	limiter *rate.Limiter
}

// NewRateLimited allows perMinute calls per minute with the given burst.
func NewRateLimited(next Generator, perMinute float64, burst int) *RateLimited {
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(perMinute/60.0), burst),
	}
}

// Generate waits for a token, then delegates.
func (r *RateLimited) Generate(ctx context.Context, prompt string) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}
	return r.next.Generate(ctx, prompt)
}
