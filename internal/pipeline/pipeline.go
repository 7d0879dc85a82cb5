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

// Package pipeline runs the two extraction stages for one email: the
// deterministic retailer parsers first, the generative model second.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/orderscan/ingestion/internal/ai"
	"github.com/orderscan/ingestion/internal/content"
	"github.com/orderscan/ingestion/internal/metrics"
	"github.com/orderscan/ingestion/internal/models"
	"github.com/orderscan/ingestion/internal/retailer"
)

// Classifier resolves the retailer parser for an email.
type Classifier interface {
	Classify(email *models.ExtractedContent) retailer.Classification
}

// Analyzer is the model-backed fallback.
type Analyzer interface {
	Classify(email *models.ExtractedContent) ai.Classification
	AnalyzeEmail(ctx context.Context, in ai.Input) (models.OrderData, error)
}

// Outcome describes how a result was produced.
type Outcome struct {
	Classification retailer.Classification
	Source         models.Source
	AIAttempted    bool
}

// Pipeline chains the registry and the analyzer.
type Pipeline struct {
	registry      Classifier
	analyzer      Analyzer // nil disables the fallback
	minConfidence float64
	metrics       *metrics.Metrics
	logger        *slog.Logger
}

// New creates a Pipeline. analyzer may be nil.
func New(registry Classifier, analyzer Analyzer, minConfidence float64, m *metrics.Metrics, logger *slog.Logger) *Pipeline {
	if m == nil {
		m = metrics.Nop()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		registry:      registry,
		analyzer:      analyzer,
		minConfidence: minConfidence,
		metrics:       m,
		logger:        logger,
	}
}

// Extract produces order data for email.
//
// A parser result that is an order at or above the confidence threshold is
// final. Otherwise the analyzer's keyword pre-check decides whether a model
// call is worth it. When both stages yield an order the more confident one
// wins; when the model fails after the parser found a low-confidence order,
// the parser result is kept.
func (p *Pipeline) Extract(ctx context.Context, email *models.ExtractedContent) (models.OrderData, Outcome, error) {
	cls := p.registry.Classify(email)
	out := Outcome{Classification: cls, Source: models.SourceParser}

	retailerName := cls.Retailer
	if retailerName == "" {
		retailerName = content.SenderName(email.From)
	}

	var parsed models.OrderData
	haveParsed := false
	if cls.Parser != nil {
		parsed = cls.Parser.Parse(email)
		haveParsed = true
		if parsed.IsOrder && parsed.Confidence >= p.minConfidence {
			return parsed, out, nil
		}
	}

	fallback := models.NotAnOrder(retailerName, models.SourceParser)
	if haveParsed {
		fallback = parsed
	}

	if p.analyzer == nil {
		return fallback, out, nil
	}
	pre := p.analyzer.Classify(email)
	if !pre.WillAnalyze {
		return fallback, out, nil
	}

	out.AIAttempted = true
	hint := cls.Retailer
	if hint == "" {
		hint = pre.Retailer
	}

	start := time.Now()
	data, err := p.analyzer.AnalyzeEmail(ctx, ai.InputFrom(email, hint))
	p.metrics.ObserveAI(start)
	if err != nil {
		p.metrics.Failed(metrics.StageAI)
		if haveParsed && parsed.IsOrder {
			p.logger.Warn("AI fallback failed, keeping parser result",
				"message_id", email.MessageID,
				"retailer", parsed.Retailer,
				"error", err,
			)
			return parsed, out, nil
		}
		return models.OrderData{}, out, fmt.Errorf("analyze email: %w", err)
	}

	if haveParsed && parsed.IsOrder && (!data.IsOrder || parsed.Confidence >= data.Confidence) {
		return parsed, out, nil
	}
	if data.Retailer == "" {
		data.Retailer = retailerName
	}
	out.Source = models.SourceAI
	return data, out, nil
}
