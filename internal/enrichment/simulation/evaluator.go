package simulation

import (
	"context"
	"fmt"

	"github.com/zjrosen/enrich/internal/grok"
	"github.com/zjrosen/enrich/internal/ingest"
	"github.com/zjrosen/enrich/internal/log"
	"github.com/zjrosen/enrich/internal/streams"
)

// DefaultSampleSize is how many sample documents a preview uses.
const DefaultSampleSize = 100

// Request is one dry-run evaluation.
type Request struct {
	StreamName string
	Processors []streams.ProcessorDefinition
}

// Evaluator runs a candidate processor list against sample data.
type Evaluator interface {
	Simulate(ctx context.Context, req Request) (ingest.Result, error)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, req Request) (ingest.Result, error)

func (f EvaluatorFunc) Simulate(ctx context.Context, req Request) (ingest.Result, error) {
	return f(ctx, req)
}

// SampleSource provides preview documents for a stream.
type SampleSource interface {
	Samples(ctx context.Context, name string, limit int) ([]streams.Document, error)
}

// LocalEvaluator simulates pipelines in process over samples from a store.
type LocalEvaluator struct {
	samples    SampleSource
	grok       *grok.Collection
	sampleSize int
}

// NewLocalEvaluator creates an evaluator. sampleSize <= 0 uses DefaultSampleSize.
func NewLocalEvaluator(samples SampleSource, coll *grok.Collection, sampleSize int) *LocalEvaluator {
	if sampleSize <= 0 {
		sampleSize = DefaultSampleSize
	}
	return &LocalEvaluator{samples: samples, grok: coll, sampleSize: sampleSize}
}

// Simulate compiles req.Processors and runs them over the stream's samples.
func (e *LocalEvaluator) Simulate(ctx context.Context, req Request) (ingest.Result, error) {
	docs, err := e.samples.Samples(ctx, req.StreamName, e.sampleSize)
	if err != nil {
		return ingest.Result{}, fmt.Errorf("loading samples for %s: %w", req.StreamName, err)
	}
	pipeline, err := ingest.Compile(ctx, e.grok, req.Processors)
	if err != nil {
		return ingest.Result{}, fmt.Errorf("compiling pipeline: %w", err)
	}
	res, err := pipeline.Run(ctx, docs)
	if err != nil {
		return ingest.Result{}, err
	}
	log.Debug(log.CatSim, "simulated", "stream", req.StreamName,
		"processors", pipeline.Len(), "documents", len(docs), "parsed_rate", res.Metrics.ParsedRate)
	return res, nil
}
