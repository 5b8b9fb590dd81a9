package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/lattice-ops/lattice/pkg/definition"
	"github.com/lattice-ops/lattice/pkg/stores"
	"github.com/lattice-ops/lattice/pkg/telemetry"
)

// DefaultMaxParallel bounds concurrent operations within one batch level.
const DefaultMaxParallel = 4

// BatchItem is the outcome of one definition in a batch.
type BatchItem struct {
	Definition *definition.Definition
	Level      int
	Operation  *stores.Operation
	Err        error
}

// BatchSummary counts batch items by outcome.
type BatchSummary struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Blocked   int `json:"blocked"`
	Errored   int `json:"errored"`
}

// BatchResult is the outcome of BatchRunner.Run. Items follow the input
// order.
type BatchResult struct {
	Levels  [][]string
	Items   []*BatchItem
	Summary BatchSummary
}

// BatchRunner executes a set of definitions level by level, with a bounded
// worker pool inside each level.
type BatchRunner struct {
	exec        *Executor
	maxParallel int
	logger      *telemetry.Logger
}

// NewBatchRunner returns a batch runner. maxParallel <= 0 uses
// DefaultMaxParallel.
func NewBatchRunner(exec *Executor, maxParallel int) *BatchRunner {
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallel
	}
	return &BatchRunner{
		exec:        exec,
		maxParallel: maxParallel,
		logger:      exec.tel.Logger.NewComponentLogger("batch"),
	}
}

// Run levels defs by their operation prerequisites and executes every level
// in order. A level whose operations fail does not stop later levels; their
// prerequisite checks block dependents instead. A prerequisite cycle inside
// the set is returned as an error before anything runs.
func (b *BatchRunner) Run(ctx context.Context, defs []*definition.Definition, opts ExecuteOptions) (*BatchResult, error) {
	levels, err := definition.DependencyGraph(defs).Levels()
	if err != nil {
		return nil, fmt.Errorf("failed to order batch: %w", err)
	}

	byID := make(map[string][]*BatchItem, len(defs))
	result := &BatchResult{Levels: levels, Items: make([]*BatchItem, len(defs))}
	for i, d := range defs {
		item := &BatchItem{Definition: d}
		result.Items[i] = item
		byID[d.ID] = append(byID[d.ID], item)
	}

	for level, ids := range levels {
		var work []*BatchItem
		for _, id := range ids {
			for _, item := range byID[id] {
				item.Level = level
				work = append(work, item)
			}
		}
		if len(work) == 0 {
			continue
		}

		if err := ctx.Err(); err != nil {
			for _, item := range work {
				item.Err = err
			}
			continue
		}

		_ = b.exec.tel.Events.Publish(telemetry.Event{
			Type:    telemetry.EventTypeBatchLevelStarted,
			Source:  "batch",
			Message: fmt.Sprintf("level %d: %d operation(s)", level, len(work)),
			Level:   telemetry.EventLevelInfo,
			Data:    map[string]interface{}{"level": level, "operations": ids},
		})
		b.logger.WithFields(map[string]interface{}{"level": level, "operations": len(work)}).Info("running batch level")
		b.runLevel(ctx, work, opts)
	}

	for _, item := range result.Items {
		result.Summary.Total++
		switch {
		case item.Err != nil || item.Operation == nil:
			result.Summary.Errored++
		case item.Operation.Status == stores.OperationStatusCompleted:
			result.Summary.Completed++
		case item.Operation.Status == stores.OperationStatusBlocked:
			result.Summary.Blocked++
		default:
			result.Summary.Failed++
		}
	}

	_ = b.exec.tel.Events.Publish(telemetry.Event{
		Type:    telemetry.EventTypeBatchCompleted,
		Source:  "batch",
		Message: fmt.Sprintf("%d of %d operation(s) completed", result.Summary.Completed, result.Summary.Total),
		Level:   telemetry.EventLevelInfo,
		Data: map[string]interface{}{
			"completed": result.Summary.Completed,
			"failed":    result.Summary.Failed,
			"blocked":   result.Summary.Blocked,
			"errored":   result.Summary.Errored,
		},
	})
	return result, nil
}

// runLevel drains the level's items through at most maxParallel workers.
func (b *BatchRunner) runLevel(ctx context.Context, items []*BatchItem, opts ExecuteOptions) {
	workers := b.maxParallel
	if len(items) < workers {
		workers = len(items)
	}

	queue := make(chan *BatchItem, len(items))
	for _, item := range items {
		queue <- item
	}
	close(queue)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range queue {
				if err := ctx.Err(); err != nil {
					item.Err = err
					continue
				}
				op, err := b.exec.Execute(ctx, item.Definition, opts)
				item.Operation, item.Err = op, err
				if err != nil {
					b.logger.WithError(err).WithField("operation", item.Definition.ID).Error("batch operation errored")
				}
			}
		}()
	}
	wg.Wait()
}
