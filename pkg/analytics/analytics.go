// Package analytics reports on finished operations: grouped summaries,
// the slowest and fastest runs, per-capability outliers and success rates.
// It only reads from the store.
package analytics

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/lattice-ops/lattice/pkg/stores"
)

// DefaultLimit applies to Slowest and Fastest when n <= 0.
const DefaultLimit = 10

// DefaultOutlierK is the number of standard deviations above the mean a
// duration must exceed to count as an outlier.
const DefaultOutlierK = 2.0

// Source is the store surface analytics reads.
type Source interface {
	OperationDurationStats(ctx context.Context, groupBy string) ([]*stores.DurationStat, error)
	ListCompletedDurations(ctx context.Context, order string, limit int) ([]*stores.Operation, error)
}

// Groupings accepted by Summary.
const (
	GroupByCapability = "capability"
	GroupByKind       = "kind"
	GroupByStatus     = "status"
)

// GroupSummary aggregates one group of operations. Durations cover
// finished operations only.
type GroupSummary struct {
	Key         string                           `json:"key"`
	Total       int64                            `json:"total"`
	Counts      map[stores.OperationStatus]int64 `json:"counts"`
	AvgMS       float64                          `json:"avg_ms"`
	MinMS       int64                            `json:"min_ms"`
	MaxMS       int64                            `json:"max_ms"`
	SuccessRate float64                          `json:"success_rate"`
}

// Finished counts completed, failed and blocked operations.
func (g *GroupSummary) Finished() int64 {
	return g.Counts[stores.OperationStatusCompleted] + g.Counts[stores.OperationStatusFailed] + g.Counts[stores.OperationStatusBlocked]
}

// Outlier is a completed operation unusually slow for its capability.
type Outlier struct {
	Operation *stores.Operation `json:"operation"`
	MeanMS    float64           `json:"mean_ms"`
	StdDevMS  float64           `json:"stddev_ms"`
	Threshold float64           `json:"threshold_ms"`
	Sigma     float64           `json:"sigma"`
}

// Analyzer computes reports over a Source.
type Analyzer struct {
	src Source
}

// New returns an Analyzer reading from src.
func New(src Source) *Analyzer {
	return &Analyzer{src: src}
}

func finished(status stores.OperationStatus) bool {
	switch status {
	case stores.OperationStatusCompleted, stores.OperationStatusFailed, stores.OperationStatusBlocked:
		return true
	}
	return false
}

// Summary groups operations by capability, kind or status. Success rate
// is completed over finished, in percent.
func (a *Analyzer) Summary(ctx context.Context, groupBy string) ([]*GroupSummary, error) {
	switch groupBy {
	case GroupByCapability, GroupByKind, GroupByStatus:
	default:
		return nil, fmt.Errorf("unsupported grouping %q (want capability, kind or status)", groupBy)
	}

	stats, err := a.src.OperationDurationStats(ctx, groupBy)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate operations: %w", err)
	}

	groups := map[string]*GroupSummary{}
	var order []string
	weighted := map[string]float64{}
	for _, st := range stats {
		g, ok := groups[st.Key]
		if !ok {
			g = &GroupSummary{Key: st.Key, Counts: map[stores.OperationStatus]int64{}}
			groups[st.Key] = g
			order = append(order, st.Key)
		}
		status := stores.OperationStatus(st.Status)
		g.Counts[status] += st.Count
		g.Total += st.Count

		if !finished(status) || st.Count == 0 {
			continue
		}
		timed := g.Finished() - st.Count
		if timed == 0 || st.MinMS < g.MinMS {
			g.MinMS = st.MinMS
		}
		if st.MaxMS > g.MaxMS {
			g.MaxMS = st.MaxMS
		}
		weighted[st.Key] += st.AvgMS * float64(st.Count)
	}

	out := make([]*GroupSummary, 0, len(order))
	for _, key := range order {
		g := groups[key]
		if n := g.Finished(); n > 0 {
			g.AvgMS = weighted[key] / float64(n)
			g.SuccessRate = 100 * float64(g.Counts[stores.OperationStatusCompleted]) / float64(n)
		}
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Slowest returns the n longest completed operations.
func (a *Analyzer) Slowest(ctx context.Context, n int) ([]*stores.Operation, error) {
	return a.completed(ctx, "desc", n)
}

// Fastest returns the n shortest completed operations.
func (a *Analyzer) Fastest(ctx context.Context, n int) ([]*stores.Operation, error) {
	return a.completed(ctx, "asc", n)
}

func (a *Analyzer) completed(ctx context.Context, order string, n int) ([]*stores.Operation, error) {
	if n <= 0 {
		n = DefaultLimit
	}
	ops, err := a.src.ListCompletedDurations(ctx, order, n)
	if err != nil {
		return nil, fmt.Errorf("failed to list completed operations: %w", err)
	}
	return ops, nil
}

// Outliers returns completed operations whose duration exceeds the mean
// plus k standard deviations of their capability, most extreme first.
// k <= 0 means DefaultOutlierK.
func (a *Analyzer) Outliers(ctx context.Context, k float64) ([]*Outlier, error) {
	if k <= 0 {
		k = DefaultOutlierK
	}
	ops, err := a.src.ListCompletedDurations(ctx, "desc", 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list completed operations: %w", err)
	}

	byCapability := map[string][]*stores.Operation{}
	for _, op := range ops {
		if op.DurationMS == nil {
			continue
		}
		byCapability[op.Capability] = append(byCapability[op.Capability], op)
	}

	var out []*Outlier
	for _, group := range byCapability {
		mean, std := meanStdDev(group)
		if std == 0 {
			continue
		}
		threshold := mean + k*std
		for _, op := range group {
			d := float64(*op.DurationMS)
			if d > threshold {
				out = append(out, &Outlier{
					Operation: op,
					MeanMS:    mean,
					StdDevMS:  std,
					Threshold: threshold,
					Sigma:     (d - mean) / std,
				})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Sigma != out[j].Sigma {
			return out[i].Sigma > out[j].Sigma
		}
		return out[i].Operation.ExecutionID < out[j].Operation.ExecutionID
	})
	return out, nil
}

// meanStdDev is the population mean and standard deviation.
func meanStdDev(ops []*stores.Operation) (float64, float64) {
	if len(ops) == 0 {
		return 0, 0
	}
	var sum float64
	for _, op := range ops {
		sum += float64(*op.DurationMS)
	}
	mean := sum / float64(len(ops))

	var sq float64
	for _, op := range ops {
		d := float64(*op.DurationMS) - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(ops)))
}

// SuccessRate is the share of finished operations that completed.
type SuccessRate struct {
	Capability string  `json:"capability"`
	Completed  int64   `json:"completed"`
	Failed     int64   `json:"failed"`
	Blocked    int64   `json:"blocked"`
	Rate       float64 `json:"rate"`
}

// SuccessRates reports per-capability success, in percent.
func (a *Analyzer) SuccessRates(ctx context.Context) ([]*SuccessRate, error) {
	groups, err := a.Summary(ctx, GroupByCapability)
	if err != nil {
		return nil, err
	}
	out := make([]*SuccessRate, 0, len(groups))
	for _, g := range groups {
		if g.Finished() == 0 {
			continue
		}
		out = append(out, &SuccessRate{
			Capability: g.Key,
			Completed:  g.Counts[stores.OperationStatusCompleted],
			Failed:     g.Counts[stores.OperationStatusFailed],
			Blocked:    g.Counts[stores.OperationStatusBlocked],
			Rate:       g.SuccessRate,
		})
	}
	return out, nil
}
