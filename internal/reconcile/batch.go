package reconcile

import (
	"context"
	"log/slog"

	"animecatalog/internal/domain"
)

// Report summarizes one batch. Processed lists the upstream ids whose
// candidates fully reached the catalog.
type Report struct {
	Added     int      `json:"added"`
	Attached  int      `json:"attached"`
	Skipped   int      `json:"skipped"`
	Failed    int      `json:"failed"`
	Processed []string `json:"processed"`
	Entries   []uint64 `json:"entries"`
}

func (r *Report) add(result Result) {
	switch result.Outcome {
	case OutcomeAdded:
		r.Added++
	case OutcomeAttached:
		r.Attached++
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeFailed:
		r.Failed++
	}
	if result.Succeeded() {
		r.Processed = append(r.Processed, result.UpstreamID)
	}
	if result.EntryID != 0 {
		r.Entries = append(r.Entries, result.EntryID)
	}
}

// ProcessBatch reconciles candidates one by one. A failed candidate never
// prevents the rest of the batch from being committed.
func (e *Engine) ProcessBatch(ctx context.Context, candidates []domain.Candidate) Report {
	var report Report
	for _, candidate := range candidates {
		if ctx.Err() != nil {
			e.logger.Warn("batch interrupted", slog.Int("remaining", len(candidates)-report.total()))
			break
		}
		result, _ := e.Process(ctx, candidate)
		report.add(result)
	}
	return report
}

func (r Report) total() int {
	return r.Added + r.Attached + r.Skipped + r.Failed
}
