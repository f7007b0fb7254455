package domain

// AggregateStatus holds per-status image counts for one batch.
type AggregateStatus struct {
	Total      int  `json:"total"`
	Pending    int  `json:"pending"`
	Processing int  `json:"processing"`
	Completed  int  `json:"completed"`
	Failed     int  `json:"failed"`
	Progress   int  `json:"progress"`
	IsComplete bool `json:"isComplete"`
}

// NewAggregateStatus derives totals, progress and completion from raw counts.
// Unknown statuses are ignored so Total always equals the sum of the four buckets.
func NewAggregateStatus(counts map[ImageStatus]int) AggregateStatus {
	agg := AggregateStatus{
		Pending:    counts[StatusPending],
		Processing: counts[StatusProcessing],
		Completed:  counts[StatusCompleted],
		Failed:     counts[StatusFailed],
	}
	agg.Total = agg.Pending + agg.Processing + agg.Completed + agg.Failed
	agg.Progress = Progress(agg.Completed, agg.Total)
	agg.IsComplete = IsComplete(agg.Total, agg.Pending, agg.Processing)
	return agg
}

// Progress returns completed/total as an integer percentage, 0 for an empty batch.
func Progress(completed, total int) int {
	if total <= 0 {
		return 0
	}
	return completed * 100 / total
}

// IsComplete reports whether a non-empty batch has nothing queued or running.
func IsComplete(total, pending, processing int) bool {
	return total > 0 && pending == 0 && processing == 0
}
