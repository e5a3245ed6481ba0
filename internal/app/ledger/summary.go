package ledger

import (
	"context"

	"github.com/sight-ai/sight-depin-maas-sub007/internal/domain"
)

// Totals aggregates earnings of one source.
type Totals struct {
	Count        int     `json:"count"`
	BlockRewards float64 `json:"block_rewards"`
	JobRewards   float64 `json:"job_rewards"`
}

// Summary is a point-in-time view of the ledger.
type Summary struct {
	Tasks    map[domain.Source]map[domain.TaskStatus]int `json:"tasks"`
	Earnings map[domain.Source]Totals                    `json:"earnings"`
}

// Summarize counts tasks by source and status and totals earnings by source.
func Summarize(ctx context.Context, tasks *TaskLedger, earnings *EarningsLedger) (*Summary, error) {
	s := &Summary{
		Tasks:    make(map[domain.Source]map[domain.TaskStatus]int),
		Earnings: make(map[domain.Source]Totals),
	}

	all, err := tasks.List(ctx, domain.TaskQuery{})
	if err != nil {
		return nil, err
	}
	for _, t := range all {
		if s.Tasks[t.Source] == nil {
			s.Tasks[t.Source] = make(map[domain.TaskStatus]int)
		}
		s.Tasks[t.Source][t.Status]++
	}

	es, err := earnings.List(ctx, domain.EarningQuery{})
	if err != nil {
		return nil, err
	}
	for _, e := range es {
		tot := s.Earnings[e.Source]
		tot.Count++
		tot.BlockRewards += e.BlockRewards
		tot.JobRewards += e.JobRewards
		s.Earnings[e.Source] = tot
	}
	return s, nil
}
