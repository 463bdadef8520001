package aggregate

import (
	"context"
	"sort"

	"cloud.google.com/go/bigquery"
	"github.com/goccy/go-json"
)

// RowInserter is the part of *bigquery.Inserter the sink needs.
type RowInserter interface {
	Put(ctx context.Context, src interface{}) error
}

// AggregateRow is one transaction type's aggregate for a window.
type AggregateRow struct {
	window          Window
	transactionType string
	agentID         string
}

func (r AggregateRow) Save() (map[string]bigquery.Value, string, error) {
	root := r.window.Aggregates[r.transactionType]
	b, err := json.Marshal(root)
	if err != nil {
		return nil, "", err
	}
	var asyncTimers string
	if asyncRoot, ok := r.window.AsyncAggregates[r.transactionType]; ok {
		ab, err := json.Marshal(asyncRoot)
		if err != nil {
			return nil, "", err
		}
		asyncTimers = string(ab)
	}
	return map[string]bigquery.Value{
		"agent_id":         r.agentID,
		"async_timers":     asyncTimers,
		"count":            root.Count,
		"end":              r.window.End.Time(),
		"start":            r.window.Start.Time(),
		"timers":           string(b),
		"total_micros":     root.Micros,
		"transaction_type": r.transactionType,
	}, bigquery.NoDedupeID, nil
}

// BigQuerySink streams one row per transaction type and window.
type BigQuerySink struct {
	Inserter RowInserter
	AgentID  string
}

func (s *BigQuerySink) Write(ctx context.Context, w Window) error {
	rows := make([]*AggregateRow, 0, len(w.Aggregates))
	for t := range w.Aggregates {
		rows = append(rows, &AggregateRow{window: w, transactionType: t, agentID: s.AgentID})
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].transactionType < rows[j].transactionType
	})
	return s.Inserter.Put(ctx, rows)
}
