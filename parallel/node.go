package parallel

import (
	"context"

	"github.com/dshills/stategraph-go/graph"
)

// TaskBuilder derives the task bag for one node execution from the current
// workflow state.
type TaskBuilder func(state graph.State) []Task

// NodeHandler adapts an Executor run into a graph node handler. The settled
// results are written to resultsField (declare it Append so fan-out layers
// accumulate) and the aggregate statistics to statsField (declare it
// Overwrite); pass an empty field name to skip either.
func NodeHandler(exec *Executor, build TaskBuilder, resultsField, statsField string) graph.Handler {
	return func(ctx context.Context, state graph.State) (graph.State, error) {
		report, err := exec.Execute(ctx, build(state))
		if err != nil {
			return nil, err
		}

		delta := graph.State{}
		if resultsField != "" {
			results := make([]any, len(report.Results))
			for i, res := range report.Results {
				results[i] = res
			}
			delta[resultsField] = results
		}
		if statsField != "" {
			delta[statsField] = report.Stats
		}
		return delta, nil
	}
}
