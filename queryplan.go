package main

import (
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	sppb "cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/apstndb/lox"
	"github.com/apstndb/spannerplan"
	"github.com/apstndb/spannerplan/plantree"
	"github.com/apstndb/spannerplan/stats"
	"github.com/ngicks/go-iterator-helper/hiter"
	"github.com/ngicks/go-iterator-helper/x/exp/xiter"
)

var queryPlanHeader = []string{"ID", "Query_Execution_Plan", "Rows_Returned", "Executions", "Total_Latency"}

// processPlan renders the plan nodes as table rows with execution stats, and the predicates of each node.
func processPlan(plan *sppb.QueryPlan) (rows [][]string, predicates []string, err error) {
	qp, err := spannerplan.New(plan.GetPlanNodes())
	if err != nil {
		return nil, nil, err
	}

	rowsWithPredicates, err := plantree.ProcessPlan(qp)
	if err != nil {
		return nil, nil, err
	}

	maxIDLength := hiter.Max(xiter.Map(func(row plantree.RowWithPredicates) int {
		return len(strconv.Itoa(int(row.ID)))
	}, slices.Values(rowsWithPredicates)))

	for _, row := range rowsWithPredicates {
		rows = append(rows, []string{
			lox.IfOrEmpty(len(row.Predicates) > 0, "*") + strconv.Itoa(int(row.ID)),
			row.TreePart + row.NodeText,
			row.ExecutionStats.Rows.Total,
			row.ExecutionStats.ExecutionSummary.NumExecutions,
			formatExecutionStatsValue(row.ExecutionStats.Latency),
		})

		for i, predicate := range row.Predicates {
			prefix := strings.Repeat(" ", maxIDLength+1)
			if i == 0 {
				prefix = fmt.Sprintf("%*d:", maxIDLength, row.ID)
			}
			predicates = append(predicates, prefix+" "+predicate)
		}
	}
	return rows, predicates, nil
}

func formatExecutionStatsValue(v stats.ExecutionStatsValue) string {
	return strings.TrimSpace(v.Total + " " + v.Unit)
}

// printQueryPlan writes the plan returned by a PROFILE query, followed by its predicates.
func printQueryPlan(w io.Writer, plan *sppb.QueryPlan, tab bool) error {
	rows, predicates, err := processPlan(plan)
	if err != nil {
		return err
	}

	if tab {
		err = printTabData(w, queryPlanHeader, rows)
	} else {
		err = printTableData(w, queryPlanHeader, rows)
	}
	if err != nil {
		return err
	}

	if len(predicates) == 0 {
		return nil
	}
	if _, err := fmt.Fprintln(w, "Predicates(identified by ID):"); err != nil {
		return err
	}
	for _, predicate := range predicates {
		if _, err := fmt.Fprintf(w, " %s\n", predicate); err != nil {
			return err
		}
	}
	return nil
}
