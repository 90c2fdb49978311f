package main

import (
	"bytes"
	"testing"

	sppb "cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/MakeNowJust/heredoc/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
)

func mustNewStruct(m map[string]any) *structpb.Struct {
	s, err := structpb.NewStruct(m)
	if err != nil {
		panic(err)
	}
	return s
}

func executionStats() *structpb.Struct {
	return mustNewStruct(map[string]any{
		"latency":           map[string]any{"total": "1", "unit": "msec"},
		"rows":              map[string]any{"total": "9"},
		"execution_summary": map[string]any{"num_executions": "1"},
	})
}

var profiledPlan = &sppb.QueryPlan{
	PlanNodes: []*sppb.PlanNode{
		{
			Index:          0,
			ChildLinks:     []*sppb.PlanNode_ChildLink{{ChildIndex: 1}},
			DisplayName:    "Distributed Union",
			Kind:           sppb.PlanNode_RELATIONAL,
			ExecutionStats: executionStats(),
		},
		{
			Index:          1,
			ChildLinks:     []*sppb.PlanNode_ChildLink{{ChildIndex: 2}},
			DisplayName:    "Distributed Union",
			Kind:           sppb.PlanNode_RELATIONAL,
			Metadata:       mustNewStruct(map[string]any{"call_type": "Local"}),
			ExecutionStats: executionStats(),
		},
		{
			Index:          2,
			ChildLinks:     []*sppb.PlanNode_ChildLink{{ChildIndex: 3}},
			DisplayName:    "Serialize Result",
			Kind:           sppb.PlanNode_RELATIONAL,
			ExecutionStats: executionStats(),
		},
		{
			Index:          3,
			DisplayName:    "Scan",
			Kind:           sppb.PlanNode_RELATIONAL,
			Metadata:       mustNewStruct(map[string]any{"scan_type": "IndexScan", "scan_target": "SongsBySingerAlbumSongNameDesc", "Full scan": "true"}),
			ExecutionStats: executionStats(),
		},
	},
}

func TestProcessPlan(t *testing.T) {
	t.Parallel()
	rows, predicates, err := processPlan(profiledPlan)
	require.NoError(t, err)
	assert.Empty(t, predicates)

	want := [][]string{
		{"0", "Distributed Union", "9", "1", "1 msec"},
		{"1", "+- Local Distributed Union", "9", "1", "1 msec"},
		{"2", "   +- Serialize Result", "9", "1", "1 msec"},
		{"3", "      +- Index Scan (Full scan: true, Index: SongsBySingerAlbumSongNameDesc)", "9", "1", "1 msec"},
	}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Errorf("processPlan() mismatch (-want +got):\n%s", diff)
	}
}

func TestProcessPlan_Predicates(t *testing.T) {
	t.Parallel()
	plan := &sppb.QueryPlan{
		PlanNodes: []*sppb.PlanNode{
			{
				Index: 0,
				ChildLinks: []*sppb.PlanNode_ChildLink{
					{ChildIndex: 1},
					{ChildIndex: 2, Type: "Condition"},
				},
				DisplayName: "Filter",
				Kind:        sppb.PlanNode_RELATIONAL,
			},
			{
				Index:       1,
				DisplayName: "Unit Relation",
				Kind:        sppb.PlanNode_RELATIONAL,
			},
			{
				Index:               2,
				DisplayName:         "Function",
				Kind:                sppb.PlanNode_SCALAR,
				ShortRepresentation: &sppb.PlanNode_ShortRepresentation{Description: "($x > 1)"},
			},
		},
	}

	rows, predicates, err := processPlan(plan)
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	assert.Equal(t, "*0", rows[0][0])
	require.Len(t, predicates, 1)
	assert.Contains(t, predicates[0], "0:")
	assert.Contains(t, predicates[0], "($x > 1)")
}

func TestPrintQueryPlan(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	require.NoError(t, printQueryPlan(&buf, profiledPlan, true))
	want := heredoc.Doc(`
		ID	Query_Execution_Plan	Rows_Returned	Executions	Total_Latency
		0	Distributed Union	9	1	1 msec
		1	+- Local Distributed Union	9	1	1 msec
		2	   +- Serialize Result	9	1	1 msec
		3	      +- Index Scan (Full scan: true, Index: SongsBySingerAlbumSongNameDesc)	9	1	1 msec
	`)
	assert.Equal(t, want, buf.String())

	buf.Reset()
	require.NoError(t, printQueryPlan(&buf, profiledPlan, false))
	assert.Contains(t, buf.String(), "| ID | Query_Execution_Plan")
	assert.Contains(t, buf.String(), "| 3  |       +- Index Scan")
}
