package txn

import (
	"fmt"
	"maps"
	"slices"

	sppb "cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/samber/lo"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/apstndb/spanner-txcore/wire"
)

// Op is the kind of a mutation.
type Op int

const (
	OpInsert Op = iota
	OpUpdate
	OpInsertOrUpdate
	OpReplace
	OpDelete
)

func (op Op) String() string {
	switch op {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpInsertOrUpdate:
		return "insertOrUpdate"
	case OpReplace:
		return "replace"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("Op(%d)", int(op))
	}
}

// Mutation is one queued write or delete.
type Mutation struct {
	Op    Op
	Table string

	// Columns and Rows are set for writes. Each row has one value per column.
	Columns []string
	Rows    [][]any

	// Keys, Ranges and KeySet are set for deletes.
	Keys   []wire.Key
	Ranges []wire.KeyRange
	KeySet *sppb.KeySet
}

// KeySetSpec selects the rows of a delete. An empty spec deletes all rows.
type KeySetSpec struct {
	Keys   []wire.Key
	Ranges []wire.KeyRange
	KeySet *sppb.KeySet
}

// newWriteMutation builds a write from row maps. The columns are the sorted
// keys of the first row, and every other row must have exactly those keys.
func newWriteMutation(op Op, table string, rows []map[string]any) (*Mutation, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s into %s: %w", op, table, ErrNoRows)
	}

	columns := slices.Sorted(maps.Keys(rows[0]))
	values := make([][]any, 0, len(rows))
	for i, row := range rows {
		missing := lo.Filter(columns, func(c string, _ int) bool {
			_, ok := row[c]
			return !ok
		})
		unexpected := lo.Filter(slices.Sorted(maps.Keys(row)), func(c string, _ int) bool {
			_, ok := rows[0][c]
			return !ok
		})
		if len(missing) > 0 || len(unexpected) > 0 {
			return nil, &MissingColumnsError{Table: table, Index: i, Missing: missing, Unexpected: unexpected}
		}

		values = append(values, lo.Map(columns, func(c string, _ int) any { return row[c] }))
	}
	return &Mutation{Op: op, Table: table, Columns: columns, Rows: values}, nil
}

func (m *Mutation) isInsert() bool {
	return m.Op == OpInsert
}

// Proto encodes the mutation.
func (m *Mutation) Proto() (*sppb.Mutation, error) {
	if m.Op == OpDelete {
		keySet, err := wire.EncodeKeySet(m.Keys, m.Ranges, m.KeySet)
		if err != nil {
			return nil, fmt.Errorf("delete from %s: %w", m.Table, err)
		}
		return &sppb.Mutation{Operation: &sppb.Mutation_Delete_{Delete: &sppb.Mutation_Delete{Table: m.Table, KeySet: keySet}}}, nil
	}

	write := &sppb.Mutation_Write{Table: m.Table, Columns: m.Columns}
	for i, row := range m.Rows {
		lv := &structpb.ListValue{Values: make([]*structpb.Value, 0, len(row))}
		for j, v := range row {
			value, _, err := wire.EncodeValue(v)
			if err != nil {
				return nil, fmt.Errorf("%s into %s: row %d column %s: %w", m.Op, m.Table, i, m.Columns[j], err)
			}
			lv.Values = append(lv.Values, value)
		}
		write.Values = append(write.Values, lv)
	}

	switch m.Op {
	case OpInsert:
		return &sppb.Mutation{Operation: &sppb.Mutation_Insert{Insert: write}}, nil
	case OpUpdate:
		return &sppb.Mutation{Operation: &sppb.Mutation_Update{Update: write}}, nil
	case OpInsertOrUpdate:
		return &sppb.Mutation{Operation: &sppb.Mutation_InsertOrUpdate{InsertOrUpdate: write}}, nil
	case OpReplace:
		return &sppb.Mutation{Operation: &sppb.Mutation_Replace{Replace: write}}, nil
	default:
		return nil, fmt.Errorf("unknown mutation op %v", m.Op)
	}
}

func encodeMutations(mutations []*Mutation) ([]*sppb.Mutation, error) {
	result := make([]*sppb.Mutation, 0, len(mutations))
	for _, m := range mutations {
		pb, err := m.Proto()
		if err != nil {
			return nil, err
		}
		result = append(result, pb)
	}
	return result, nil
}

// selectMutationKey picks the mutation anchoring a multiplexed read-write transaction.
// The first non-insert mutation wins; among inserts only, the one with the most rows.
func selectMutationKey(mutations []*Mutation) *Mutation {
	if len(mutations) == 0 {
		return nil
	}
	if m, ok := lo.Find(mutations, func(m *Mutation) bool { return !m.isInsert() }); ok {
		return m
	}
	return lo.MaxBy(mutations, func(a, b *Mutation) bool { return len(a.Rows) > len(b.Rows) })
}
