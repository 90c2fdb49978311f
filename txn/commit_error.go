package txn

import (
	"fmt"
	"regexp"
	"slices"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/apstndb/spanner-txcore/wire"
)

var jsonColumnErrorPattern = regexp.MustCompile(`Invalid value for column (.+) in table (.+): Expected JSON`)

// decorateCommitError explains a rejected JSON column value when a queued
// write to that column carries a Go slice, which is encoded as an ARRAY
// rather than a JSON array. Any other error is returned unchanged.
func decorateCommitError(err error, mutations []*Mutation) error {
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.FailedPrecondition {
		return err
	}
	m := jsonColumnErrorPattern.FindStringSubmatch(st.Message())
	if m == nil {
		return err
	}
	column, table := m[1], m[2]
	if !hasArrayValue(mutations, table, column) {
		return err
	}

	pb := st.Proto()
	pb.Message = fmt.Sprintf("%s\nThe value written to %s.%s is a Go slice, which is sent as an ARRAY. "+
		"Wrap it in spanner.NullJSON to write a JSON array.", pb.GetMessage(), table, column)
	return status.FromProto(pb).Err()
}

func hasArrayValue(mutations []*Mutation, table, column string) bool {
	for _, m := range mutations {
		if m.Op == OpDelete || m.Table != table {
			continue
		}
		i := slices.Index(m.Columns, column)
		if i < 0 {
			continue
		}
		for _, row := range m.Rows {
			if wire.IsArrayValue(row[i]) {
				return true
			}
		}
	}
	return false
}
