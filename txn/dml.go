package txn

import (
	"context"
	"errors"
	"fmt"

	sppb "cloud.google.com/go/spanner/apiv1/spannerpb"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/apstndb/spanner-txcore/wire"
)

var errNotBegun = errors.New("partitioned DML transaction has not begun")

func encodeStatementParams(stmt Statement) (*structpb.Struct, map[string]*sppb.Type, error) {
	params, types, err := wire.EncodeParams(stmt.Params, stmt.ParamTypes)
	if err != nil {
		return nil, nil, fmt.Errorf("statement %q: %w", stmt.SQL, err)
	}
	return params, types, nil
}

func encodeReadKeySet(rr ReadRequest) (*sppb.KeySet, error) {
	keySet, err := wire.EncodeKeySet(rr.Keys, rr.Ranges, rr.KeySet)
	if err != nil {
		return nil, fmt.Errorf("read from %s: %w", rr.Table, err)
	}
	return keySet, nil
}

// batchUpdate runs statements with one ExecuteBatchDml call.
// On a partial failure it returns the counts of the statements that succeeded together with a *BatchUpdateError.
func (s *state) batchUpdate(ctx context.Context, stmts []Statement) ([]int64, error) {
	if len(stmts) == 0 {
		return []int64{}, &BatchUpdateError{RowCounts: []int64{}, Err: ErrNoStatements}
	}

	pbStmts := make([]*sppb.ExecuteBatchDmlRequest_Statement, 0, len(stmts))
	for _, stmt := range stmts {
		params, paramTypes, err := encodeStatementParams(stmt)
		if err != nil {
			return nil, err
		}
		pbStmts = append(pbStmts, &sppb.ExecuteBatchDmlRequest_Statement{Sql: stmt.SQL, Params: params, ParamTypes: paramTypes})
	}

	sel, inline, err := s.acquireSelector(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := s.tr.ExecuteBatchDml(s.rpcContext(ctx), &sppb.ExecuteBatchDmlRequest{
		Session:        s.session.Name,
		Transaction:    sel,
		Statements:     pbStmts,
		Seqno:          s.nextSeqno(),
		RequestOptions: s.requestOptions(stmts[0].Priority, stmts[0].RequestTag),
	})
	if inline {
		var tx *sppb.Transaction
		if len(resp.GetResultSets()) > 0 {
			tx = resp.GetResultSets()[0].GetMetadata().GetTransaction()
		}
		s.finishInlineBegin(tx)
	}
	s.observe(err)
	if err != nil {
		return nil, err
	}
	s.updatePrecommit(resp.GetPrecommitToken())

	counts := make([]int64, 0, len(resp.GetResultSets()))
	for _, rs := range resp.GetResultSets() {
		counts = append(counts, rowCount(rs.GetStats()))
	}

	if st := resp.GetStatus(); st != nil && codes.Code(st.GetCode()) != codes.OK {
		s.logger.Debug("batch DML failed partway",
			zap.Int("succeeded", len(counts)),
			zap.Int("statements", len(stmts)))
		return counts, &BatchUpdateError{RowCounts: counts, Err: status.ErrorProto(st)}
	}
	return counts, nil
}
