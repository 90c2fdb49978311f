package wire

import (
	"fmt"
	"time"

	sppb "cloud.google.com/go/spanner/apiv1/spannerpb"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

type boundMode int

const (
	boundStrong boundMode = iota
	boundReadTimestamp
	boundMinReadTimestamp
	boundMaxStaleness
	boundExactStaleness
)

// TimestampBound selects the read timestamp of a read-only transaction.
// The zero value is a strong read.
type TimestampBound struct {
	mode boundMode
	t    time.Time
	d    time.Duration
}

// StrongRead reads the latest committed data.
func StrongRead() TimestampBound { return TimestampBound{mode: boundStrong} }

// ReadTimestamp reads at exactly t.
func ReadTimestamp(t time.Time) TimestampBound {
	return TimestampBound{mode: boundReadTimestamp, t: t}
}

// MinReadTimestamp reads at a timestamp no older than t. Single-use only.
func MinReadTimestamp(t time.Time) TimestampBound {
	return TimestampBound{mode: boundMinReadTimestamp, t: t}
}

// MaxStaleness reads data at most d old. Single-use only.
func MaxStaleness(d time.Duration) TimestampBound {
	return TimestampBound{mode: boundMaxStaleness, d: d}
}

// ExactStaleness reads data exactly d old.
func ExactStaleness(d time.Duration) TimestampBound {
	return TimestampBound{mode: boundExactStaleness, d: d}
}

// SingleUseOnly reports whether the bound is only valid for single-use transactions.
func (tb TimestampBound) SingleUseOnly() bool {
	return tb.mode == boundMinReadTimestamp || tb.mode == boundMaxStaleness
}

func (tb TimestampBound) String() string {
	switch tb.mode {
	case boundReadTimestamp:
		return fmt.Sprintf("(read_timestamp: %s)", tb.t.Format(time.RFC3339Nano))
	case boundMinReadTimestamp:
		return fmt.Sprintf("(min_read_timestamp: %s)", tb.t.Format(time.RFC3339Nano))
	case boundMaxStaleness:
		return fmt.Sprintf("(max_staleness: %s)", tb.d)
	case boundExactStaleness:
		return fmt.Sprintf("(exact_staleness: %s)", tb.d)
	default:
		return "(strong)"
	}
}

// EncodeTimestampBounds encodes tb as read-only transaction options.
func EncodeTimestampBounds(tb TimestampBound, returnReadTimestamp bool) *sppb.TransactionOptions_ReadOnly {
	ro := &sppb.TransactionOptions_ReadOnly{ReturnReadTimestamp: returnReadTimestamp}
	switch tb.mode {
	case boundReadTimestamp:
		ro.TimestampBound = &sppb.TransactionOptions_ReadOnly_ReadTimestamp{ReadTimestamp: timestamppb.New(tb.t)}
	case boundMinReadTimestamp:
		ro.TimestampBound = &sppb.TransactionOptions_ReadOnly_MinReadTimestamp{MinReadTimestamp: timestamppb.New(tb.t)}
	case boundMaxStaleness:
		ro.TimestampBound = &sppb.TransactionOptions_ReadOnly_MaxStaleness{MaxStaleness: durationpb.New(tb.d)}
	case boundExactStaleness:
		ro.TimestampBound = &sppb.TransactionOptions_ReadOnly_ExactStaleness{ExactStaleness: durationpb.New(tb.d)}
	default:
		ro.TimestampBound = &sppb.TransactionOptions_ReadOnly_Strong{Strong: true}
	}
	return ro
}
