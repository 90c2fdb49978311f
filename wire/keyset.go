package wire

import (
	"fmt"

	sppb "cloud.google.com/go/spanner/apiv1/spannerpb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Key is a primary key or index key. Each element is a key column value.
type Key []any

// KeyRangeKind describes whether the boundaries of a KeyRange are included.
type KeyRangeKind int

const (
	// ClosedOpen is closed on the left and open on the right.
	ClosedOpen KeyRangeKind = iota
	// ClosedClosed is closed on both sides.
	ClosedClosed
	// OpenClosed is open on the left and closed on the right.
	OpenClosed
	// OpenOpen is open on both sides.
	OpenOpen
)

// KeyRange is a range of keys. Start and End may be key prefixes.
type KeyRange struct {
	Start, End Key
	Kind       KeyRangeKind
}

// EncodeKey encodes a single key as a list value.
func EncodeKey(k Key) (*structpb.ListValue, error) {
	values := make([]*structpb.Value, 0, len(k))
	for i, part := range k {
		v, _, err := EncodeValue(part)
		if err != nil {
			return nil, fmt.Errorf("key part %d: %w", i, err)
		}
		values = append(values, v)
	}
	return &structpb.ListValue{Values: values}, nil
}

// EncodeKeyRange encodes r with the boundaries chosen by r.Kind.
func EncodeKeyRange(r KeyRange) (*sppb.KeyRange, error) {
	start, err := EncodeKey(r.Start)
	if err != nil {
		return nil, fmt.Errorf("range start: %w", err)
	}
	end, err := EncodeKey(r.End)
	if err != nil {
		return nil, fmt.Errorf("range end: %w", err)
	}

	kr := &sppb.KeyRange{}
	switch r.Kind {
	case ClosedClosed, ClosedOpen:
		kr.StartKeyType = &sppb.KeyRange_StartClosed{StartClosed: start}
	default:
		kr.StartKeyType = &sppb.KeyRange_StartOpen{StartOpen: start}
	}
	switch r.Kind {
	case ClosedClosed, OpenClosed:
		kr.EndKeyType = &sppb.KeyRange_EndClosed{EndClosed: end}
	default:
		kr.EndKeyType = &sppb.KeyRange_EndOpen{EndOpen: end}
	}
	return kr, nil
}

// EncodeKeySet builds a key set from keys and ranges.
// An explicit key set is returned untouched, and a request naming neither
// keys nor ranges selects all rows.
func EncodeKeySet(keys []Key, ranges []KeyRange, explicit *sppb.KeySet) (*sppb.KeySet, error) {
	if explicit != nil {
		return explicit, nil
	}
	if len(keys) == 0 && len(ranges) == 0 {
		return &sppb.KeySet{All: true}, nil
	}

	ks := &sppb.KeySet{}
	for i, k := range keys {
		lv, err := EncodeKey(k)
		if err != nil {
			return nil, fmt.Errorf("key %d: %w", i, err)
		}
		ks.Keys = append(ks.Keys, lv)
	}
	for i, r := range ranges {
		kr, err := EncodeKeyRange(r)
		if err != nil {
			return nil, fmt.Errorf("range %d: %w", i, err)
		}
		ks.Ranges = append(ks.Ranges, kr)
	}
	return ks, nil
}
