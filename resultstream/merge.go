package resultstream

import (
	"fmt"
	"slices"

	"google.golang.org/protobuf/types/known/structpb"
)

// mergeChunk joins a value split across two partial result sets.
// Strings are concatenated. Lists are concatenated, and when the last element
// of a and the first element of b are both mergeable they are merged recursively.
func mergeChunk(a, b *structpb.Value) (*structpb.Value, error) {
	switch ak := a.GetKind().(type) {
	case *structpb.Value_StringValue:
		bs, ok := b.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, fmt.Errorf("can't merge chunked string with %T", b.GetKind())
		}
		return structpb.NewStringValue(ak.StringValue + bs.StringValue), nil
	case *structpb.Value_ListValue:
		bl, ok := b.GetKind().(*structpb.Value_ListValue)
		if !ok {
			return nil, fmt.Errorf("can't merge chunked list with %T", b.GetKind())
		}
		merged, err := mergeLists(ak.ListValue.GetValues(), bl.ListValue.GetValues())
		if err != nil {
			return nil, err
		}
		return structpb.NewListValue(&structpb.ListValue{Values: merged}), nil
	default:
		return nil, fmt.Errorf("can't merge chunked value of kind %T", a.GetKind())
	}
}

func mergeLists(a, b []*structpb.Value) ([]*structpb.Value, error) {
	if len(a) == 0 {
		return b, nil
	}
	if len(b) == 0 {
		return a, nil
	}

	last := a[len(a)-1]
	if !isMergeable(last) {
		return slices.Concat(a, b), nil
	}

	merged, err := mergeChunk(last, b[0])
	if err != nil {
		return nil, err
	}
	return slices.Concat(a[:len(a)-1], []*structpb.Value{merged}, b[1:]), nil
}

func isMergeable(v *structpb.Value) bool {
	switch v.GetKind().(type) {
	case *structpb.Value_StringValue, *structpb.Value_ListValue:
		return true
	default:
		return false
	}
}
