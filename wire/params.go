package wire

import (
	"errors"
	"fmt"

	sppb "cloud.google.com/go/spanner/apiv1/spannerpb"
	"google.golang.org/protobuf/types/known/structpb"
)

// EncodeParams encodes named query parameters.
// A type given in types wins over the type inferred from the value; parameters
// whose type can't be inferred (untyped nil) are sent without a type.
func EncodeParams(params map[string]any, types map[string]*sppb.Type) (*structpb.Struct, map[string]*sppb.Type, error) {
	if len(params) == 0 {
		return nil, nil, nil
	}

	fields := make(map[string]*structpb.Value, len(params))
	paramTypes := make(map[string]*sppb.Type, len(params))
	for name, v := range params {
		explicit := types[name]

		value, inferred, err := EncodeValue(v)
		switch {
		case errors.Is(err, ErrUntypedEmptyArray) && explicit != nil:
			// empty []any, also nested, is fine once the caller has named the type.
			value, _, err = encodeValue(v, true)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to encode parameter @%s: %w", name, err)
			}
		case err != nil:
			return nil, nil, fmt.Errorf("failed to encode parameter @%s: %w", name, err)
		}

		fields[name] = value
		switch {
		case explicit != nil:
			paramTypes[name] = explicit
		case inferred != nil:
			paramTypes[name] = inferred
		}
	}
	return &structpb.Struct{Fields: fields}, paramTypes, nil
}
