package main

import (
	"fmt"

	"github.com/apstndb/memebridge"
	"github.com/apstndb/spanvalue/gcvctor"
	"github.com/cloudspannerecosystem/memefish"
)

// parseParams converts --param values into query parameters.
// A value is either a literal expression, or a type which binds a typed NULL.
func parseParams(raw map[string]string) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	result := make(map[string]any, len(raw))
	for k, v := range raw {
		if typ, err := memefish.ParseType("", v); err == nil {
			pbType, err := memebridge.MemefishTypeToSpannerpbType(typ)
			if err != nil {
				return nil, fmt.Errorf("error on parsing --param=%v=%v, err: %w", k, v, err)
			}
			result[k] = gcvctor.TypedNull(pbType)
			continue
		}

		// ignore ParseType error
		expr, err := memefish.ParseExpr("", v)
		if err != nil {
			return nil, fmt.Errorf("error on parsing --param=%v=%v, err: %w", k, v, err)
		}

		gcv, err := memebridge.MemefishExprToGCV(expr)
		if err != nil {
			return nil, fmt.Errorf("error on parsing --param=%v=%v, err: %w", k, v, err)
		}
		result[k] = gcv
	}
	return result, nil
}
