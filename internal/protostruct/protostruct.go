// Copyright 2017 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package protostruct converts google.protobuf.Struct and Value messages to plain Go values.
package protostruct

import (
	"fmt"

	pb "google.golang.org/protobuf/types/known/structpb"
)

// DecodeToMap converts s to a map from strings to Go values. A nil s is decoded to nil.
func DecodeToMap(s *pb.Struct) (map[string]any, error) {
	if s == nil {
		return nil, nil
	}
	m := make(map[string]any, len(s.GetFields()))
	for k, v := range s.GetFields() {
		decoded, err := DecodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		m[k] = decoded
	}
	return m, nil
}

// DecodeValue converts v to nil, float64, string, bool, map[string]any or []any.
func DecodeValue(v *pb.Value) (any, error) {
	switch k := v.GetKind().(type) {
	case *pb.Value_NullValue:
		return nil, nil
	case *pb.Value_NumberValue:
		return k.NumberValue, nil
	case *pb.Value_StringValue:
		return k.StringValue, nil
	case *pb.Value_BoolValue:
		return k.BoolValue, nil
	case *pb.Value_StructValue:
		return DecodeToMap(k.StructValue)
	case *pb.Value_ListValue:
		s := make([]any, len(k.ListValue.GetValues()))
		for i, e := range k.ListValue.GetValues() {
			decoded, err := DecodeValue(e)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			s[i] = decoded
		}
		return s, nil
	default:
		return nil, fmt.Errorf("protostruct: unknown kind %T", k)
	}
}
