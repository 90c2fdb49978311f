// Package wire maps native Go values, keys and read bounds to their Cloud Spanner wire form.
package wire

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"strconv"
	"time"

	"cloud.google.com/go/civil"
	"cloud.google.com/go/spanner"
	sppb "cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/go-json-experiment/json"
	"google.golang.org/protobuf/types/known/structpb"
)

// ErrUntypedEmptyArray is returned when the element type of an empty []any can't be inferred.
var ErrUntypedEmptyArray = errors.New("can't infer element type of empty array")

// UnsupportedValueError is returned for Go values which have no wire representation.
type UnsupportedValueError struct {
	Value any
}

func (e *UnsupportedValueError) Error() string {
	return fmt.Sprintf("unsupported value type %T", e.Value)
}

var (
	typeOfTime       = reflect.TypeFor[time.Time]()
	typeOfDate       = reflect.TypeFor[civil.Date]()
	typeOfRat        = reflect.TypeFor[big.Rat]()
	typeOfBytes      = reflect.TypeFor[[]byte]()
	typeOfNullJSON   = reflect.TypeFor[spanner.NullJSON]()
	typeOfGenericCol = reflect.TypeFor[spanner.GenericColumnValue]()
	typeOfEmptyIface = reflect.TypeFor[any]()
	nullValue        = structpb.NewNullValue()
)

func simpleType(code sppb.TypeCode) *sppb.Type {
	return &sppb.Type{Code: code}
}

func arrayType(elem *sppb.Type) *sppb.Type {
	return &sppb.Type{Code: sppb.TypeCode_ARRAY, ArrayElementType: elem}
}

// EncodeValue converts v into a wire value and the type inferred from its Go shape.
// The returned type is nil for an untyped nil, which the server resolves itself.
func EncodeValue(v any) (*structpb.Value, *sppb.Type, error) {
	return encodeValue(v, false)
}

// encodeValue encodes v. With allowUntyped, arrays whose element type can't be
// inferred are encoded without a type instead of failing with ErrUntypedEmptyArray.
func encodeValue(v any, allowUntyped bool) (*structpb.Value, *sppb.Type, error) {
	if v == nil {
		return nullValue, nil, nil
	}

	switch v := v.(type) {
	case spanner.GenericColumnValue:
		return v.Value, v.Type, nil
	case *spanner.GenericColumnValue:
		if v == nil {
			return nullValue, nil, nil
		}
		return v.Value, v.Type, nil
	case *structpb.Value:
		return v, nil, nil
	case bool:
		return structpb.NewBoolValue(v), simpleType(sppb.TypeCode_BOOL), nil
	case string:
		return structpb.NewStringValue(v), simpleType(sppb.TypeCode_STRING), nil
	case int:
		return int64Value(int64(v)), simpleType(sppb.TypeCode_INT64), nil
	case int8:
		return int64Value(int64(v)), simpleType(sppb.TypeCode_INT64), nil
	case int16:
		return int64Value(int64(v)), simpleType(sppb.TypeCode_INT64), nil
	case int32:
		return int64Value(int64(v)), simpleType(sppb.TypeCode_INT64), nil
	case int64:
		return int64Value(v), simpleType(sppb.TypeCode_INT64), nil
	case uint8:
		return int64Value(int64(v)), simpleType(sppb.TypeCode_INT64), nil
	case uint16:
		return int64Value(int64(v)), simpleType(sppb.TypeCode_INT64), nil
	case uint32:
		return int64Value(int64(v)), simpleType(sppb.TypeCode_INT64), nil
	case uint64:
		if v > math.MaxInt64 {
			return nil, nil, fmt.Errorf("value %d overflows INT64", v)
		}
		return int64Value(int64(v)), simpleType(sppb.TypeCode_INT64), nil
	case float64:
		return floatValue(v), simpleType(sppb.TypeCode_FLOAT64), nil
	case float32:
		return floatValue(float64(v)), simpleType(sppb.TypeCode_FLOAT32), nil
	case []byte:
		if v == nil {
			return nullValue, simpleType(sppb.TypeCode_BYTES), nil
		}
		return structpb.NewStringValue(base64.StdEncoding.EncodeToString(v)), simpleType(sppb.TypeCode_BYTES), nil
	case time.Time:
		return structpb.NewStringValue(v.UTC().Format(time.RFC3339Nano)), simpleType(sppb.TypeCode_TIMESTAMP), nil
	case civil.Date:
		return structpb.NewStringValue(v.String()), simpleType(sppb.TypeCode_DATE), nil
	case big.Rat:
		return structpb.NewStringValue(spanner.NumericString(&v)), simpleType(sppb.TypeCode_NUMERIC), nil
	case *big.Rat:
		if v == nil {
			return nullValue, simpleType(sppb.TypeCode_NUMERIC), nil
		}
		return structpb.NewStringValue(spanner.NumericString(v)), simpleType(sppb.TypeCode_NUMERIC), nil
	case spanner.NullJSON:
		return jsonValue(v)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer:
		if rv.IsNil() {
			typ, _ := typeOfGoType(rv.Type().Elem())
			return nullValue, typ, nil
		}
		return encodeValue(rv.Elem().Interface(), allowUntyped)
	case reflect.Slice, reflect.Array:
		return encodeList(rv, allowUntyped)
	default:
		return nil, nil, &UnsupportedValueError{Value: v}
	}
}

func encodeList(rv reflect.Value, allowUntyped bool) (*structpb.Value, *sppb.Type, error) {
	elemType, staticallyTyped := typeOfGoType(rv.Type().Elem())
	if rv.Kind() == reflect.Slice && rv.IsNil() {
		if !staticallyTyped {
			return nullValue, nil, nil
		}
		return nullValue, arrayType(elemType), nil
	}

	values := make([]*structpb.Value, 0, rv.Len())
	for i := range rv.Len() {
		ev, et, err := encodeValue(rv.Index(i).Interface(), allowUntyped)
		if err != nil {
			return nil, nil, fmt.Errorf("element %d: %w", i, err)
		}
		if !staticallyTyped && elemType == nil && et != nil {
			elemType = et
		}
		values = append(values, ev)
	}

	if elemType == nil {
		if allowUntyped {
			return structpb.NewListValue(&structpb.ListValue{Values: values}), nil, nil
		}
		return nil, nil, ErrUntypedEmptyArray
	}
	return structpb.NewListValue(&structpb.ListValue{Values: values}), arrayType(elemType), nil
}

// typeOfGoType infers the wire type of a static Go type.
// The second result is false when the element type depends on runtime values.
func typeOfGoType(t reflect.Type) (*sppb.Type, bool) {
	switch t {
	case typeOfTime:
		return simpleType(sppb.TypeCode_TIMESTAMP), true
	case typeOfDate:
		return simpleType(sppb.TypeCode_DATE), true
	case typeOfRat:
		return simpleType(sppb.TypeCode_NUMERIC), true
	case typeOfBytes:
		return simpleType(sppb.TypeCode_BYTES), true
	case typeOfNullJSON:
		return simpleType(sppb.TypeCode_JSON), true
	case typeOfGenericCol, typeOfEmptyIface:
		return nil, false
	}

	switch t.Kind() {
	case reflect.Bool:
		return simpleType(sppb.TypeCode_BOOL), true
	case reflect.String:
		return simpleType(sppb.TypeCode_STRING), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return simpleType(sppb.TypeCode_INT64), true
	case reflect.Float64:
		return simpleType(sppb.TypeCode_FLOAT64), true
	case reflect.Float32:
		return simpleType(sppb.TypeCode_FLOAT32), true
	case reflect.Pointer:
		return typeOfGoType(t.Elem())
	case reflect.Slice, reflect.Array:
		elem, ok := typeOfGoType(t.Elem())
		if !ok {
			return nil, false
		}
		return arrayType(elem), true
	default:
		return nil, false
	}
}

func int64Value(v int64) *structpb.Value {
	return structpb.NewStringValue(strconv.FormatInt(v, 10))
}

func floatValue(f float64) *structpb.Value {
	switch {
	case math.IsNaN(f):
		return structpb.NewStringValue("NaN")
	case math.IsInf(f, 1):
		return structpb.NewStringValue("Infinity")
	case math.IsInf(f, -1):
		return structpb.NewStringValue("-Infinity")
	default:
		return structpb.NewNumberValue(f)
	}
}

func jsonValue(v spanner.NullJSON) (*structpb.Value, *sppb.Type, error) {
	typ := simpleType(sppb.TypeCode_JSON)
	if !v.Valid {
		return nullValue, typ, nil
	}
	b, err := json.Marshal(v.Value)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal JSON value: %w", err)
	}
	return structpb.NewStringValue(string(b)), typ, nil
}

// IsArrayValue reports whether v is a Go slice or array other than []byte.
// GenericColumnValue of ARRAY type also counts.
func IsArrayValue(v any) bool {
	switch v := v.(type) {
	case nil, []byte:
		return false
	case spanner.GenericColumnValue:
		return v.Type.GetCode() == sppb.TypeCode_ARRAY
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer && !rv.IsNil() {
		rv = rv.Elem()
	}
	return rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array
}
