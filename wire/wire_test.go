package wire

import (
	"math"
	"math/big"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"cloud.google.com/go/spanner"
	sppb "cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/apstndb/spanvalue/gcvctor"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/testing/protocmp"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

func typeOf(code sppb.TypeCode) *sppb.Type { return &sppb.Type{Code: code} }

func listOf(values ...*structpb.Value) *structpb.Value {
	return structpb.NewListValue(&structpb.ListValue{Values: values})
}

func TestEncodeValue(t *testing.T) {
	t.Parallel()
	ts := time.Date(2024, 1, 2, 3, 4, 5, 6, time.FixedZone("JST", 9*60*60))
	tests := []struct {
		desc      string
		value     any
		wantValue *structpb.Value
		wantType  *sppb.Type
	}{
		{"untyped nil", nil, structpb.NewNullValue(), nil},
		{"bool", true, structpb.NewBoolValue(true), typeOf(sppb.TypeCode_BOOL)},
		{"string", "foo", structpb.NewStringValue("foo"), typeOf(sppb.TypeCode_STRING)},
		{"int", 42, structpb.NewStringValue("42"), typeOf(sppb.TypeCode_INT64)},
		{"int64 min", int64(math.MinInt64), structpb.NewStringValue("-9223372036854775808"), typeOf(sppb.TypeCode_INT64)},
		{"float64", 1.5, structpb.NewNumberValue(1.5), typeOf(sppb.TypeCode_FLOAT64)},
		{"float64 NaN", math.NaN(), structpb.NewStringValue("NaN"), typeOf(sppb.TypeCode_FLOAT64)},
		{"float64 -Inf", math.Inf(-1), structpb.NewStringValue("-Infinity"), typeOf(sppb.TypeCode_FLOAT64)},
		{"float32", float32(0.5), structpb.NewNumberValue(0.5), typeOf(sppb.TypeCode_FLOAT32)},
		{"bytes", []byte("abc"), structpb.NewStringValue("YWJj"), typeOf(sppb.TypeCode_BYTES)},
		{"timestamp", ts, structpb.NewStringValue("2024-01-01T18:04:05.000000006Z"), typeOf(sppb.TypeCode_TIMESTAMP)},
		{"date", civil.Date{Year: 2024, Month: 2, Day: 29}, structpb.NewStringValue("2024-02-29"), typeOf(sppb.TypeCode_DATE)},
		{"numeric", big.NewRat(3, 2), structpb.NewStringValue("1.500000000"), typeOf(sppb.TypeCode_NUMERIC)},
		{"json", spanner.NullJSON{Value: map[string]any{"a": 1}, Valid: true}, structpb.NewStringValue(`{"a":1}`), typeOf(sppb.TypeCode_JSON)},
		{"null json", spanner.NullJSON{}, structpb.NewNullValue(), typeOf(sppb.TypeCode_JSON)},
		{"nil *string", (*string)(nil), structpb.NewNullValue(), typeOf(sppb.TypeCode_STRING)},
		{
			"int64 array",
			[]int64{1, 2},
			listOf(structpb.NewStringValue("1"), structpb.NewStringValue("2")),
			&sppb.Type{Code: sppb.TypeCode_ARRAY, ArrayElementType: typeOf(sppb.TypeCode_INT64)},
		},
		{
			"nil string array",
			[]string(nil),
			structpb.NewNullValue(),
			&sppb.Type{Code: sppb.TypeCode_ARRAY, ArrayElementType: typeOf(sppb.TypeCode_STRING)},
		},
		{
			"any array inferred from elements",
			[]any{nil, "x"},
			listOf(structpb.NewNullValue(), structpb.NewStringValue("x")),
			&sppb.Type{Code: sppb.TypeCode_ARRAY, ArrayElementType: typeOf(sppb.TypeCode_STRING)},
		},
		{
			"generic column value passes through",
			gcvctor.TypedNull(typeOf(sppb.TypeCode_NUMERIC)),
			structpb.NewNullValue(),
			typeOf(sppb.TypeCode_NUMERIC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			t.Parallel()
			gotValue, gotType, err := EncodeValue(tt.value)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.wantValue, gotValue, protocmp.Transform()); diff != "" {
				t.Errorf("value mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantType, gotType, protocmp.Transform()); diff != "" {
				t.Errorf("type mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEncodeValue_Errors(t *testing.T) {
	t.Parallel()

	_, _, err := EncodeValue([]any{})
	assert.ErrorIs(t, err, ErrUntypedEmptyArray)

	_, _, err = EncodeValue(uint64(math.MaxUint64))
	assert.Error(t, err)

	_, _, err = EncodeValue(map[string]any{"a": 1})
	var unsupported *UnsupportedValueError
	assert.ErrorAs(t, err, &unsupported)
}

func TestIsArrayValue(t *testing.T) {
	t.Parallel()
	tests := []struct {
		value any
		want  bool
	}{
		{nil, false},
		{"x", false},
		{[]byte("x"), false},
		{[]any{map[string]any{"k": "v"}}, true},
		{[2]int{1, 2}, true},
		{&[]string{"a"}, true},
		{gcvctor.TypedNull(&sppb.Type{Code: sppb.TypeCode_ARRAY, ArrayElementType: typeOf(sppb.TypeCode_JSON)}), true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsArrayValue(tt.value), "IsArrayValue(%#v)", tt.value)
	}
}

func TestEncodeKeySet(t *testing.T) {
	t.Parallel()
	explicit := &sppb.KeySet{Keys: []*structpb.ListValue{{Values: []*structpb.Value{structpb.NewStringValue("k")}}}}

	tests := []struct {
		desc     string
		keys     []Key
		ranges   []KeyRange
		explicit *sppb.KeySet
		want     *sppb.KeySet
	}{
		{
			desc: "neither keys nor ranges selects all rows",
			want: &sppb.KeySet{All: true},
		},
		{
			desc:     "explicit key set is untouched",
			keys:     []Key{{1}},
			explicit: explicit,
			want:     explicit,
		},
		{
			desc: "composite keys",
			keys: []Key{{int64(1), "a"}, {int64(2), "b"}},
			want: &sppb.KeySet{Keys: []*structpb.ListValue{
				{Values: []*structpb.Value{structpb.NewStringValue("1"), structpb.NewStringValue("a")}},
				{Values: []*structpb.Value{structpb.NewStringValue("2"), structpb.NewStringValue("b")}},
			}},
		},
		{
			desc:   "ranges",
			ranges: []KeyRange{{Start: Key{1}, End: Key{5}, Kind: OpenClosed}},
			want: &sppb.KeySet{Ranges: []*sppb.KeyRange{{
				StartKeyType: &sppb.KeyRange_StartOpen{StartOpen: &structpb.ListValue{Values: []*structpb.Value{structpb.NewStringValue("1")}}},
				EndKeyType:   &sppb.KeyRange_EndClosed{EndClosed: &structpb.ListValue{Values: []*structpb.Value{structpb.NewStringValue("5")}}},
			}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			t.Parallel()
			got, err := EncodeKeySet(tt.keys, tt.ranges, tt.explicit)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got, protocmp.Transform()); diff != "" {
				t.Errorf("EncodeKeySet() mismatch (-want +got):\n%s", diff)
			}
			if tt.explicit != nil && got != tt.explicit {
				t.Errorf("EncodeKeySet() returned a copy of the explicit key set")
			}
		})
	}
}

func TestEncodeTimestampBounds(t *testing.T) {
	t.Parallel()
	ts := time.Unix(1700000000, 0).UTC()

	tests := []struct {
		desc                string
		bound               TimestampBound
		returnReadTimestamp bool
		want                *sppb.TransactionOptions_ReadOnly
	}{
		{
			desc:                "zero value is strong",
			returnReadTimestamp: true,
			want: &sppb.TransactionOptions_ReadOnly{
				TimestampBound:      &sppb.TransactionOptions_ReadOnly_Strong{Strong: true},
				ReturnReadTimestamp: true,
			},
		},
		{
			desc:  "read timestamp",
			bound: ReadTimestamp(ts),
			want: &sppb.TransactionOptions_ReadOnly{
				TimestampBound: &sppb.TransactionOptions_ReadOnly_ReadTimestamp{ReadTimestamp: timestamppb.New(ts)},
			},
		},
		{
			desc:                "min read timestamp",
			bound:               MinReadTimestamp(ts),
			returnReadTimestamp: true,
			want: &sppb.TransactionOptions_ReadOnly{
				TimestampBound:      &sppb.TransactionOptions_ReadOnly_MinReadTimestamp{MinReadTimestamp: timestamppb.New(ts)},
				ReturnReadTimestamp: true,
			},
		},
		{
			desc:                "max staleness",
			bound:               MaxStaleness(10 * time.Second),
			returnReadTimestamp: true,
			want: &sppb.TransactionOptions_ReadOnly{
				TimestampBound:      &sppb.TransactionOptions_ReadOnly_MaxStaleness{MaxStaleness: durationpb.New(10 * time.Second)},
				ReturnReadTimestamp: true,
			},
		},
		{
			desc:                "exact staleness",
			bound:               ExactStaleness(1500 * time.Millisecond),
			returnReadTimestamp: true,
			want: &sppb.TransactionOptions_ReadOnly{
				TimestampBound:      &sppb.TransactionOptions_ReadOnly_ExactStaleness{ExactStaleness: durationpb.New(1500 * time.Millisecond)},
				ReturnReadTimestamp: true,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			t.Parallel()
			got := EncodeTimestampBounds(tt.bound, tt.returnReadTimestamp)
			if diff := cmp.Diff(tt.want, got, protocmp.Transform()); diff != "" {
				t.Errorf("EncodeTimestampBounds() mismatch (-want +got):\n%s", diff)
			}
		})
	}

	assert.True(t, MaxStaleness(time.Second).SingleUseOnly())
	assert.False(t, ExactStaleness(time.Second).SingleUseOnly())
}

func TestEncodeParams(t *testing.T) {
	t.Parallel()

	t.Run("no params", func(t *testing.T) {
		t.Parallel()
		params, types, err := EncodeParams(nil, nil)
		require.NoError(t, err)
		assert.Nil(t, params)
		assert.Nil(t, types)
	})

	t.Run("inferred and explicit types", func(t *testing.T) {
		t.Parallel()
		jsonType := typeOf(sppb.TypeCode_JSON)
		arrayOfString := &sppb.Type{Code: sppb.TypeCode_ARRAY, ArrayElementType: typeOf(sppb.TypeCode_STRING)}
		params, types, err := EncodeParams(
			map[string]any{
				"id":      int64(1),
				"doc":     `{"a":1}`,
				"missing": nil,
				"tags":    []any{},
			},
			map[string]*sppb.Type{
				"doc":  jsonType,
				"tags": arrayOfString,
			},
		)
		require.NoError(t, err)

		wantParams := &structpb.Struct{Fields: map[string]*structpb.Value{
			"id":      structpb.NewStringValue("1"),
			"doc":     structpb.NewStringValue(`{"a":1}`),
			"missing": structpb.NewNullValue(),
			"tags":    listOf(),
		}}
		wantTypes := map[string]*sppb.Type{
			"id":   typeOf(sppb.TypeCode_INT64),
			"doc":  jsonType,
			"tags": arrayOfString,
		}
		if diff := cmp.Diff(wantParams, params, protocmp.Transform()); diff != "" {
			t.Errorf("params mismatch (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff(wantTypes, types, protocmp.Transform()); diff != "" {
			t.Errorf("types mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("nested empty array with explicit type", func(t *testing.T) {
		t.Parallel()
		arrayOfArray := &sppb.Type{Code: sppb.TypeCode_ARRAY, ArrayElementType: &sppb.Type{
			Code: sppb.TypeCode_ARRAY, ArrayElementType: typeOf(sppb.TypeCode_STRING),
		}}
		params, types, err := EncodeParams(
			map[string]any{"nested": []any{[]any{}, []any{"x"}}},
			map[string]*sppb.Type{"nested": arrayOfArray},
		)
		require.NoError(t, err)

		want := listOf(listOf(), listOf(structpb.NewStringValue("x")))
		if diff := cmp.Diff(want, params.GetFields()["nested"], protocmp.Transform()); diff != "" {
			t.Errorf("params mismatch (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff(arrayOfArray, types["nested"], protocmp.Transform()); diff != "" {
			t.Errorf("types mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("nested empty array without type", func(t *testing.T) {
		t.Parallel()
		_, _, err := EncodeParams(map[string]any{"nested": []any{[]any{}}}, nil)
		assert.ErrorIs(t, err, ErrUntypedEmptyArray)
	})

	t.Run("unencodable value", func(t *testing.T) {
		t.Parallel()
		_, _, err := EncodeParams(map[string]any{"p": struct{}{}}, nil)
		assert.ErrorContains(t, err, "@p")
	})
}
