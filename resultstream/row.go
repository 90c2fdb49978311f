package resultstream

import (
	"fmt"

	"cloud.google.com/go/spanner"
	sppb "cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/samber/lo"
	"google.golang.org/protobuf/types/known/structpb"
)

// Row is one assembled row of a result set.
// Decoding into Go types is left to spanner.GenericColumnValue.Decode.
type Row struct {
	fields []*sppb.StructType_Field
	values []*structpb.Value
}

// NewRow builds a row from its fields and wire values.
func NewRow(fields []*sppb.StructType_Field, values []*structpb.Value) *Row {
	return &Row{fields: fields, values: values}
}

// Size returns the number of columns.
func (r *Row) Size() int { return len(r.values) }

// Fields returns the row type.
func (r *Row) Fields() []*sppb.StructType_Field { return r.fields }

// Values returns the raw wire values.
func (r *Row) Values() []*structpb.Value { return r.values }

// ColumnNames returns the column names in order.
func (r *Row) ColumnNames() []string {
	return lo.Map(r.fields, func(f *sppb.StructType_Field, _ int) string { return f.GetName() })
}

// Column returns the i-th column as a typed wire value.
func (r *Row) Column(i int) (spanner.GenericColumnValue, error) {
	if i < 0 || i >= len(r.values) {
		return spanner.GenericColumnValue{}, fmt.Errorf("column index %d out of range [0, %d)", i, len(r.values))
	}
	return spanner.GenericColumnValue{Type: r.fields[i].GetType(), Value: r.values[i]}, nil
}

// ColumnByName returns the first column named name.
func (r *Row) ColumnByName(name string) (spanner.GenericColumnValue, error) {
	_, i, ok := lo.FindIndexOf(r.fields, func(f *sppb.StructType_Field) bool { return f.GetName() == name })
	if !ok {
		return spanner.GenericColumnValue{}, fmt.Errorf("column %q not found", name)
	}
	return r.Column(i)
}

// SpannerRow converts the row to a *spanner.Row so it can be used with libraries built on the Go client.
func (r *Row) SpannerRow() (*spanner.Row, error) {
	values := make([]any, len(r.values))
	for i := range r.values {
		values[i] = spanner.GenericColumnValue{Type: r.fields[i].GetType(), Value: r.values[i]}
	}
	return spanner.NewRow(r.ColumnNames(), values)
}
