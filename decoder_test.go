package main

import (
	"encoding/base64"
	"testing"

	sppb "cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/MakeNowJust/heredoc/v2"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/apstndb/spanner-txcore/resultstream"
)

var booksProto = heredoc.Doc(`
	syntax = "proto3";

	package examples;

	message Book {
	  string title = 1;
	  int64 pages = 2;
	}
`)

func TestReadDescriptorFile(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "books.proto", []byte(booksProto), 0o644))

	compiled, err := readDescriptorFile(t.Context(), fs, "books.proto")
	require.NoError(t, err)
	require.Len(t, compiled.GetFile(), 1)
	assert.Equal(t, "examples", compiled.GetFile()[0].GetPackage())
	assert.Equal(t, "Book", compiled.GetFile()[0].GetMessageType()[0].GetName())

	b, err := proto.Marshal(compiled)
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, "/books.pb", b, 0o644))

	serialized, err := readDescriptorFile(t.Context(), fs, "/books.pb")
	require.NoError(t, err)
	assert.True(t, proto.Equal(compiled, serialized))

	require.NoError(t, afero.WriteFile(fs, "/broken.pb", []byte("not a descriptor"), 0o644))
	_, err = readDescriptorFile(t.Context(), fs, "/broken.pb")
	assert.ErrorContains(t, err, "invalid descriptor file /broken.pb")

	_, err = readDescriptorFile(t.Context(), fs, "missing.proto")
	assert.Error(t, err)
}

func TestValueFormatter_Proto(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "books.proto", []byte(booksProto), 0o644))
	fds, err := readDescriptorFile(t.Context(), fs, "books.proto")
	require.NoError(t, err)

	files, err := protodesc.NewFiles(fds)
	require.NoError(t, err)
	desc, err := files.FindDescriptorByName("examples.Book")
	require.NoError(t, err)
	md := desc.(protoreflect.MessageDescriptor)

	book := dynamicpb.NewMessage(md)
	book.Set(md.Fields().ByName("title"), protoreflect.ValueOfString("Go"))
	book.Set(md.Fields().ByName("pages"), protoreflect.ValueOfInt64(380))
	b, err := proto.Marshal(book)
	require.NoError(t, err)

	fields := []*sppb.StructType_Field{
		{Name: "Book", Type: &sppb.Type{Code: sppb.TypeCode_PROTO, ProtoTypeFqn: "examples.Book"}},
		{Name: "Other", Type: &sppb.Type{Code: sppb.TypeCode_PROTO, ProtoTypeFqn: "examples.Unknown"}},
	}
	encoded := base64.StdEncoding.EncodeToString(b)
	row := resultstream.NewRow(fields, []*structpb.Value{structpb.NewStringValue(encoded), structpb.NewStringValue(encoded)})

	t.Run("with descriptors", func(t *testing.T) {
		formatter, err := newValueFormatter(fds)
		require.NoError(t, err)
		got, err := formatter.formatRow(row)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Contains(t, got[0], `title:`)
		assert.Contains(t, got[0], `"Go"`)
		assert.Contains(t, got[0], `380`)
		assert.NotContains(t, got[1], "title")
	})

	t.Run("without descriptors", func(t *testing.T) {
		formatter, err := newValueFormatter(nil)
		require.NoError(t, err)
		got, err := formatter.formatRow(row)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.NotContains(t, got[0], "title")
	})
}
