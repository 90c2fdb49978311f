//
// Copyright 2020 Google LLC
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
//

package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"strings"

	"cloud.google.com/go/spanner"
	sppb "cloud.google.com/go/spanner/apiv1/spannerpb"
	"cloud.google.com/go/storage"
	"github.com/apstndb/spantype"
	"github.com/apstndb/spanvalue"
	"github.com/bufbuild/protocompile"
	"github.com/spf13/afero"
	"google.golang.org/protobuf/encoding/prototext"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/apstndb/spanner-txcore/resultstream"
)

// valueFormatter renders column values the way spanner-cli does.
// PROTO values are rendered as text when their message type is in the descriptor set.
type valueFormatter struct {
	config *spanvalue.FormatConfig
}

func newValueFormatter(fds *descriptorpb.FileDescriptorSet) (*valueFormatter, error) {
	var files *protoregistry.Files
	if fds != nil {
		var err error
		files, err = protodesc.NewFiles(fds)
		if err != nil {
			return nil, err
		}
	}

	return &valueFormatter{config: &spanvalue.FormatConfig{
		NullString:  "NULL",
		FormatArray: spanvalue.FormatUntypedArray,
		FormatStruct: spanvalue.FormatStruct{
			FormatStructField: spanvalue.FormatSimpleStructField,
			FormatStructParen: spanvalue.FormatBracketStruct,
		},
		FormatComplexPlugins: []spanvalue.FormatComplexFunc{
			func(formatter spanvalue.Formatter, value spanner.GenericColumnValue, toplevel bool) (string, error) {
				if value.Type.GetCode() != sppb.TypeCode_PROTO || files == nil {
					return "", spanvalue.ErrFallthrough
				}
				return formatProto(files, value)
			},
		},
		FormatNullable: spanvalue.FormatNullableSpannerCLICompatible,
	}}, nil
}

func formatProto(files *protoregistry.Files, value spanner.GenericColumnValue) (string, error) {
	desc, err := files.FindDescriptorByName(protoreflect.FullName(value.Type.GetProtoTypeFqn()))
	switch {
	case errors.Is(err, protoregistry.NotFound):
		return "", spanvalue.ErrFallthrough
	case err != nil:
		return "", err
	}

	md, ok := desc.(protoreflect.MessageDescriptor)
	if !ok {
		return "", fmt.Errorf("protoFqn %v corresponds not a message descriptor: %T", value.Type.GetProtoTypeFqn(), desc)
	}

	message := dynamicpb.NewMessage(md)
	b, err := base64.StdEncoding.DecodeString(value.Value.GetStringValue())
	if err != nil {
		return "", err
	}

	if err = proto.Unmarshal(b, message); err != nil {
		return "", err
	}
	return prototext.MarshalOptions{Multiline: false}.Format(message), nil
}

func (f *valueFormatter) formatRow(row *resultstream.Row) ([]string, error) {
	sr, err := row.SpannerRow()
	if err != nil {
		return nil, err
	}
	return f.config.FormatRow(sr)
}

// readDescriptorFile reads a serialized google.protobuf.FileDescriptorSet, or compiles a .proto file.
// gs:// paths are read from Cloud Storage.
func readDescriptorFile(ctx context.Context, fs afero.Fs, path string) (*descriptorpb.FileDescriptorSet, error) {
	if filepath.Ext(path) == ".proto" {
		return compileProtoFile(ctx, fs, path)
	}

	var b []byte
	var err error
	if strings.HasPrefix(path, "gs://") {
		b, err = readGCSObject(ctx, path)
	} else {
		b, err = afero.ReadFile(fs, path)
	}
	if err != nil {
		return nil, err
	}

	var fds descriptorpb.FileDescriptorSet
	if err := proto.Unmarshal(b, &fds); err != nil {
		return nil, fmt.Errorf("invalid descriptor file %v: %w", path, err)
	}
	return &fds, nil
}

func compileProtoFile(ctx context.Context, fs afero.Fs, path string) (*descriptorpb.FileDescriptorSet, error) {
	compiler := protocompile.Compiler{
		Resolver: protocompile.WithStandardImports(&protocompile.SourceResolver{
			Accessor: func(path string) (io.ReadCloser, error) {
				return fs.Open(path)
			},
		}),
	}

	files, err := compiler.Compile(ctx, path)
	if err != nil {
		return nil, err
	}

	return &descriptorpb.FileDescriptorSet{
		File: []*descriptorpb.FileDescriptorProto{protodesc.ToFileDescriptorProto(files.FindFileByPath(path))},
	}, nil
}

func readGCSObject(ctx context.Context, uri string) ([]byte, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid GCS URI %q: %w", uri, err)
	}

	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	defer func() { _ = client.Close() }()

	reader, err := client.Bucket(u.Host).Object(strings.TrimPrefix(u.Path, "/")).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open GCS object %s: %w", uri, err)
	}
	defer func() { _ = reader.Close() }()

	return io.ReadAll(reader)
}

// formatTypeSimple is format type for headers.
func formatTypeSimple(typ *sppb.Type) string {
	return spantype.FormatType(typ, spantype.FormatOption{
		Struct: spantype.StructModeBase,
		Proto:  spantype.ProtoEnumModeBase,
		Enum:   spantype.ProtoEnumModeBase,
		Array:  spantype.ArrayModeRecursive,
	})
}
