package protogen

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"

	// Registers the wrapper well-known types so documents that import
	// wrappers.proto resolve against the global file registry.
	_ "google.golang.org/protobuf/types/known/wrapperspb"
)

// Bindings resolves the descriptors behind a set of compiled documents.
// The serve path uses it to build dynamic messages for decoding and
// encoding, and to check that every registered handler has a matching rpc
// declaration.
type Bindings struct {
	files *protoregistry.Files
}

// NewBindings lowers the documents to file descriptors and registers them
// in a fresh registry. Well-known type imports resolve against the global
// registry.
func NewBindings(docs ...*Document) (*Bindings, error) {
	files := &protoregistry.Files{}
	for _, doc := range docs {
		fd, err := protodesc.NewFile(doc.descriptorProto(), protoregistry.GlobalFiles)
		if err != nil {
			return nil, fmt.Errorf("protogen: lowering %s: %w", doc.FileName, err)
		}
		if err := files.RegisterFile(fd); err != nil {
			return nil, fmt.Errorf("protogen: registering %s: %w", doc.FileName, err)
		}
	}
	return &Bindings{files: files}, nil
}

// Message returns the descriptor for a fully qualified message name.
func (b *Bindings) Message(fullName string) (protoreflect.MessageDescriptor, error) {
	d, err := b.files.FindDescriptorByName(protoreflect.FullName(fullName))
	if err != nil {
		return nil, fmt.Errorf("protogen: message %s: %w", fullName, err)
	}
	md, ok := d.(protoreflect.MessageDescriptor)
	if !ok {
		return nil, fmt.Errorf("protogen: %s is not a message", fullName)
	}
	return md, nil
}

// Service returns the descriptor for a fully qualified service name.
func (b *Bindings) Service(fullName string) (protoreflect.ServiceDescriptor, error) {
	d, err := b.files.FindDescriptorByName(protoreflect.FullName(fullName))
	if err != nil {
		return nil, fmt.Errorf("protogen: service %s: %w", fullName, err)
	}
	sd, ok := d.(protoreflect.ServiceDescriptor)
	if !ok {
		return nil, fmt.Errorf("protogen: %s is not a service", fullName)
	}
	return sd, nil
}

// descriptorProto lowers the document to a FileDescriptorProto mirroring
// the rendered source exactly.
func (d *Document) descriptorProto() *descriptorpb.FileDescriptorProto {
	fdp := &descriptorpb.FileDescriptorProto{
		Name:       proto.String(d.FileName),
		Package:    proto.String(d.Package),
		Syntax:     proto.String("proto3"),
		Dependency: d.Imports,
	}
	for _, e := range d.Enums {
		edp := &descriptorpb.EnumDescriptorProto{Name: proto.String(e.Name)}
		for _, m := range e.Members {
			edp.Value = append(edp.Value, &descriptorpb.EnumValueDescriptorProto{
				Name:   proto.String(m.Name),
				Number: proto.Int32(m.Value),
			})
		}
		fdp.EnumType = append(fdp.EnumType, edp)
	}
	for _, m := range d.Messages {
		fdp.MessageType = append(fdp.MessageType, d.messageDescriptor(m))
	}
	for _, s := range d.Services {
		sdp := &descriptorpb.ServiceDescriptorProto{Name: proto.String(s.Name)}
		for _, m := range s.Methods {
			sdp.Method = append(sdp.Method, &descriptorpb.MethodDescriptorProto{
				Name:            proto.String(m.Name),
				InputType:       proto.String("." + d.Package + "." + m.Request),
				OutputType:      proto.String("." + d.Package + "." + m.Response),
				ClientStreaming: proto.Bool(m.ClientStreaming),
				ServerStreaming: proto.Bool(m.ServerStreaming),
			})
		}
		fdp.Service = append(fdp.Service, sdp)
	}
	return fdp
}

func (d *Document) messageDescriptor(m *MessageEntry) *descriptorpb.DescriptorProto {
	dp := &descriptorpb.DescriptorProto{Name: proto.String(m.Name)}
	for _, f := range m.Fields {
		if f.Type.MapKey != "" {
			dp.NestedType = append(dp.NestedType, d.mapEntryDescriptor(m.Name, f))
			dp.Field = append(dp.Field, &descriptorpb.FieldDescriptorProto{
				Name:     proto.String(f.Name),
				Number:   proto.Int32(f.Number),
				Label:    descriptorpb.FieldDescriptorProto_LABEL_REPEATED.Enum(),
				Type:     descriptorpb.FieldDescriptorProto_TYPE_MESSAGE.Enum(),
				TypeName: proto.String("." + d.Package + "." + m.Name + "." + camelCase(f.Name) + "Entry"),
			})
			continue
		}
		fdp := d.fieldDescriptor(f.Name, f.Number, f.Type)
		if f.Type.Repeated {
			fdp.Label = descriptorpb.FieldDescriptorProto_LABEL_REPEATED.Enum()
		}
		dp.Field = append(dp.Field, fdp)
	}
	return dp
}

func (d *Document) mapEntryDescriptor(msgName string, f Field) *descriptorpb.DescriptorProto {
	value := d.fieldDescriptor("value", 2, FieldType{Scalar: f.Type.Scalar, Ref: f.Type.Ref, Enum: f.Type.Enum})
	return &descriptorpb.DescriptorProto{
		Name:    proto.String(camelCase(f.Name) + "Entry"),
		Options: &descriptorpb.MessageOptions{MapEntry: proto.Bool(true)},
		Field: []*descriptorpb.FieldDescriptorProto{
			d.fieldDescriptor("key", 1, FieldType{Scalar: f.Type.MapKey}),
			value,
		},
	}
}

func (d *Document) fieldDescriptor(name string, number int32, t FieldType) *descriptorpb.FieldDescriptorProto {
	fdp := &descriptorpb.FieldDescriptorProto{
		Name:   proto.String(name),
		Number: proto.Int32(number),
		Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
	}
	if t.Ref != "" {
		kind := descriptorpb.FieldDescriptorProto_TYPE_MESSAGE
		if t.Enum {
			kind = descriptorpb.FieldDescriptorProto_TYPE_ENUM
		}
		fdp.Type = kind.Enum()
		fdp.TypeName = proto.String(qualify(d.Package, t.Ref))
		return fdp
	}
	fdp.Type = scalarDescriptorTypes[t.Scalar].Enum()
	return fdp
}

// qualify turns a document-local or well-known reference into a fully
// qualified descriptor type name.
func qualify(pkg, ref string) string {
	if len(ref) > 0 && ref[0] == '.' {
		return ref
	}
	if isWellKnown(ref) {
		return "." + ref
	}
	return "." + pkg + "." + ref
}

func isWellKnown(ref string) bool {
	return len(ref) > len("google.protobuf.") && ref[:len("google.protobuf.")] == "google.protobuf."
}

var scalarDescriptorTypes = map[string]descriptorpb.FieldDescriptorProto_Type{
	"bool":   descriptorpb.FieldDescriptorProto_TYPE_BOOL,
	"int32":  descriptorpb.FieldDescriptorProto_TYPE_INT32,
	"int64":  descriptorpb.FieldDescriptorProto_TYPE_INT64,
	"uint32": descriptorpb.FieldDescriptorProto_TYPE_UINT32,
	"uint64": descriptorpb.FieldDescriptorProto_TYPE_UINT64,
	"float":  descriptorpb.FieldDescriptorProto_TYPE_FLOAT,
	"double": descriptorpb.FieldDescriptorProto_TYPE_DOUBLE,
	"string": descriptorpb.FieldDescriptorProto_TYPE_STRING,
	"bytes":  descriptorpb.FieldDescriptorProto_TYPE_BYTES,
}
