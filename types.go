package protoforge

import "github.com/protoforge/protoforge/protogen"

// Empty represents a void request or response. It compiles to a message
// with no fields.
//
//	func DeleteUser(ctx context.Context, req DeleteUserRequest) (protoforge.Empty, error) {
//	    // ... delete user
//	    return protoforge.Empty{}, nil
//	}
type Empty struct{}

// Enum is implemented by named Go types that compile to a proto3 enum.
// See [protogen.Enum].
type Enum = protogen.Enum

// EnumMember is one name/number pair of an enum declaration.
type EnumMember = protogen.EnumMember
