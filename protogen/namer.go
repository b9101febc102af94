package protogen

import (
	"reflect"
	"strings"
	"unicode"
)

// goScalarNames maps Go scalar type names, as they appear inside a generic
// instantiation such as "Pair[int32,string]", to the capitalized tag used
// when synthesizing a message name.
var goScalarNames = map[string]string{
	"bool":    "Bool",
	"int":     "Int32",
	"int8":    "Int32",
	"int16":   "Int32",
	"int32":   "Int32",
	"int64":   "Int64",
	"uint":    "Uint32",
	"uint8":   "Uint32",
	"uint16":  "Uint32",
	"uint32":  "Uint32",
	"uint64":  "Uint64",
	"float32": "Float",
	"float64": "Double",
	"string":  "String",
}

// typeName returns the proto message or enum name for a Go type. Plain
// named types keep their Go name. Instantiated generic types get a
// synthetic name built from their type arguments followed by the base
// name, so Pair[int32, string] becomes Int32StringPair. The same type
// always produces the same name.
func typeName(t reflect.Type) (string, error) {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	name := t.Name()
	if name == "" {
		return "", &UnsupportedTypeError{Type: t, Reason: "anonymous types cannot be named"}
	}
	return displayName(name), nil
}

// displayName normalizes one segment of a reflect type name string:
// package qualifiers are stripped, Go scalars map to capitalized tags, and
// composite forms fold into List/Dict/generic-instantiation names.
func displayName(s string) string {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(s, "*"):
		return displayName(s[1:])
	case s == "[]byte" || s == "[]uint8":
		return "Bytes"
	case strings.HasPrefix(s, "[]"):
		return displayName(s[2:]) + "List"
	case strings.HasPrefix(s, "map["):
		key, value := splitMapType(s)
		return displayName(key) + displayName(value) + "Dict"
	}
	if i := strings.IndexByte(s, '['); i >= 0 {
		base := displayName(s[:i])
		var sb strings.Builder
		for _, arg := range splitTypeArgs(s[i+1 : len(s)-1]) {
			sb.WriteString(displayName(arg))
		}
		sb.WriteString(base)
		return sb.String()
	}
	if i := strings.LastIndexByte(s, '/'); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.LastIndexByte(s, '.'); i >= 0 {
		s = s[i+1:]
	}
	if tag, ok := goScalarNames[s]; ok {
		return tag
	}
	return s
}

// splitMapType splits "map[K]V" into K and V, tolerating nested brackets
// in the key such as "map[Pair[int32,string]]V".
func splitMapType(s string) (key, value string) {
	depth := 0
	for i := 4; i < len(s); i++ {
		switch s[i] {
		case '[':
			depth++
		case ']':
			if depth == 0 {
				return s[4:i], s[i+1:]
			}
			depth--
		}
	}
	return s[4:], ""
}

// splitTypeArgs splits a generic argument list on top-level commas.
func splitTypeArgs(s string) []string {
	var args []string
	depth, start := 0, 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '[':
			depth++
		case ']':
			depth--
		case ',':
			if depth == 0 {
				args = append(args, s[start:i])
				start = i + 1
			}
		}
	}
	args = append(args, s[start:])
	return args
}

// SnakeCase converts a Go identifier to lower snake case, keeping runs of
// capitals together so "HTTPStatus" becomes "http_status". It is the rule
// used for proto field names and default package names.
func SnakeCase(s string) string {
	var sb strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (!unicode.IsUpper(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1]))) {
				sb.WriteByte('_')
			}
			sb.WriteRune(unicode.ToLower(r))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// camelCase converts a snake_case name to UpperCamelCase. Used for map
// entry message names in descriptors.
func camelCase(s string) string {
	var sb strings.Builder
	upper := true
	for _, r := range s {
		if r == '_' {
			upper = true
			continue
		}
		if upper {
			sb.WriteRune(unicode.ToUpper(r))
			upper = false
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
