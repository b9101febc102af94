package protogen

import (
	"strings"
	"text/template"
)

var docTemplate = template.Must(template.New("proto").Parse(`syntax = "proto3";

package {{.Package}};
{{range .Imports}}
import "{{.}}";
{{end}}{{range .Enums}}
enum {{.Name}} {
{{- range .Members}}
  {{.Name}} = {{.Value}};
{{- end}}
}
{{end}}{{range .Messages}}
message {{.Name}} {
{{- range .Fields}}
  {{.Type}} {{.Name}} = {{.Number}};
{{- end}}
}
{{end}}{{range .Services}}
service {{.Name}} {
{{- range .Methods}}
  rpc {{.Name}}({{if .ClientStreaming}}stream {{end}}{{.Request}}) returns ({{if .ServerStreaming}}stream {{end}}{{.Response}});
{{- end}}
}
{{end}}`))

// Render produces the proto3 source text for the document. Output is a
// pure function of the document, so identical documents render to
// byte-identical text.
func (d *Document) Render() string {
	var sb strings.Builder
	if err := docTemplate.Execute(&sb, d); err != nil {
		// The template only touches exported fields of Document.
		panic(err)
	}
	return sb.String()
}
