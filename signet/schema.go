package signet

import (
	"strings"
	"text/template"

	"github.com/gosimple/slug"
)

// Schema names a relay instance's table prefix, derived from its
// configured name.
type Schema struct {
	Name string
}

// NewSchema slugifies name into a safe Postgres identifier prefix.
func NewSchema(name string) *Schema {
	return &Schema{Name: slug.Make(name)}
}

// Prefix returns "{{.Name}}__table".
func (s *Schema) Prefix(table string) string {
	return s.Name + "__" + table
}

// Render expands a "{{.Name}}__foo" style template against this schema.
func (s *Schema) Render(tmpl string) string {
	t := template.Must(template.New("schema").Parse(tmpl))
	var b strings.Builder
	if err := t.Execute(&b, s); err != nil {
		panic(err) // templates are compiled into the binary; a failure here is a programming error
	}
	return b.String()
}
