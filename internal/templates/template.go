package templates

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"sort"
	"strings"
	texttemplate "text/template"
	"text/template/parse"

	"MailDispatch/internal/models"
)

// Rendered is the output of one render: what the transport sends.
type Rendered struct {
	Subject string
	HTML    string
	Text    string
}

// Template is implemented by *SystemTemplate and *UserTemplate. Both render
// through the same Go template engine; they differ in where the content comes
// from and in how the HTML part is produced.
type Template interface {
	Name() string
	Variables() []models.Variable
	Render(data map[string]any) (*Rendered, error)
}

// variables that are referenced in a template but absent from the data render
// as empty strings, so only required ones need checking before execution.
func prepare(name string, vars []models.Variable, fields map[string]struct{}, data map[string]any) (map[string]any, error) {
	ctx := make(map[string]any, len(data)+len(fields))
	for k, v := range data {
		ctx[k] = v
	}

	var missing []string
	for _, v := range vars {
		if v.Required && isBlank(ctx[v.Name]) {
			missing = append(missing, v.Name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s: missing required variables: %s", ErrRender, name, strings.Join(missing, ", "))
	}

	for f := range fields {
		if _, ok := ctx[f]; !ok {
			ctx[f] = ""
		}
	}
	for _, v := range vars {
		if _, ok := ctx[v.Name]; !ok {
			ctx[v.Name] = ""
		}
	}
	return ctx, nil
}

func isBlank(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	}
	return false
}

func parseText(name, src string) (*texttemplate.Template, error) {
	t, err := texttemplate.New(name).Option("missingkey=error").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrRender, name, err)
	}
	return t, nil
}

func parseHTML(name, src string) (*htmltemplate.Template, error) {
	t, err := htmltemplate.New(name).Option("missingkey=error").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrRender, name, err)
	}
	return t, nil
}

func execText(t *texttemplate.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrRender, t.Name(), err)
	}
	return buf.String(), nil
}

func execHTML(t *htmltemplate.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrRender, t.Name(), err)
	}
	return buf.String(), nil
}

func textFields(t *texttemplate.Template, out map[string]struct{}) {
	if t == nil {
		return
	}
	for _, tt := range t.Templates() {
		if tt.Tree != nil {
			collectFields(tt.Tree.Root, out)
		}
	}
}

func htmlFields(t *htmltemplate.Template, out map[string]struct{}) {
	if t == nil {
		return
	}
	for _, tt := range t.Templates() {
		if tt.Tree != nil {
			collectFields(tt.Tree.Root, out)
		}
	}
}

// collectFields records the first identifier of every field reference that is
// evaluated against the root data. Bodies of range and with blocks rebind dot
// and are skipped.
func collectFields(node parse.Node, out map[string]struct{}) {
	switch n := node.(type) {
	case *parse.ListNode:
		if n == nil {
			return
		}
		for _, child := range n.Nodes {
			collectFields(child, out)
		}
	case *parse.ActionNode:
		collectFields(n.Pipe, out)
	case *parse.PipeNode:
		if n == nil {
			return
		}
		for _, cmd := range n.Cmds {
			collectFields(cmd, out)
		}
	case *parse.CommandNode:
		for _, arg := range n.Args {
			collectFields(arg, out)
		}
	case *parse.FieldNode:
		if len(n.Ident) > 0 {
			out[n.Ident[0]] = struct{}{}
		}
	case *parse.ChainNode:
		collectFields(n.Node, out)
	case *parse.IfNode:
		collectFields(n.Pipe, out)
		collectFields(n.List, out)
		collectFields(n.ElseList, out)
	case *parse.RangeNode:
		collectFields(n.Pipe, out)
		collectFields(n.ElseList, out)
	case *parse.WithNode:
		collectFields(n.Pipe, out)
		collectFields(n.ElseList, out)
	case *parse.TemplateNode:
		collectFields(n.Pipe, out)
	}
}

func sortedFields(fields map[string]struct{}) []string {
	names := make([]string, 0, len(fields))
	for f := range fields {
		names = append(names, f)
	}
	sort.Strings(names)
	return names
}
