package templates

import (
	"html"
	htmltemplate "html/template"
	"slices"
	"strings"
	texttemplate "text/template"

	"github.com/microcosm-cc/bluemonday"

	"MailDispatch/internal/models"
)

// User-authored HTML is untrusted: the UGC policy keeps formatting and links
// and drops scripts, event handlers and javascript: URLs.
var (
	ugcPolicy    = bluemonday.UGCPolicy()
	strictPolicy = bluemonday.StrictPolicy()
)

// UserTemplate is a store-backed template compiled from its stored content.
type UserTemplate struct {
	id      string
	name    string
	vars    []models.Variable
	fields  map[string]struct{}
	subject *texttemplate.Template
	html    *htmltemplate.Template
	text    *texttemplate.Template
}

// CompileUser parses a stored template. Parse failures are ErrRender.
func CompileUser(t *models.UserTemplate) (*UserTemplate, error) {
	name := t.Name
	if name == "" {
		name = "inline"
	}

	subject, err := parseText(name+":subject", t.Subject)
	if err != nil {
		return nil, err
	}
	htmlTmpl, err := parseHTML(name+":html", t.HTML)
	if err != nil {
		return nil, err
	}

	var textTmpl *texttemplate.Template
	if strings.TrimSpace(t.Text) != "" {
		textTmpl, err = parseText(name+":text", t.Text)
		if err != nil {
			return nil, err
		}
	}

	fields := make(map[string]struct{})
	textFields(subject, fields)
	htmlFields(htmlTmpl, fields)
	textFields(textTmpl, fields)

	return &UserTemplate{
		id:      t.ID,
		name:    name,
		vars:    slices.Clone(t.Variables),
		fields:  fields,
		subject: subject,
		html:    htmlTmpl,
		text:    textTmpl,
	}, nil
}

func (t *UserTemplate) Name() string { return t.name }

func (t *UserTemplate) ID() string { return t.id }

// Variables returns the declared schema, or every referenced field as optional
// when the author declared none.
func (t *UserTemplate) Variables() []models.Variable {
	if len(t.vars) > 0 {
		return slices.Clone(t.vars)
	}
	names := sortedFields(t.fields)
	vars := make([]models.Variable, len(names))
	for i, n := range names {
		vars[i] = models.Variable{Name: n}
	}
	return vars
}

// Render executes the template and sanitizes the HTML. Without a text part the
// text is derived from the sanitized HTML.
func (t *UserTemplate) Render(data map[string]any) (*Rendered, error) {
	ctx, err := prepare(t.name, t.vars, t.fields, data)
	if err != nil {
		return nil, err
	}

	subject, err := execText(t.subject, ctx)
	if err != nil {
		return nil, err
	}
	body, err := execHTML(t.html, ctx)
	if err != nil {
		return nil, err
	}
	body = ugcPolicy.Sanitize(body)

	var text string
	if t.text != nil {
		text, err = execText(t.text, ctx)
		if err != nil {
			return nil, err
		}
	} else {
		text = strings.TrimSpace(html.UnescapeString(strictPolicy.Sanitize(body)))
	}

	return &Rendered{
		Subject: strings.TrimSpace(subject),
		HTML:    body,
		Text:    text,
	}, nil
}
