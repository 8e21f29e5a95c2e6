package templates

import (
	"bytes"
	"embed"
	"fmt"
	htmltemplate "html/template"
	"io/fs"
	"path"
	"slices"
	"strings"
	texttemplate "text/template"

	"github.com/yuin/goldmark"
	"gopkg.in/yaml.v3"

	"MailDispatch/internal/models"
)

//go:embed files
var embedded embed.FS

// Files is the built-in system template tree: system/<name>.md plus layouts/base.html.
var Files, _ = fs.Sub(embedded, "files")

const (
	systemDir  = "system"
	layoutPath = "layouts/base.html"
)

// Reserved system template names. Each one has a fixed, documented variable
// schema in its frontmatter and must be present wherever templates are loaded from.
const (
	Welcome           = "welcome"
	PasswordReset     = "password_reset"
	EmailVerification = "email_verification"
	MagicLink         = "magic_link"
	AccountLocked     = "account_locked"
)

var reserved = []string{Welcome, PasswordReset, EmailVerification, MagicLink, AccountLocked}

// IsReserved reports whether name belongs to the system tier.
func IsReserved(name string) bool {
	return slices.Contains(reserved, strings.ToLower(strings.TrimSpace(name)))
}

// ReservedNames returns the system template names.
func ReservedNames() []string {
	return slices.Clone(reserved)
}

// SystemTemplate is a backend-curated template: markdown with YAML
// frontmatter, parsed once at boot and never mutated.
type SystemTemplate struct {
	name    string
	vars    []models.Variable
	fields  map[string]struct{}
	subject *texttemplate.Template
	body    *texttemplate.Template
	layout  *htmltemplate.Template
	md      goldmark.Markdown
}

func (t *SystemTemplate) Name() string { return t.name }

func (t *SystemTemplate) Variables() []models.Variable { return slices.Clone(t.vars) }

// Render executes the markdown body, converts it to HTML and wraps it in the
// layout. The text part is the executed markdown.
func (t *SystemTemplate) Render(data map[string]any) (*Rendered, error) {
	ctx, err := prepare(t.name, t.vars, t.fields, data)
	if err != nil {
		return nil, err
	}

	subject, err := execText(t.subject, ctx)
	if err != nil {
		return nil, err
	}
	body, err := execText(t.body, ctx)
	if err != nil {
		return nil, err
	}

	var content bytes.Buffer
	if err := t.md.Convert([]byte(body), &content); err != nil {
		return nil, fmt.Errorf("%w: %s: convert markdown: %v", ErrRender, t.name, err)
	}

	html, err := execHTML(t.layout, map[string]any{
		"Subject": strings.TrimSpace(subject),
		"Content": htmltemplate.HTML(content.String()),
	})
	if err != nil {
		return nil, err
	}

	return &Rendered{
		Subject: strings.TrimSpace(subject),
		HTML:    html,
		Text:    body,
	}, nil
}

// SystemSet is the immutable set of system templates loaded at boot.
type SystemSet struct {
	templates map[string]*SystemTemplate
}

// Get returns the system template for a reserved name.
func (s *SystemSet) Get(name string) (*SystemTemplate, error) {
	t, ok := s.templates[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSystemTemplateMissing, name)
	}
	return t, nil
}

type frontmatter struct {
	Subject  string   `yaml:"subject"`
	Required []string `yaml:"required"`
	Optional []string `yaml:"optional"`
}

// LoadSystem parses every reserved template from fsys. A reserved name without
// a file is a configuration error and fails the load.
func LoadSystem(fsys fs.FS) (*SystemSet, error) {
	layoutSrc, err := fs.ReadFile(fsys, layoutPath)
	if err != nil {
		return nil, fmt.Errorf("%w: layout: %v", ErrSystemTemplateMissing, err)
	}
	layout, err := parseHTML("layout", string(layoutSrc))
	if err != nil {
		return nil, err
	}

	md := goldmark.New()
	set := &SystemSet{templates: make(map[string]*SystemTemplate, len(reserved))}

	for _, name := range reserved {
		src, err := fs.ReadFile(fsys, path.Join(systemDir, name+".md"))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrSystemTemplateMissing, name, err)
		}

		t, err := parseSystem(name, src, layout, md)
		if err != nil {
			return nil, err
		}
		set.templates[name] = t
	}

	return set, nil
}

func parseSystem(name string, src []byte, layout *htmltemplate.Template, md goldmark.Markdown) (*SystemTemplate, error) {
	meta, body, err := splitFrontmatter(src)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if strings.TrimSpace(meta.Subject) == "" {
		return nil, fmt.Errorf("%w: %s: subject is required", ErrInvalidFrontmatter, name)
	}

	subject, err := parseText(name+":subject", meta.Subject)
	if err != nil {
		return nil, err
	}
	bodyTmpl, err := parseText(name+":body", body)
	if err != nil {
		return nil, err
	}

	vars := make([]models.Variable, 0, len(meta.Required)+len(meta.Optional))
	for _, v := range meta.Required {
		vars = append(vars, models.Variable{Name: v, Required: true})
	}
	for _, v := range meta.Optional {
		vars = append(vars, models.Variable{Name: v})
	}

	fields := make(map[string]struct{})
	textFields(subject, fields)
	textFields(bodyTmpl, fields)

	return &SystemTemplate{
		name:    name,
		vars:    vars,
		fields:  fields,
		subject: subject,
		body:    bodyTmpl,
		layout:  layout,
		md:      md,
	}, nil
}

func splitFrontmatter(content []byte) (*frontmatter, string, error) {
	delimiter := []byte("---")

	if !bytes.HasPrefix(content, delimiter) {
		return nil, "", fmt.Errorf("%w: missing opening delimiter", ErrInvalidFrontmatter)
	}

	rest := bytes.TrimLeft(bytes.TrimPrefix(content, delimiter), "\r\n")
	end := bytes.Index(rest, delimiter)
	if end == -1 {
		return nil, "", fmt.Errorf("%w: closing delimiter not found", ErrInvalidFrontmatter)
	}

	var meta frontmatter
	if err := yaml.Unmarshal(rest[:end], &meta); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidFrontmatter, err)
	}

	body := rest[end+len(delimiter):]
	body = bytes.TrimPrefix(body, []byte("\r"))
	body = bytes.TrimPrefix(body, []byte("\n"))

	return &meta, string(body), nil
}
