package templates

import "errors"

var (
	// ErrTemplateNotFound indicates no user template exists under the name.
	ErrTemplateNotFound = errors.New("templates: template not found")

	// ErrReservedName indicates a user template tried to take a system template name.
	ErrReservedName = errors.New("templates: name is reserved for a system template")

	// ErrTemplateExists indicates a user template with the name already exists.
	ErrTemplateExists = errors.New("templates: template already exists")

	// ErrInvalidTemplate indicates a user template write with no usable name.
	ErrInvalidTemplate = errors.New("templates: invalid template")

	// ErrRender indicates a malformed expression or a missing required variable.
	ErrRender = errors.New("templates: render failed")

	// ErrSystemTemplateMissing indicates a reserved name has no loaded content.
	// This is a deployment error, not a lookup miss.
	ErrSystemTemplateMissing = errors.New("templates: system template missing from the loaded set")

	// ErrInvalidFrontmatter indicates malformed YAML frontmatter in a system template.
	ErrInvalidFrontmatter = errors.New("templates: invalid frontmatter")
)
