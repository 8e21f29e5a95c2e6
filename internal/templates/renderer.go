package templates

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"MailDispatch/internal/cache"
	"MailDispatch/internal/db"
	"MailDispatch/internal/models"
)

// UserStore is the part of the store the renderer needs for user templates.
type UserStore interface {
	GetUserTemplate(ctx context.Context, name string) (*models.UserTemplate, error)
	CreateUserTemplate(ctx context.Context, tmpl *models.UserTemplate) error
	UpdateUserTemplate(ctx context.Context, tmpl *models.UserTemplate) error
	DeleteUserTemplate(ctx context.Context, name string) error
}

// Renderer resolves template references across both tiers and owns every
// write to user templates, so reserved names are rejected before the store is
// touched and the cache is invalidated on each change.
type Renderer struct {
	system *SystemSet
	store  UserStore
	cache  cache.Cache[models.UserTemplate]
	ttl    time.Duration
	group  singleflight.Group
	logger *zap.Logger

	// versions counts invalidations per name so a load that raced a write
	// does not put the old row back into the cache.
	mu       sync.Mutex
	versions map[string]uint64
}

// NewRenderer builds a Renderer. A nil cache falls back to an in-process one.
func NewRenderer(system *SystemSet, store UserStore, c cache.Cache[models.UserTemplate], ttl time.Duration, logger *zap.Logger) *Renderer {
	if c == nil {
		c = cache.NewMemory[models.UserTemplate]()
	}
	return &Renderer{
		system: system,
		store:  store,
		cache:  c,
		ttl:    ttl,
		logger: logger,

		versions: make(map[string]uint64),
	}
}

// Lookup resolves ref to a template. Reserved names only ever resolve to the
// system tier.
func (r *Renderer) Lookup(ctx context.Context, ref string) (Template, error) {
	name := strings.TrimSpace(ref)
	if name == "" {
		return nil, ErrTemplateNotFound
	}

	if IsReserved(name) {
		return r.system.Get(strings.ToLower(name))
	}

	stored, err := r.loadUser(ctx, name)
	if err != nil {
		return nil, err
	}
	return CompileUser(stored)
}

// Render resolves ref and renders it against data.
func (r *Renderer) Render(ctx context.Context, ref string, data map[string]any) (*Rendered, error) {
	t, err := r.Lookup(ctx, ref)
	if err != nil {
		return nil, err
	}
	return t.Render(data)
}

// Inline compiles content carried by a job as an unnamed user template.
func (r *Renderer) Inline(subject, html, text string) (Template, error) {
	return CompileUser(&models.UserTemplate{Subject: subject, HTML: html, Text: text})
}

// Exists reports nil when ref resolves to a template.
func (r *Renderer) Exists(ctx context.Context, ref string) error {
	_, err := r.Lookup(ctx, ref)
	return err
}

func (r *Renderer) CreateUserTemplate(ctx context.Context, tmpl *models.UserTemplate) error {
	if err := r.checkWritable(tmpl); err != nil {
		return err
	}
	if tmpl.ID == "" {
		tmpl.ID = uuid.NewString()
	}

	if err := r.store.CreateUserTemplate(ctx, tmpl); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			return fmt.Errorf("%w: %s", ErrTemplateExists, tmpl.Name)
		}
		return err
	}

	r.invalidate(ctx, tmpl.Name)
	return nil
}

func (r *Renderer) UpdateUserTemplate(ctx context.Context, tmpl *models.UserTemplate) error {
	if err := r.checkWritable(tmpl); err != nil {
		return err
	}

	if err := r.store.UpdateUserTemplate(ctx, tmpl); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrTemplateNotFound, tmpl.Name)
		}
		return err
	}

	r.invalidate(ctx, tmpl.Name)
	return nil
}

func (r *Renderer) DeleteUserTemplate(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if IsReserved(name) {
		return fmt.Errorf("%w: %s", ErrReservedName, name)
	}

	if err := r.store.DeleteUserTemplate(ctx, name); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
		}
		return err
	}

	r.invalidate(ctx, name)
	return nil
}

// checkWritable rejects reserved names and content that does not parse.
func (r *Renderer) checkWritable(tmpl *models.UserTemplate) error {
	tmpl.Name = strings.TrimSpace(tmpl.Name)
	if tmpl.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidTemplate)
	}
	if IsReserved(tmpl.Name) {
		return fmt.Errorf("%w: %s", ErrReservedName, tmpl.Name)
	}
	_, err := CompileUser(tmpl)
	return err
}

func (r *Renderer) loadUser(ctx context.Context, name string) (*models.UserTemplate, error) {
	cached, err := r.cache.Get(ctx, name)
	if err == nil {
		return &cached, nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		r.logger.Warn("template cache read failed", zap.String("template", name), zap.Error(err))
	}

	v, err, _ := r.group.Do(name, func() (any, error) {
		version := r.version(name)

		stored, err := r.store.GetUserTemplate(ctx, name)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
			}
			return nil, err
		}

		if r.version(name) != version {
			return stored, nil
		}
		if err := r.cache.Set(ctx, name, *stored, r.ttl); err != nil {
			r.logger.Warn("template cache write failed", zap.String("template", name), zap.Error(err))
		}
		// Invalidated while writing; drop what may be the old row.
		if r.version(name) != version {
			r.evict(ctx, name)
		}
		return stored, nil
	})
	if err != nil {
		return nil, err
	}

	out := *v.(*models.UserTemplate)
	return &out, nil
}

func (r *Renderer) version(name string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.versions[name]
}

func (r *Renderer) invalidate(ctx context.Context, name string) {
	r.mu.Lock()
	r.versions[name]++
	r.mu.Unlock()

	// Callers arriving after the write must not join a load that began before it.
	r.group.Forget(name)
	r.evict(ctx, name)
}

func (r *Renderer) evict(ctx context.Context, name string) {
	if err := r.cache.Delete(ctx, name); err != nil {
		r.logger.Warn("template cache invalidation failed", zap.String("template", name), zap.Error(err))
	}
}
