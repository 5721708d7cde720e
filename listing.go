package remotefs

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"

	"go.uber.org/zap"
)

// Lister lists directories through a Backend and keeps their listings in a
// Cache.
type Lister struct {
	Backend Backend
	Cache   *Cache
	Logger  *zap.Logger
}

// NewLister returns a Lister with an empty cache.
func NewLister(b Backend, logger *zap.Logger) *Lister {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lister{Backend: b, Cache: NewCache(), Logger: logger}
}

// List returns the children of dir. When the backend fails and dir was
// listed before, the cached listing is returned and the failure is only
// logged; a path known to exist is not reported as broken because of a
// transient error.
func (l *Lister) List(ctx context.Context, dir *Path) (*AttributedList, error) {
	list, err := l.Backend.List(ctx, dir)
	if err == nil {
		l.Cache.Put(dir, list)
		return list, nil
	}
	if cached, ok := l.Cache.Get(dir); ok {
		l.Logger.Warn("listing failed, using cached listing",
			zap.String("path", dir.Location),
			zap.Stringer("kind", Classify(err)),
			zap.Error(err))
		dir.Attributes.Unreadable = false
		return cached, nil
	}
	dir.Attributes.Unreadable = true
	return nil, err
}

// WalkFunc is called by Walk for each node. Returning SkipDir for a
// directory skips its contents; any other error stops the walk.
type WalkFunc func(ctx context.Context, p *Path, err error) error

// SkipDir is used as a return value from WalkFunc to skip a directory.
var SkipDir = filepath.SkipDir

// Walk visits root and every node below it, depth first in listing order.
// Symbolic links to directories are not followed.
func (l *Lister) Walk(ctx context.Context, root *Path, fn WalkFunc) error {
	err := l.walk(ctx, root, fn)
	if errors.Is(err, SkipDir) {
		return nil
	}
	return err
}

func (l *Lister) walk(ctx context.Context, p *Path, fn WalkFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := fn(ctx, p, nil); err != nil {
		return err
	}
	if !p.IsDir() || p.IsSymlink() {
		return nil
	}

	list, err := l.List(ctx, p)
	if err != nil {
		return fn(ctx, p, err)
	}
	for _, child := range list.Entries() {
		if child.Attributes.Duplicate {
			continue
		}
		if err := l.walk(ctx, child, fn); err != nil {
			if errors.Is(err, SkipDir) && child.IsDir() {
				continue
			}
			if errors.Is(err, fs.SkipAll) {
				return nil
			}
			return err
		}
	}
	return nil
}
