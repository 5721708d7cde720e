package ftp

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gonzalop/remotefs"
)

// ReadAttributes refreshes p.Attributes with MLST when the server
// advertises it, and with SIZE and MDTM otherwise.
func (s *Session) ReadAttributes(ctx context.Context, p *remotefs.Path) error {
	if s.hasFeature("MLST") {
		e, err := s.mlst(ctx, p.Location)
		if err == nil {
			t := remotefs.TypeFile
			if e.Type == "dir" {
				t = remotefs.TypeDirectory
			}
			if p.IsSymlink() {
				t |= remotefs.TypeSymlink
			}
			p.Attributes.Type = t
			p.Attributes.Size = e.Size
			p.Attributes.ModifiedAt = e.ModTime
			p.Attributes.CreatedAt = e.Created
			if e.Permission != nil {
				p.Attributes.Permission = e.Permission
			}
			if e.Owner != "" {
				p.Attributes.Owner = e.Owner
			}
			if e.Group != "" {
				p.Attributes.Group = e.Group
			}
			return nil
		}
		if !isProtocolError(err) {
			return remotefs.NewOpError(err, "Failure to read attributes of %s", p, s.url())
		}
		s.logger.Debug("MLST failed, falling back to SIZE and MDTM", zap.Error(err))
	}

	if p.IsDir() {
		return nil
	}
	size, err := s.size(ctx, p.Location)
	if err != nil {
		return remotefs.NewOpError(err, "Failure to read attributes of %s", p, s.url())
	}
	p.Attributes.Size = size
	if t, err := s.modTime(ctx, p.Location); err == nil {
		p.Attributes.ModifiedAt = t
	} else {
		s.logger.Debug("MDTM failed", zap.String("path", p.Location), zap.Error(err))
	}
	return nil
}

// size returns the size of a file in bytes.
func (s *Session) size(ctx context.Context, p string) (int64, error) {
	c, err := s.connected()
	if err != nil {
		return 0, err
	}
	if err := c.setType(ctx, "I"); err != nil {
		return 0, err
	}
	resp, err := c.expect2xx(ctx, "SIZE", p)
	if err != nil {
		return 0, err
	}
	size, err := strconv.ParseInt(strings.TrimSpace(resp.Message), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid SIZE response: %s", resp.Message)
	}
	return size, nil
}

// modTime returns the modification time of a file using MDTM (RFC 3659).
func (s *Session) modTime(ctx context.Context, p string) (time.Time, error) {
	c, err := s.connected()
	if err != nil {
		return time.Time{}, err
	}
	resp, err := c.expect2xx(ctx, "MDTM", p)
	if err != nil {
		return time.Time{}, err
	}
	return parseTimestamp(resp.Message)
}

// WriteAttributes applies the modification time, permission, owner and
// group set in attrs. Timestamps use MFMT when advertised and SITE UTIME
// otherwise; a server refusing SITE UTIME is not asked again.
func (s *Session) WriteAttributes(ctx context.Context, p *remotefs.Path, attrs remotefs.Attributes) error {
	c, err := s.connected()
	if err != nil {
		return err
	}
	wrap := func(err error) error {
		return remotefs.NewOpError(err, "Failure to write attributes of %s", p, s.url())
	}

	if !attrs.ModifiedAt.IsZero() {
		if err := s.setModTime(ctx, c, p.Location, attrs.ModifiedAt); err != nil {
			return wrap(err)
		}
		p.Attributes.ModifiedAt = attrs.ModifiedAt
	}
	if attrs.Permission != nil {
		if _, err := c.expect2xx(ctx, "SITE", "CHMOD", attrs.Permission.Octal(), p.Location); err != nil {
			return wrap(err)
		}
		p.Attributes.Permission = attrs.Permission
	}
	if attrs.Owner != "" {
		if _, err := c.expect2xx(ctx, "SITE", "CHOWN", attrs.Owner, p.Location); err != nil {
			return wrap(err)
		}
		p.Attributes.Owner = attrs.Owner
	}
	if attrs.Group != "" {
		if _, err := c.expect2xx(ctx, "SITE", "CHGRP", attrs.Group, p.Location); err != nil {
			return wrap(err)
		}
		p.Attributes.Group = attrs.Group
	}
	return nil
}

func (s *Session) setModTime(ctx context.Context, c *Client, p string, t time.Time) error {
	stamp := formatTimestamp(t)
	if s.hasFeature("MFMT") {
		_, err := c.expect2xx(ctx, "MFMT", stamp, p)
		return err
	}
	if s.utimeDisabled {
		return remotefs.ErrNotSupported
	}
	_, err := c.expect2xx(ctx, "SITE", "UTIME", stamp, stamp, stamp, p, "UTC")
	var pe *ProtocolError
	if errors.As(err, &pe) && pe.IsPermanent() {
		s.utimeDisabled = true
	}
	return err
}

// Mkdir creates dir and returns it typed as a directory.
func (s *Session) Mkdir(ctx context.Context, dir *remotefs.Path) (*remotefs.Path, error) {
	c, err := s.connected()
	if err != nil {
		return nil, err
	}
	if _, err := c.expect2xx(ctx, "MKD", dir.Location); err != nil {
		return nil, remotefs.NewOpError(err, "Cannot create folder %s", dir, s.url())
	}
	created := remotefs.NewPath(dir.Location, remotefs.TypeDirectory)
	created.Host = dir.Host
	return created, nil
}

// Delete removes files with DELE and directories with RMD. Directories
// must be empty; callers delete children first.
func (s *Session) Delete(ctx context.Context, files []*remotefs.Path) error {
	c, err := s.connected()
	if err != nil {
		return err
	}
	for _, f := range files {
		command := "DELE"
		if f.IsDir() && !f.IsSymlink() {
			command = "RMD"
		}
		if _, err := c.expect2xx(ctx, command, f.Location); err != nil {
			return remotefs.NewOpError(err, "Cannot delete %s", f, s.url())
		}
	}
	return nil
}

// Rename moves from to to with RNFR and RNTO.
func (s *Session) Rename(ctx context.Context, from, to *remotefs.Path) error {
	c, err := s.connected()
	if err != nil {
		return err
	}
	if _, err := c.expectCode(ctx, 350, "RNFR", from.Location); err != nil {
		return remotefs.NewOpError(err, "Cannot rename %s", from, s.url())
	}
	if _, err := c.expect2xx(ctx, "RNTO", to.Location); err != nil {
		return remotefs.NewOpError(err, "Cannot rename %s", from, s.url())
	}
	return nil
}
