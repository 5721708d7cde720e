package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/gonzalop/remotefs"
	"github.com/gonzalop/remotefs/ftp"
	"github.com/gonzalop/remotefs/internal/config"
	"github.com/gonzalop/remotefs/s3"
)

// env carries what every command needs.
type env struct {
	cfg    *config.Config
	logger *zap.Logger
	stdout io.Writer
}

// target is a parsed command line URL.
type target struct {
	host     *remotefs.Host
	location string
	dir      bool
}

// parseTarget splits rawURL. A trailing slash marks a directory.
func parseTarget(rawURL string) (*target, error) {
	host, location, err := remotefs.ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	return &target{
		host:     host,
		location: location,
		dir:      strings.HasSuffix(rawURL, remotefs.Delimiter) || location == remotefs.Delimiter,
	}, nil
}

// path returns the remote node of t, typed as a directory or file.
func (t *target) path() *remotefs.Path {
	typ := remotefs.TypeFile
	if t.dir {
		typ = remotefs.TypeDirectory
	}
	p := remotefs.NewPath(t.location, typ)
	p.Host = t.host.URL()
	return p
}

// open connects to the host of t. The session mounts the target itself
// when mountSelf is set and its parent directory otherwise.
func (e *env) open(ctx context.Context, t *target, mountSelf bool) (remotefs.Session, error) {
	host := t.host
	host.DefaultPath = t.location
	if !mountSelf {
		host.DefaultPath = path.Dir(t.location)
	}

	var s remotefs.Session
	switch {
	case host.Protocol.IsFTP():
		host.Encoding = e.cfg.Encoding
		host.Timezone = e.cfg.Timezone
		opts, err := ftpOptions(e.cfg, e.logger)
		if err != nil {
			return nil, err
		}
		if s, err = ftp.New(host, opts...); err != nil {
			return nil, err
		}
	case host.Protocol == remotefs.ProtocolS3:
		host.Region = e.cfg.S3Region
		host.Endpoint = e.cfg.S3Endpoint
		if host.Credentials.Username == "" && e.cfg.S3AccessKey != "" {
			host.Credentials = remotefs.Credentials{Username: e.cfg.S3AccessKey, Password: e.cfg.S3SecretKey}
		}
		var err error
		if s, err = s3.New(host, s3.WithLogger(e.logger), s3.WithConfig(e.cfg)); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported protocol %q", host.Protocol)
	}

	if err := remotefs.Open(ctx, s); err != nil {
		return nil, err
	}
	e.logger.Debug("session opened",
		zap.String("host", host.URL()),
		zap.String("workdir", s.Workdir().Location))
	return s, nil
}

func ftpOptions(cfg *config.Config, logger *zap.Logger) ([]ftp.Option, error) {
	mode, err := remotefs.ParseConnectMode(cfg.FTPConnectMode)
	if err != nil {
		return nil, err
	}
	opts := []ftp.Option{
		ftp.WithLogger(logger),
		ftp.WithTimeout(cfg.Timeout),
		ftp.WithDataTimeout(cfg.DataTimeout),
		ftp.WithConnectMode(mode),
		ftp.WithFallback(cfg.FTPFallback),
	}
	if cfg.Bandwidth > 0 {
		opts = append(opts, ftp.WithBandwidthLimit(int64(cfg.Bandwidth)))
	}
	if cfg.Proxy != "" {
		opts = append(opts, ftp.WithProxy(cfg.Proxy))
	}
	return opts, nil
}

// closeSession ends s, logging instead of failing the command.
func (e *env) closeSession(s remotefs.Session) {
	if err := s.Close(); err != nil {
		e.logger.Debug("close failed", zap.Error(err))
	}
}

// track prints the running byte count of status when --progress is set.
func (e *env) track(status *remotefs.TransferStatus) {
	if !*showProgress {
		return
	}
	total := "?"
	if status.Length >= 0 {
		total = humanize.IBytes(uint64(status.Length))
	}
	status.Progress = func(n int64) {
		fmt.Fprintf(os.Stderr, "\r%s / %s", humanize.IBytes(uint64(n)), total)
	}
}

// formatEntry renders one listing line. name replaces the entry name when
// not empty.
func formatEntry(p *remotefs.Path, long bool, name string) string {
	if name == "" {
		name = p.DisplayName()
	}
	if p.IsDir() {
		name += remotefs.Delimiter
	}
	if p.IsSymlink() && p.Target != nil {
		name += " -> " + p.Target.Location
	}
	if !long {
		return name
	}

	a := p.Attributes
	kind := "-"
	switch {
	case p.IsSymlink():
		kind = "l"
	case p.IsDir():
		kind = "d"
	}
	perm := "---------"
	if a.Permission != nil {
		perm = a.Permission.String()
	}
	size := "-"
	if a.Size >= 0 && !p.IsDir() {
		size = humanize.IBytes(uint64(a.Size))
	}
	modified := "-"
	if !a.ModifiedAt.IsZero() {
		modified = a.ModifiedAt.Format("2006-01-02 15:04")
	}
	return fmt.Sprintf("%s%s %-8s %10s %16s %s", kind, perm, a.Owner, size, modified, name)
}
