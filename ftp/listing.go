package ftp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/transform"

	"github.com/gonzalop/remotefs"
	"github.com/gonzalop/remotefs/internal/metrics"
)

// listStrategy is one way of obtaining a directory listing. Strategies are
// tried in order until one yields an entry other than the directory itself.
type listStrategy struct {
	name    string
	enabled func() bool
	run     func(ctx context.Context, dir *remotefs.Path) ([]*Entry, error)

	// rejected runs when the server refused the command
	rejected func()
	// empty runs when the strategy yielded nothing
	empty func()
}

func (s *Session) strategies() []listStrategy {
	firstMLSD := !s.mlsdTried
	return []listStrategy{
		{
			name:     "stat",
			enabled:  func() bool { return !s.statDisabled },
			run:      s.listStat,
			rejected: func() { s.statDisabled = true },
		},
		{
			name:    "mlsd",
			enabled: func() bool { return s.hasFeature("MLST") && !s.mlsdDisabled },
			run: func(ctx context.Context, dir *remotefs.Path) ([]*Entry, error) {
				s.mlsdTried = true
				return s.listMLSD(ctx, dir)
			},
			rejected: func() { s.mlsdDisabled = true },
			empty: func() {
				// Only the first listing decides; later empty
				// directories are genuine.
				if firstMLSD {
					s.mlsdDisabled = true
				}
			},
		},
		{
			name:    "list-a",
			enabled: func() bool { return !s.listAllDisabled },
			run: func(ctx context.Context, dir *remotefs.Path) ([]*Entry, error) {
				return s.listData(ctx, dir, "-a")
			},
			rejected: func() { s.listAllDisabled = true },
		},
		{
			name:    "list",
			enabled: func() bool { return true },
			run: func(ctx context.Context, dir *remotefs.Path) ([]*Entry, error) {
				return s.listData(ctx, dir)
			},
		},
	}
}

// List returns the children of dir. A failure marks dir unreadable.
func (s *Session) List(ctx context.Context, dir *remotefs.Path) (*remotefs.AttributedList, error) {
	entries, err := s.listEntries(ctx, dir)
	if err != nil {
		dir.Attributes.Unreadable = true
		return nil, remotefs.NewOpError(err, "Listing directory %s failed", dir, s.url())
	}
	dir.Attributes.Unreadable = false
	return s.toList(ctx, dir, entries), nil
}

// listEntries runs the strategy cascade. Strategies refused by the server
// are disabled for the session as they go; connection failures end the
// cascade.
func (s *Session) listEntries(ctx context.Context, dir *remotefs.Path) ([]*Entry, error) {
	var (
		lastErr error
		result  []*Entry
		listed  bool
	)
	for _, st := range s.strategies() {
		if !st.enabled() {
			continue
		}
		raw, err := st.run(ctx, dir)
		if err != nil {
			if !isProtocolError(err) {
				metrics.RecordListing(st.name, "error")
				return nil, err
			}
			lastErr = err
			if st.rejected != nil {
				st.rejected()
				metrics.RecordListing(st.name, "disabled")
				s.logger.Debug("listing strategy disabled", zap.String("strategy", st.name), zap.Error(err))
			} else {
				metrics.RecordListing(st.name, "error")
			}
			continue
		}

		entries, ok := s.filterEntries(dir, raw)
		if ok {
			metrics.RecordListing(st.name, "success")
			return entries, nil
		}
		metrics.RecordListing(st.name, "empty")
		if st.empty != nil {
			st.empty()
		}
		result, listed = entries, true
	}
	if listed {
		return result, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no listing strategy available")
	}
	return nil, lastErr
}

// listStat lists dir over the control connection.
func (s *Session) listStat(ctx context.Context, dir *remotefs.Path) ([]*Entry, error) {
	c, err := s.connected()
	if err != nil {
		return nil, err
	}
	resp, err := c.expect2xx(ctx, "STAT", dir.Location)
	if err != nil {
		return nil, err
	}
	if len(resp.Lines) < 3 {
		return nil, nil
	}

	prefix := fmt.Sprintf("%03d-", resp.Code)
	var entries []*Entry
	for _, line := range resp.Lines[1 : len(resp.Lines)-1] {
		line = strings.TrimPrefix(line, prefix)
		line = strings.TrimLeft(line, " ")
		if e := parseLine(line, s.parsers); e != nil {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// listMLSD lists dir with MLSD over a data connection.
func (s *Session) listMLSD(ctx context.Context, dir *remotefs.Path) ([]*Entry, error) {
	lines, err := s.readListing(ctx, "MLSD", dir.Location)
	if err != nil {
		return nil, err
	}
	var entries []*Entry
	warned := map[string]bool{}
	for _, line := range lines {
		e, err := parseMLEntry(strings.TrimSpace(line))
		if errors.Is(err, errSkipFact) {
			continue
		}
		if err != nil {
			s.logger.Warn("skipping MLSD line", zap.String("line", line), zap.Error(err))
			continue
		}
		if e.Charset != "" && !warned[e.Charset] && !sameCharset(e.Charset, s.host.Encoding) {
			warned[e.Charset] = true
			s.logger.Warn("MLSD charset differs from session encoding",
				zap.String("path", dir.Location),
				zap.String("charset", e.Charset),
				zap.String("encoding", s.host.Encoding))
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// listData lists dir with LIST and the given flags.
func (s *Session) listData(ctx context.Context, dir *remotefs.Path, flags ...string) ([]*Entry, error) {
	args := append(flags, dir.Location)
	lines, err := s.readListing(ctx, "LIST", args...)
	if err != nil {
		return nil, err
	}
	var entries []*Entry
	for _, line := range lines {
		if e := parseLine(line, s.parsers); e != nil {
			entries = append(entries, e)
		} else {
			s.logger.Debug("unable to parse LIST line", zap.String("raw", line))
		}
	}
	return entries, nil
}

// readListing runs a listing command over a data connection and returns
// its lines.
func (s *Session) readListing(ctx context.Context, command string, args ...string) ([]string, error) {
	var lines []string
	err := s.withDataConnection(ctx, func(mode remotefs.ConnectMode) error {
		lines = nil
		c, err := s.connected()
		if err != nil {
			return err
		}
		if err := c.setType(ctx, "A"); err != nil {
			return err
		}
		dc, err := s.openTransfer(ctx, mode, 0, command, args...)
		if err != nil {
			return err
		}
		var r io.Reader = dc
		if c.dec != nil {
			r = transform.NewReader(dc, c.dec)
		}
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines = append(lines, scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			_ = s.abortTransfer(ctx, dc)
			return fmt.Errorf("failed to read directory listing: %w", err)
		}
		return s.finishTransfer(ctx, dc)
	})
	return lines, err
}

// filterEntries drops "." and "..", and names with a directory part that
// does not lie below dir. It reports whether any entry other than one
// naming dir itself remains.
func (s *Session) filterEntries(dir *remotefs.Path, raw []*Entry) ([]*Entry, bool) {
	var kept []*Entry
	counted := 0
	prefix := dir.Location
	if !dir.IsRoot() {
		prefix += remotefs.Delimiter
	}
	for _, e := range raw {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		if strings.Contains(e.Name, remotefs.Delimiter) {
			if !strings.HasPrefix(e.Name, prefix) {
				s.logger.Debug("skipping entry outside of directory", zap.String("name", e.Name), zap.String("dir", dir.Location))
				continue
			}
			e.Name = path.Base(e.Name)
		}
		if e.Type == "dir" && !dir.IsRoot() && e.Name == dir.Name() {
			s.logger.Warn("suspicious listing entry naming the directory itself",
				zap.String("dir", dir.Location), zap.String("raw", e.Raw))
			kept = append(kept, e)
			continue
		}
		kept = append(kept, e)
		counted++
	}
	return kept, counted > 0
}

// toList converts entries to paths below dir. Symbolic links are probed
// with CWD to tell links to directories from links to files.
func (s *Session) toList(ctx context.Context, dir *remotefs.Path, entries []*Entry) *remotefs.AttributedList {
	list := remotefs.NewAttributedList()
	probed := false
	for _, e := range entries {
		t := remotefs.TypeFile
		if e.Type == "dir" {
			t = remotefs.TypeDirectory
		}
		p := dir.Child(e.Name, t)
		p.Attributes.Size = e.Size
		p.Attributes.ModifiedAt = s.entryTime(e)
		p.Attributes.CreatedAt = e.Created
		p.Attributes.Permission = e.Permission
		p.Attributes.Owner = e.Owner
		p.Attributes.Group = e.Group

		if e.Type == "link" {
			target := p.Location
			if e.Target != "" {
				target = e.Target
				if !strings.HasPrefix(target, remotefs.Delimiter) {
					target = path.Join(dir.Location, target)
				}
			}
			kind := remotefs.TypeFile
			if s.isDirectory(ctx, target) {
				kind = remotefs.TypeDirectory
			}
			probed = true
			p.Attributes.Type = kind | remotefs.TypeSymlink
			p.Target = remotefs.NewPath(target, kind)
			p.Target.Host = dir.Host
		}
		if !list.Add(p) {
			s.logger.Debug("duplicate listing entry", zap.String("path", p.Location))
		}
	}
	if probed && s.workdir != nil {
		if c, err := s.connected(); err == nil {
			if _, err := c.expect2xx(ctx, "CWD", s.workdir.Location); err != nil {
				s.logger.Warn("cannot restore working directory", zap.String("path", s.workdir.Location), zap.Error(err))
			}
		}
	}
	return list
}

// isDirectory reports whether CWD into p succeeds.
func (s *Session) isDirectory(ctx context.Context, p string) bool {
	c, err := s.connected()
	if err != nil {
		return false
	}
	_, err = c.expect2xx(ctx, "CWD", p)
	return err == nil
}

func (s *Session) entryTime(e *Entry) time.Time {
	if e.Absolute {
		return e.ModTime
	}
	return inLocation(e.ModTime, s.location)
}
