package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/gonzalop/remotefs"
	"github.com/gonzalop/remotefs/ftp"
)

type command func(ctx context.Context, e *env, args []string) error

var commands = map[string]command{
	"ls":    runList,
	"get":   runGet,
	"put":   runPut,
	"rm":    runRemove,
	"mkdir": runMkdir,
	"mv":    runMove,
	"url":   runURL,
	"tz":    runTimezone,
}

// parseFlags parses a subcommand's flags and checks the argument count.
func parseFlags(fs *flag.FlagSet, args []string, minArgs, maxArgs int) error {
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%s: %w", fs.Name(), err)
	}
	if fs.NArg() < minArgs || (maxArgs >= 0 && fs.NArg() > maxArgs) {
		return fmt.Errorf("%s: wrong number of arguments: %w", fs.Name(), errUsage)
	}
	return nil
}

func runList(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("ls", flag.ContinueOnError)
	long := fs.BoolP("long", "l", false, "show permissions, owner, size and modification time")
	recursive := fs.BoolP("recursive", "R", false, "list subdirectories")
	if err := parseFlags(fs, args, 1, 1); err != nil {
		return err
	}
	t, err := parseTarget(fs.Arg(0))
	if err != nil {
		return err
	}
	t.dir = true
	s, err := e.open(ctx, t, true)
	if err != nil {
		return err
	}
	defer e.closeSession(s)

	lister := remotefs.NewLister(s, e.logger)
	dir := s.Workdir()
	if !*recursive {
		list, err := lister.List(ctx, dir)
		if err != nil {
			return err
		}
		for _, p := range list.Entries() {
			fmt.Fprintln(e.stdout, formatEntry(p, *long, ""))
		}
		return nil
	}
	return lister.Walk(ctx, dir, func(ctx context.Context, p *remotefs.Path, err error) error {
		if err != nil {
			e.logger.Warn("cannot list directory", zap.String("path", p.Location), zap.Error(err))
			return nil
		}
		if p == dir {
			return nil
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(p.Location, dir.Location), remotefs.Delimiter)
		fmt.Fprintln(e.stdout, formatEntry(p, *long, rel))
		return nil
	})
}

func runGet(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	resume := fs.Bool("resume", false, "continue a partial download")
	if err := parseFlags(fs, args, 1, 2); err != nil {
		return err
	}
	t, err := parseTarget(fs.Arg(0))
	if err != nil {
		return err
	}
	if t.dir {
		return fmt.Errorf("get: %s is a directory", t.location)
	}
	local := fs.Arg(1)
	if local == "" {
		local = path.Base(t.location)
	}

	s, err := e.open(ctx, t, false)
	if err != nil {
		return err
	}
	defer e.closeSession(s)

	file := t.path()
	if err := s.ReadAttributes(ctx, file); err != nil {
		return err
	}
	status := remotefs.NewTransferStatus(file.Attributes.Size)
	if *resume {
		if info, err := os.Stat(local); err == nil && info.Size() > 0 && (file.Attributes.Size < 0 || info.Size() < file.Attributes.Size) {
			status.Offset = info.Size()
			status.Append = true
			if file.Attributes.Size >= 0 {
				status.Length = file.Attributes.Size - info.Size()
			}
		}
	}

	f, err := os.OpenFile(local, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	e.track(status)
	start := time.Now()
	r, err := s.Read(ctx, file, status)
	if err != nil {
		return err
	}
	// Without server support the download restarts from the beginning.
	if status.Append {
		_, err = f.Seek(status.Offset, io.SeekStart)
	} else {
		err = f.Truncate(0)
	}
	if err != nil {
		_ = r.Close()
		return err
	}
	_, copyErr := io.Copy(f, r)
	if err := r.Close(); err != nil && copyErr == nil {
		copyErr = err
	}
	if copyErr != nil {
		return copyErr
	}
	return e.report(local, status, start)
}

func runPut(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("put", flag.ContinueOnError)
	resume := fs.Bool("resume", false, "continue a partial upload")
	contentType := fs.String("content-type", "", "content type, guessed from the extension when empty")
	if err := parseFlags(fs, args, 2, 2); err != nil {
		return err
	}
	local := fs.Arg(0)
	t, err := parseTarget(fs.Arg(1))
	if err != nil {
		return err
	}
	if t.dir {
		t.location = path.Join(t.location, filepath.Base(local))
		t.dir = false
	}

	f, err := os.Open(local)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	s, err := e.open(ctx, t, false)
	if err != nil {
		return err
	}
	defer e.closeSession(s)

	file := t.path()
	status := remotefs.NewTransferStatus(info.Size())
	status.ContentType = *contentType
	if status.ContentType == "" {
		status.ContentType = mime.TypeByExtension(filepath.Ext(local))
	}
	if *resume {
		status.Append = true
		// Stream uploads continue after the bytes the server already has;
		// multipart uploads skip the parts it already has.
		if _, multipart := s.(remotefs.Uploader); !multipart {
			if err := s.ReadAttributes(ctx, file); err == nil && file.Attributes.Size > 0 && file.Attributes.Size < info.Size() {
				status.Offset = file.Attributes.Size
				status.Length = info.Size() - file.Attributes.Size
			}
		}
	}

	e.track(status)
	start := time.Now()
	if err := remotefs.Upload(ctx, s, file, f, status); err != nil {
		return err
	}
	return e.report(t.location, status, start)
}

func (e *env) report(name string, status *remotefs.TransferStatus, start time.Time) error {
	if *showProgress {
		fmt.Fprintln(os.Stderr)
	}
	elapsed := time.Since(start)
	rate := ""
	if secs := elapsed.Seconds(); secs > 0 {
		rate = fmt.Sprintf(" (%s/s)", humanize.IBytes(uint64(float64(status.Transferred())/secs)))
	}
	fmt.Fprintf(e.stdout, "%s: %s in %s%s\n", name, humanize.IBytes(uint64(status.Transferred())), elapsed.Round(time.Millisecond), rate)
	return nil
}

func runRemove(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("rm", flag.ContinueOnError)
	recursive := fs.BoolP("recursive", "r", false, "delete directories and their contents")
	if err := parseFlags(fs, args, 1, -1); err != nil {
		return err
	}
	var targets []*target
	for _, arg := range fs.Args() {
		t, err := parseTarget(arg)
		if err != nil {
			return err
		}
		if len(targets) > 0 && t.host.URL() != targets[0].host.URL() {
			return fmt.Errorf("rm: %s is on another host", arg)
		}
		targets = append(targets, t)
	}

	s, err := e.open(ctx, targets[0], false)
	if err != nil {
		return err
	}
	defer e.closeSession(s)

	var files []*remotefs.Path
	for _, t := range targets {
		p := t.path()
		if !p.IsDir() || !*recursive {
			files = append(files, p)
			continue
		}
		// Children are deleted before the directories holding them.
		var tree []*remotefs.Path
		err := remotefs.NewLister(s, e.logger).Walk(ctx, p, func(ctx context.Context, node *remotefs.Path, err error) error {
			if err != nil {
				return err
			}
			tree = append(tree, node)
			return nil
		})
		if err != nil {
			return err
		}
		slices.Reverse(tree)
		files = append(files, tree...)
	}
	if err := s.Delete(ctx, files); err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "deleted %d item(s)\n", len(files))
	return nil
}

func runMkdir(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("mkdir", flag.ContinueOnError)
	if err := parseFlags(fs, args, 1, 1); err != nil {
		return err
	}
	t, err := parseTarget(fs.Arg(0))
	if err != nil {
		return err
	}
	t.dir = true
	s, err := e.open(ctx, t, false)
	if err != nil {
		return err
	}
	defer e.closeSession(s)

	created, err := s.Mkdir(ctx, t.path())
	if err != nil {
		return err
	}
	fmt.Fprintln(e.stdout, formatEntry(created, false, created.Location))
	return nil
}

func runMove(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("mv", flag.ContinueOnError)
	if err := parseFlags(fs, args, 2, 2); err != nil {
		return err
	}
	t, err := parseTarget(fs.Arg(0))
	if err != nil {
		return err
	}
	s, err := e.open(ctx, t, false)
	if err != nil {
		return err
	}
	defer e.closeSession(s)

	from := t.path()
	to := remotefs.NewPath(moveTarget(t.location, fs.Arg(1)), from.Attributes.Type)
	if err := s.Rename(ctx, from, to); err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "%s -> %s\n", from.Location, to.Location)
	return nil
}

// moveTarget resolves dst against the directory of from. A dst ending in
// a slash keeps the name of from.
func moveTarget(from, dst string) string {
	keepName := strings.HasSuffix(dst, remotefs.Delimiter)
	if !strings.HasPrefix(dst, remotefs.Delimiter) {
		dst = path.Join(path.Dir(from), dst)
	}
	if keepName {
		dst = path.Join(dst, path.Base(from))
	}
	return remotefs.Normalize(dst)
}

func runURL(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("url", flag.ContinueOnError)
	expires := fs.Duration("expires", 0, "validity of the URL, the backend default when zero")
	version := fs.String("version", "", "object version to sign")
	if err := parseFlags(fs, args, 1, 1); err != nil {
		return err
	}
	t, err := parseTarget(fs.Arg(0))
	if err != nil {
		return err
	}
	s, err := e.open(ctx, t, false)
	if err != nil {
		return err
	}
	defer e.closeSession(s)

	presigner, ok := s.(remotefs.Presigner)
	if !ok || !s.Supports(remotefs.CapPresign) {
		return fmt.Errorf("url: %w", remotefs.ErrNotSupported)
	}
	file := t.path()
	file.Attributes.VersionID = *version
	u, err := presigner.PresignedURL(ctx, file, *expires)
	if err != nil {
		return err
	}
	fmt.Fprintln(e.stdout, u)
	return nil
}

func runTimezone(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("tz", flag.ContinueOnError)
	if err := parseFlags(fs, args, 1, 1); err != nil {
		return err
	}
	t, err := parseTarget(fs.Arg(0))
	if err != nil {
		return err
	}
	if !t.host.Protocol.IsFTP() {
		return fmt.Errorf("tz: %w for %s", remotefs.ErrNotSupported, t.host.Protocol)
	}
	t.dir = true
	s, err := e.open(ctx, t, true)
	if err != nil {
		return err
	}
	defer e.closeSession(s)

	session, ok := s.(*ftp.Session)
	if !ok {
		return errors.New("tz: not an FTP session")
	}
	zones, err := session.InferTimezone(ctx, s.Workdir())
	if err != nil {
		return err
	}
	if len(zones) == 0 {
		return errors.New("tz: no file with a usable timestamp in this directory")
	}
	for _, z := range zones {
		fmt.Fprintln(e.stdout, z.String())
	}
	return nil
}
