package ftp

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gonzalop/remotefs"
)

// errSkipFact marks MLSD lines that are valid but carry no child entry,
// such as "cdir" and "pdir".
var errSkipFact = errors.New("entry skipped")

// parseMLEntry parses a single MLST/MLSD entry line.
// Format: "fact1=value1;fact2=value2; name"
func parseMLEntry(line string) (*Entry, error) {
	factsStr, name, ok := strings.Cut(line, " ")
	if !ok || name == "" {
		return nil, fmt.Errorf("invalid ML entry format: no space separator")
	}

	facts := make(map[string]string)
	for pair := range strings.SplitSeq(factsStr, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		facts[strings.ToLower(key)] = value
	}

	entry := &Entry{Raw: line, Name: name, Size: -1}

	typ := strings.ToLower(facts["type"])
	switch {
	case typ == "file":
		entry.Type = "file"
	case typ == "dir":
		entry.Type = "dir"
	case typ == "cdir" || typ == "pdir":
		return nil, errSkipFact
	case strings.HasPrefix(typ, "os.unix=slink"), strings.HasPrefix(typ, "os.unix=symlink"):
		entry.Type = "link"
		if _, target, ok := strings.Cut(facts["type"], ":"); ok {
			entry.Target = target
		}
	case typ == "":
		entry.Type = "file"
	default:
		return nil, fmt.Errorf("unknown type fact %q", facts["type"])
	}

	if v, ok := facts["size"]; ok {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			entry.Size = size
		}
	}
	if v, ok := facts["modify"]; ok {
		if t, err := parseTimestamp(v); err == nil {
			entry.ModTime = t
			entry.Precision = PrecisionSecond
			entry.Absolute = true
		}
	}
	if v, ok := facts["unix.mode"]; ok {
		entry.Permission, _ = remotefs.ParsePermission(v)
	}
	entry.Owner = firstFact(facts, "unix.owner", "unix.uid")
	entry.Group = firstFact(facts, "unix.group", "unix.gid")
	if entry.Permission == nil {
		if perm, ok := facts["perm"]; ok {
			entry.Permission = permFromPermFact(perm, entry.Type == "dir")
		}
	}
	entry.Charset = facts["charset"]
	if v, ok := facts["create"]; ok {
		if t, err := parseTimestamp(v); err == nil {
			entry.Created = t
		}
	}
	return entry, nil
}

func firstFact(facts map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := facts[k]; v != "" {
			return v
		}
	}
	return ""
}

// permFromPermFact maps the RFC 3659 perm fact to owner permissions. The
// fact only describes the logged in user.
func permFromPermFact(perm string, dir bool) *remotefs.Permission {
	p := &remotefs.Permission{}
	if strings.ContainsAny(perm, "rl") {
		p.User |= remotefs.ActionRead
	}
	if strings.ContainsAny(perm, "wacdfmp") {
		p.User |= remotefs.ActionWrite
	}
	if dir && strings.Contains(perm, "e") {
		p.User |= remotefs.ActionExecute
	}
	return p
}

// mlst returns the facts of a single path using MLST. The entry arrives on
// the control connection between the 250 lines.
func (s *Session) mlst(ctx context.Context, p string) (*Entry, error) {
	c, err := s.connected()
	if err != nil {
		return nil, err
	}
	resp, err := c.expectCode(ctx, 250, "MLST", p)
	if err != nil {
		return nil, err
	}
	for _, line := range resp.Lines[1:] {
		if len(line) >= 4 && strings.HasPrefix(line, "250") && (line[3] == ' ' || line[3] == '-') {
			continue
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		return parseMLEntry(trimmed)
	}
	return nil, fmt.Errorf("no entry found in MLST response")
}
