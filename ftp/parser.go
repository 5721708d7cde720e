package ftp

import (
	"strconv"
	"strings"
	"time"

	"github.com/gonzalop/remotefs"
)

// Precision tells how much of a listed timestamp the server provided.
type Precision int

const (
	PrecisionNone Precision = iota
	PrecisionDay
	PrecisionMinute
	PrecisionSecond
)

// Entry is one parsed line of a directory listing.
type Entry struct {
	Name string
	Type string // "file", "dir" or "link"
	Size int64

	// ModTime holds the wall clock printed by the server in a UTC
	// placeholder zone, unless Absolute is set.
	ModTime   time.Time
	Precision Precision
	Absolute  bool
	Created   time.Time

	Permission *remotefs.Permission
	Owner      string
	Group      string
	Target     string // symlink target
	Charset    string // MLSD charset fact
	Raw        string
}

// ListingParser parses one line of a LIST reply.
type ListingParser interface {
	Parse(line string) (*Entry, bool)
}

// buildParsers orders the built-in parsers by the SYST reply. Custom
// parsers always come first.
func (s *Session) buildParsers(system string) []ListingParser {
	now := s.serverNow
	unix := &UnixParser{Now: now}
	dos := &DOSParser{}
	eplf := &EPLFParser{}
	netware := &NetwareParser{Now: now}

	var builtin []ListingParser
	sys := strings.ToUpper(system)
	switch {
	case strings.Contains(sys, "WINDOWS"):
		builtin = []ListingParser{dos, unix, eplf, netware}
	case strings.Contains(sys, "NETWARE"):
		builtin = []ListingParser{netware, unix, dos, eplf}
	case strings.Contains(sys, "UNIX"):
		builtin = []ListingParser{unix, eplf, dos, netware}
	default:
		builtin = []ListingParser{eplf, dos, unix, netware}
	}
	return append(append([]ListingParser{}, s.customParsers...), builtin...)
}

// serverNow returns the server's wall clock in a UTC placeholder zone.
func (s *Session) serverNow() time.Time {
	n := time.Now().In(s.location)
	return time.Date(n.Year(), n.Month(), n.Day(), n.Hour(), n.Minute(), n.Second(), 0, time.UTC)
}

// parseLine runs parsers in order and returns the first match.
func parseLine(line string, parsers []ListingParser) *Entry {
	trimmed := strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(trimmed) == "" {
		return nil
	}
	for _, parser := range parsers {
		if entry, ok := parser.Parse(trimmed); ok {
			return entry
		}
	}
	return nil
}

// UnixParser parses ls -l style entries, including 8-field listings
// without a group and numeric permission columns.
type UnixParser struct {
	// Now returns the server wall clock; year-less dates resolve to the
	// most recent past occurrence. Defaults to time.Now in UTC.
	Now func() time.Time
}

func (p *UnixParser) Parse(line string) (*Entry, bool) {
	fields := strings.Fields(line)
	if len(fields) < 8 {
		return nil, false
	}
	entry := &Entry{Raw: line}
	if parseUnixEntry(entry, line, fields, now(p.Now)) {
		return entry, true
	}
	return nil, false
}

func now(fn func() time.Time) time.Time {
	if fn != nil {
		return fn()
	}
	return time.Now().UTC()
}

func parseUnixEntry(entry *Entry, line string, fields []string, now time.Time) bool {
	perms := fields[0]

	isSymbolic := len(perms) >= 10 && strings.ContainsRune("-dlbcps", rune(perms[0]))
	isNumeric := len(perms) >= 3 && len(perms) <= 4
	for _, ch := range perms {
		if ch < '0' || ch > '7' {
			isNumeric = false
			break
		}
	}
	if !isSymbolic && !isNumeric {
		return false
	}

	entry.Type = "file"
	if isSymbolic {
		switch perms[0] {
		case 'd':
			entry.Type = "dir"
		case 'l':
			entry.Type = "link"
		}
		entry.Permission, _ = remotefs.ParsePermission(perms[:10])
	} else {
		entry.Permission, _ = remotefs.ParsePermission(perms)
	}

	// 9-field: perms links owner group size month day time/year name
	// 8-field: perms links owner size month day time/year name
	sizeIdx := -1
	for _, idx := range []int{4, 3} {
		if len(fields) <= idx+4 {
			continue
		}
		if _, err := parseSize(fields[idx]); err != nil {
			continue
		}
		if _, ok := parseMonth(fields[idx+1]); ok {
			sizeIdx = idx
			break
		}
	}
	if sizeIdx < 0 {
		return false
	}

	entry.Size, _ = parseSize(fields[sizeIdx])
	entry.Owner = fields[2]
	if sizeIdx == 4 {
		entry.Group = fields[3]
	}
	entry.ModTime, entry.Precision = parseUnixTime(fields[sizeIdx+1], fields[sizeIdx+2], fields[sizeIdx+3], now)

	fullName := nameAfterFields(line, sizeIdx+4)
	if fullName == "" {
		return false
	}

	if entry.Type == "link" {
		if before, after, ok := strings.Cut(fullName, " -> "); ok {
			entry.Name = before
			entry.Target = after
		} else {
			entry.Name = fullName
		}
	} else {
		entry.Name = fullName
	}
	return true
}

// nameAfterFields returns line after skipping n whitespace separated
// fields, preserving spaces inside the remainder.
func nameAfterFields(line string, n int) string {
	rest := line
	for range n {
		rest = strings.TrimLeft(rest, " \t")
		idx := strings.IndexAny(rest, " \t")
		if idx < 0 {
			return ""
		}
		rest = rest[idx:]
	}
	return strings.TrimLeft(rest, " \t")
}

var months = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March,
	"apr": time.April, "may": time.May, "jun": time.June,
	"jul": time.July, "aug": time.August, "sep": time.September,
	"oct": time.October, "nov": time.November, "dec": time.December,
}

func parseMonth(s string) (time.Month, bool) {
	if len(s) < 3 {
		return 0, false
	}
	m, ok := months[strings.ToLower(s[:3])]
	return m, ok
}

// parseUnixTime handles "Mar 14 10:21" (minute precision, year inferred)
// and "Mar 14 2019" (day precision).
func parseUnixTime(month, day, timeOrYear string, now time.Time) (time.Time, Precision) {
	m, ok := parseMonth(month)
	if !ok {
		return time.Time{}, PrecisionNone
	}
	d, err := strconv.Atoi(day)
	if err != nil || d < 1 || d > 31 {
		return time.Time{}, PrecisionNone
	}

	if hh, mm, ok := strings.Cut(timeOrYear, ":"); ok {
		hour, err1 := strconv.Atoi(hh)
		minute, err2 := strconv.Atoi(mm)
		if err1 != nil || err2 != nil {
			return time.Time{}, PrecisionNone
		}
		t := time.Date(now.Year(), m, d, hour, minute, 0, 0, time.UTC)
		// Allow a day of clock skew before assuming last year.
		if t.After(now.Add(24 * time.Hour)) {
			t = t.AddDate(-1, 0, 0)
		}
		return t, PrecisionMinute
	}

	year, err := strconv.Atoi(timeOrYear)
	if err != nil {
		return time.Time{}, PrecisionNone
	}
	return time.Date(year, m, d, 0, 0, 0, 0, time.UTC), PrecisionDay
}

// DOSParser parses DOS/Windows-style directory entries, e.g.
// "12-14-23  12:22PM  1037794 report.pdf" or "09-24-24  10:30AM  <DIR>  logs".
type DOSParser struct{}

func (p *DOSParser) Parse(line string) (*Entry, bool) {
	fields := strings.Fields(line)
	if len(fields) < 4 || !isDOSDate(fields[0]) {
		return nil, false
	}
	entry := &Entry{Raw: line}
	if !parseDOSEntry(entry, fields) {
		return nil, false
	}
	entry.Name = nameAfterFields(line, 3)
	if entry.Name == "" {
		return nil, false
	}
	return entry, true
}

// isDOSDate checks if a string looks like a DOS/Windows date format.
// Common formats: MM-DD-YY, MM-DD-YYYY, MM/DD/YY, MM/DD/YYYY
func isDOSDate(s string) bool {
	var parts []string
	if strings.Contains(s, "-") {
		parts = strings.Split(s, "-")
	} else if strings.Contains(s, "/") {
		parts = strings.Split(s, "/")
	} else {
		return false
	}
	if len(parts) != 3 {
		return false
	}
	for i, part := range parts {
		if len(part) < 1 || len(part) > 4 {
			return false
		}
		if i == 2 && len(part) != 2 && len(part) != 4 {
			return false
		}
		if i < 2 && len(part) > 2 {
			return false
		}
		for _, ch := range part {
			if ch < '0' || ch > '9' {
				return false
			}
		}
	}
	return true
}

func parseDOSEntry(entry *Entry, fields []string) bool {
	if t, ok := parseDOSTime(fields[0], fields[1]); ok {
		entry.ModTime = t
		entry.Precision = PrecisionMinute
	}

	if strings.EqualFold(fields[2], "<DIR>") {
		entry.Type = "dir"
		entry.Size = -1
		return true
	}

	size, err := parseSize(fields[2])
	if err != nil {
		return false
	}
	entry.Type = "file"
	entry.Size = size
	return true
}

func parseDOSTime(date, clock string) (time.Time, bool) {
	sep := "-"
	if strings.Contains(date, "/") {
		sep = "/"
	}
	parts := strings.Split(date, sep)
	month, err1 := strconv.Atoi(parts[0])
	day, err2 := strconv.Atoi(parts[1])
	year, err3 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return time.Time{}, false
	}
	if len(parts[2]) == 2 {
		if year < 70 {
			year += 2000
		} else {
			year += 1900
		}
	}

	upper := strings.ToUpper(clock)
	pm := strings.HasSuffix(upper, "PM")
	am := strings.HasSuffix(upper, "AM")
	upper = strings.TrimSuffix(strings.TrimSuffix(upper, "PM"), "AM")
	hh, mm, ok := strings.Cut(upper, ":")
	if !ok {
		return time.Time{}, false
	}
	hour, err1 := strconv.Atoi(hh)
	minute, err2 := strconv.Atoi(mm)
	if err1 != nil || err2 != nil {
		return time.Time{}, false
	}
	switch {
	case pm && hour < 12:
		hour += 12
	case am && hour == 12:
		hour = 0
	}
	return time.Date(year, time.Month(month), day, hour, minute, 0, 0, time.UTC), true
}

// EPLFParser parses EPLF entries.
// Format: +facts\tname, e.g. "+i8388621.48594,m825718503,r,s280,\tdjb.html"
type EPLFParser struct{}

func (p *EPLFParser) Parse(line string) (*Entry, bool) {
	if !strings.HasPrefix(line, "+") {
		return nil, false
	}
	facts, name, ok := strings.Cut(line[1:], "\t")
	if !ok {
		facts, name, ok = strings.Cut(line[1:], " ")
		if !ok {
			return nil, false
		}
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, false
	}

	entry := &Entry{Raw: line, Name: name, Type: "file", Size: -1}
	for fact := range strings.SplitSeq(facts, ",") {
		if fact == "" {
			continue
		}
		switch fact[0] {
		case '/':
			entry.Type = "dir"
		case 's':
			if size, err := parseSize(fact[1:]); err == nil {
				entry.Size = size
			}
		case 'm':
			if secs, err := strconv.ParseInt(fact[1:], 10, 64); err == nil {
				entry.ModTime = time.Unix(secs, 0).UTC()
				entry.Precision = PrecisionSecond
				entry.Absolute = true
			}
		case 'u':
			if strings.HasPrefix(fact, "up") {
				entry.Permission, _ = remotefs.ParsePermission(fact[2:])
			}
		}
	}
	return entry, true
}

// NetwareParser parses Novell Netware listings, e.g.
// "d [RWCEAFMS] admin  512 Apr 12 12:00 public".
type NetwareParser struct {
	Now func() time.Time
}

func (p *NetwareParser) Parse(line string) (*Entry, bool) {
	fields := strings.Fields(line)
	if len(fields) < 8 {
		return nil, false
	}
	if fields[0] != "d" && fields[0] != "-" {
		return nil, false
	}
	if !strings.HasPrefix(fields[1], "[") || !strings.HasSuffix(fields[1], "]") {
		return nil, false
	}
	size, err := parseSize(fields[3])
	if err != nil {
		return nil, false
	}
	entry := &Entry{
		Raw:   line,
		Type:  "file",
		Size:  size,
		Owner: fields[2],
	}
	if fields[0] == "d" {
		entry.Type = "dir"
	}
	entry.ModTime, entry.Precision = parseUnixTime(fields[4], fields[5], fields[6], now(p.Now))
	entry.Name = nameAfterFields(line, 7)
	if entry.Name == "" {
		return nil, false
	}
	return entry, true
}

// parseSize parses a size string from a directory listing.
func parseSize(sizeStr string) (int64, error) {
	return strconv.ParseInt(sizeStr, 10, 64)
}
