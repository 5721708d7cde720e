package remotefs

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EntryType is a bitset describing the kind of a remote node.
type EntryType uint8

const (
	TypeFile EntryType = 1 << iota
	TypeDirectory
	TypeSymlink
	// TypePlaceholder marks a zero-length object standing in for a
	// directory in a key based object store.
	TypePlaceholder
	// TypeVolume marks a top level container such as a bucket.
	TypeVolume
)

// Is reports whether all bits of other are set.
func (t EntryType) Is(other EntryType) bool {
	return other != 0 && t&other == other
}

// String returns a short, human-readable form such as "dir|link".
func (t EntryType) String() string {
	if t == 0 {
		return "none"
	}
	var parts []string
	names := []struct {
		bit  EntryType
		name string
	}{
		{TypeFile, "file"},
		{TypeDirectory, "dir"},
		{TypeSymlink, "link"},
		{TypePlaceholder, "placeholder"},
		{TypeVolume, "volume"},
	}
	for _, n := range names {
		if t&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// Action is a set of read/write/execute bits.
type Action uint8

const (
	ActionExecute Action = 1 << iota
	ActionWrite
	ActionRead

	ActionNone Action = 0
	ActionAll         = ActionRead | ActionWrite | ActionExecute
)

func (a Action) String() string {
	b := []byte("---")
	if a&ActionRead != 0 {
		b[0] = 'r'
	}
	if a&ActionWrite != 0 {
		b[1] = 'w'
	}
	if a&ActionExecute != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// Permission is the user/group/other by read/write/execute matrix.
type Permission struct {
	User  Action
	Group Action
	Other Action
}

// ParsePermission accepts a symbolic mode ("rwxr-xr-x", optionally with a
// leading type character as printed by ls) or an octal mode ("755", "0644").
func ParsePermission(s string) (*Permission, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty permission")
	}
	if s[0] >= '0' && s[0] <= '7' {
		mode, err := strconv.ParseUint(s, 8, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid octal permission %q: %w", s, err)
		}
		return PermissionFromMode(uint32(mode)), nil
	}
	if len(s) == 10 {
		s = s[1:]
	}
	if len(s) != 9 {
		return nil, fmt.Errorf("invalid symbolic permission %q", s)
	}
	p := &Permission{}
	targets := []*Action{&p.User, &p.Group, &p.Other}
	for i, target := range targets {
		triple := s[i*3 : i*3+3]
		if triple[0] == 'r' {
			*target |= ActionRead
		}
		if triple[1] == 'w' {
			*target |= ActionWrite
		}
		switch triple[2] {
		case 'x', 's', 't':
			*target |= ActionExecute
		}
	}
	return p, nil
}

// PermissionFromMode converts the low nine bits of a Unix mode.
func PermissionFromMode(mode uint32) *Permission {
	return &Permission{
		User:  Action(mode>>6) & ActionAll,
		Group: Action(mode>>3) & ActionAll,
		Other: Action(mode) & ActionAll,
	}
}

// Mode returns the permission as Unix mode bits.
func (p *Permission) Mode() uint32 {
	return uint32(p.User)<<6 | uint32(p.Group)<<3 | uint32(p.Other)
}

// Octal returns the mode as a four digit octal string, e.g. "0755".
func (p *Permission) Octal() string {
	return fmt.Sprintf("%04o", p.Mode())
}

// String returns the symbolic form, e.g. "rwxr-xr-x".
func (p *Permission) String() string {
	return p.User.String() + p.Group.String() + p.Other.String()
}

// Grant gives a role to a principal.
type Grant struct {
	// Principal is a canonical user id, an email address or a group URI.
	Principal string
	// Role is the permission granted, e.g. READ or FULL_CONTROL.
	Role string
}

// ACL is an access control list attached to a node.
type ACL struct {
	Owner  string
	Grants []Grant
}

// Attributes describe a remote node. Zero values mean "unknown" except for
// Size, where -1 is used since zero is a valid size.
type Attributes struct {
	Size       int64
	ModifiedAt time.Time
	CreatedAt  time.Time
	Type       EntryType
	Permission *Permission
	Owner      string
	Group      string

	// Checksum is an entity tag or digest as reported by the server.
	Checksum     string
	VersionID    string
	StorageClass string
	Encryption   string
	ContentType  string
	Metadata     map[string]string
	ACL          *ACL

	// Duplicate marks a non-latest version of an object.
	Duplicate bool
	Revision  int

	// Unreadable is set when listing the node failed.
	Unreadable bool
}

// NewAttributes returns attributes of the given type with an unknown size.
func NewAttributes(t EntryType) Attributes {
	return Attributes{Size: -1, Type: t}
}

// Readable reports whether the last listing of the node succeeded.
func (a *Attributes) Readable() bool {
	return !a.Unreadable
}

// Validate checks the invariants every listed node must satisfy.
func (a *Attributes) Validate() error {
	if a.Size < -1 {
		return fmt.Errorf("invalid size %d", a.Size)
	}
	if a.Duplicate && a.VersionID == "" {
		return errors.New("duplicate without version id")
	}
	if a.Type == 0 {
		return errors.New("missing entry type")
	}
	return nil
}
