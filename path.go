package remotefs

import (
	"path"
	"strings"
)

// Delimiter separates segments of a Location.
const Delimiter = "/"

// Path identifies a remote node by its absolute location.
type Path struct {
	// Host is the session the node belongs to, usually "scheme://host:port".
	Host string

	// Location is absolute, "/" separated, without trailing delimiter
	// except for the root.
	Location string

	Attributes Attributes

	// Target is the resolved destination of a symbolic link.
	Target *Path

	// Local is the local file bound to this path for a transfer.
	Local string
}

// NewPath returns a path with a normalized location and unknown size.
func NewPath(location string, t EntryType) *Path {
	return &Path{
		Location:   Normalize(location),
		Attributes: NewAttributes(t),
	}
}

// Normalize cleans location and makes it absolute.
func Normalize(location string) string {
	if location == "" {
		return Delimiter
	}
	if !strings.HasPrefix(location, Delimiter) {
		location = Delimiter + location
	}
	return path.Clean(location)
}

// IsRoot reports whether the path is "/".
func (p *Path) IsRoot() bool {
	return p.Location == Delimiter
}

// IsDir reports whether the path denotes a directory or volume.
func (p *Path) IsDir() bool {
	return p.Attributes.Type&(TypeDirectory|TypeVolume) != 0
}

// IsFile reports whether the path denotes a file.
func (p *Path) IsFile() bool {
	return p.Attributes.Type.Is(TypeFile)
}

// IsSymlink reports whether the path denotes a symbolic link.
func (p *Path) IsSymlink() bool {
	return p.Attributes.Type.Is(TypeSymlink)
}

// Name returns the last segment of the location. The root is named "/".
func (p *Path) Name() string {
	if p.IsRoot() {
		return Delimiter
	}
	return path.Base(p.Location)
}

// DisplayName is the name shown to users in messages.
func (p *Path) DisplayName() string {
	if p.Attributes.Duplicate && p.Attributes.VersionID != "" {
		return p.Name() + " (" + p.Attributes.VersionID + ")"
	}
	return p.Name()
}

// Parent returns the containing directory. The root is its own parent.
func (p *Path) Parent() *Path {
	if p.IsRoot() {
		return p
	}
	parent := NewPath(path.Dir(p.Location), TypeDirectory)
	parent.Host = p.Host
	return parent
}

// Child returns a new path named name below p.
func (p *Path) Child(name string, t EntryType) *Path {
	child := NewPath(path.Join(p.Location, name), t)
	child.Host = p.Host
	return child
}

// Reference returns a key stable across listings, suitable for caches.
// Versions of the same object have distinct references.
func (p *Path) Reference() string {
	if p.Attributes.VersionID != "" {
		return p.Location + "?versionId=" + p.Attributes.VersionID
	}
	return p.Location
}

// Equal reports whether both paths name the same node and version.
func (p *Path) Equal(other *Path) bool {
	if p == nil || other == nil {
		return p == other
	}
	return p.Location == other.Location && p.Attributes.VersionID == other.Attributes.VersionID
}

// IsChildOf reports whether p is located below dir.
func (p *Path) IsChildOf(dir *Path) bool {
	if p.Location == dir.Location {
		return false
	}
	if dir.IsRoot() {
		return true
	}
	return strings.HasPrefix(p.Location, dir.Location+Delimiter)
}

func (p *Path) String() string {
	return p.Host + p.Reference()
}
