package remotefs

import (
	"context"
	"io"
	"time"
)

// Capability names an optional backend feature.
type Capability int

const (
	// CapVersioning: listings include previous versions of objects.
	CapVersioning Capability = iota
	// CapResume: reads and writes honor TransferStatus.Append.
	CapResume
	// CapACL: access control lists can be read and written.
	CapACL
	// CapTimestamps: modification times can be written.
	CapTimestamps
	// CapPermissions: Unix permissions can be written.
	CapPermissions
	// CapOwnership: owner and group can be written.
	CapOwnership
	// CapPresign: shareable signed URLs can be generated.
	CapPresign
	// CapMultipart: large uploads are split into concurrent parts.
	CapMultipart
)

var capabilityNames = [...]string{
	CapVersioning:  "versioning",
	CapResume:      "resume",
	CapACL:         "acl",
	CapTimestamps:  "timestamps",
	CapPermissions: "permissions",
	CapOwnership:   "ownership",
	CapPresign:     "presign",
	CapMultipart:   "multipart",
}

func (c Capability) String() string {
	if int(c) < len(capabilityNames) {
		return capabilityNames[c]
	}
	return "unknown"
}

// State is the lifecycle state of a Session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateInterrupted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateInterrupted:
		return "interrupted"
	case StateClosed:
		return "closed"
	}
	return "disconnected"
}

// Backend is the protocol independent surface shared by all sessions.
type Backend interface {
	// Host returns the destination of the backend.
	Host() *Host

	// Supports reports whether an optional feature is available. The answer
	// may depend on negotiation and is only reliable after Login.
	Supports(Capability) bool

	// List returns the children of dir in server order. On failure
	// dir.Attributes.Unreadable is set.
	List(ctx context.Context, dir *Path) (*AttributedList, error)

	// ReadAttributes refreshes p.Attributes from the server.
	ReadAttributes(ctx context.Context, p *Path) error

	// WriteAttributes applies the non-zero fields of attrs to p.
	WriteAttributes(ctx context.Context, p *Path, attrs Attributes) error

	// Read opens file for reading. Closing the stream completes or aborts
	// the transfer depending on whether it was read to the end.
	Read(ctx context.Context, file *Path, status *TransferStatus) (io.ReadCloser, error)

	// Write opens file for writing. Closing the stream completes the
	// transfer once status.Length bytes were written and aborts it otherwise.
	Write(ctx context.Context, file *Path, status *TransferStatus) (io.WriteCloser, error)

	Mkdir(ctx context.Context, dir *Path) (*Path, error)
	Delete(ctx context.Context, files []*Path) error
	Rename(ctx context.Context, from, to *Path) error
}

// Session adds the connection lifecycle to a Backend. A session owns one
// control connection and must not be used by two goroutines at once.
type Session interface {
	Backend

	Connect(ctx context.Context) error
	Login(ctx context.Context) error

	// Mount selects the working directory and returns it.
	Mount(ctx context.Context) (*Path, error)

	// Workdir returns the directory selected by Mount.
	Workdir() *Path

	// Check verifies the connection and reconnects once if it went stale.
	Check(ctx context.Context) error

	// Interrupt drops the connection without a protocol goodbye.
	Interrupt() error

	// Close ends the session gracefully.
	Close() error

	State() State
}

// Uploader is implemented by backends with a random access upload path,
// such as concurrent multipart uploads.
type Uploader interface {
	Upload(ctx context.Context, file *Path, src io.ReaderAt, status *TransferStatus) error
}

// Presigner is implemented by backends that can hand out signed URLs.
type Presigner interface {
	PresignedURL(ctx context.Context, file *Path, expires time.Duration) (string, error)
}

// Reverter is implemented by backends that can restore a previous version.
type Reverter interface {
	Revert(ctx context.Context, version *Path) error
}

// Open connects, logs in and mounts s.
func Open(ctx context.Context, s Session) error {
	if err := s.Connect(ctx); err != nil {
		return err
	}
	if err := s.Login(ctx); err != nil {
		_ = s.Interrupt()
		return err
	}
	if _, err := s.Mount(ctx); err != nil {
		_ = s.Close()
		return err
	}
	return nil
}
