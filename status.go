package remotefs

import (
	"sync/atomic"
	"time"
)

// Part records a completed part of a multipart upload.
type Part struct {
	Number       int32
	ETag         string
	Size         int64
	LastModified time.Time
}

// TransferStatus tracks a single transfer. Offset, Length and Append are set
// by the caller before the transfer starts; the remaining state is updated
// by the backend while bytes move and may be read concurrently through the
// accessor methods.
type TransferStatus struct {
	// Offset is the position in the remote file where the transfer starts.
	Offset int64

	// Length is the number of bytes to move, or -1 if unknown.
	Length int64

	// Append requests resuming at Offset. Backends clear it when the server
	// cannot resume.
	Append bool

	// Checksum is the expected hex MD5 of the content, if known. Object
	// storage backends send it so the server verifies the upload.
	Checksum string

	StorageClass string
	Encryption   string
	ContentType  string
	Metadata     map[string]string

	// Parts lists completed parts of a multipart upload. Only the goroutine
	// driving the upload appends to it.
	Parts []Part

	// Progress, if set, is called with the running byte count.
	Progress func(transferred int64)

	transferred atomic.Int64
	complete    atomic.Bool
	canceled    atomic.Bool
}

// NewTransferStatus returns a status for a transfer of length bytes.
func NewTransferStatus(length int64) *TransferStatus {
	return &TransferStatus{Length: length}
}

// Transferred returns the number of bytes moved so far.
func (s *TransferStatus) Transferred() int64 {
	return s.transferred.Load()
}

// AddTransferred adds n bytes to the running count.
func (s *TransferStatus) AddTransferred(n int64) {
	total := s.transferred.Add(n)
	if s.Progress != nil && n > 0 {
		s.Progress(total)
	}
}

// Complete reports whether the transfer finished and was acknowledged.
func (s *TransferStatus) Complete() bool {
	return s.complete.Load()
}

// SetComplete marks the transfer as finished.
func (s *TransferStatus) SetComplete() {
	s.complete.Store(true)
}

// Cancel asks the backend to stop the transfer.
func (s *TransferStatus) Cancel() {
	s.canceled.Store(true)
}

// Canceled reports whether Cancel was called.
func (s *TransferStatus) Canceled() bool {
	return s.canceled.Load()
}

// Remaining returns Length minus the bytes already moved, or -1.
func (s *TransferStatus) Remaining() int64 {
	if s.Length < 0 {
		return -1
	}
	return s.Length - s.Transferred()
}
