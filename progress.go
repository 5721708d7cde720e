package remotefs

import "io"

// ProgressReader wraps an io.Reader and counts bytes into a TransferStatus.
type ProgressReader struct {
	// Reader is the underlying reader
	Reader io.Reader

	// Status receives the byte count after each Read
	Status *TransferStatus
}

// Read implements io.Reader.
func (pr *ProgressReader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	if pr.Status != nil && n > 0 {
		pr.Status.AddTransferred(int64(n))
	}
	return n, err
}

// ProgressWriter wraps an io.Writer and counts bytes into a TransferStatus.
type ProgressWriter struct {
	// Writer is the underlying writer
	Writer io.Writer

	// Status receives the byte count after each Write
	Status *TransferStatus
}

// Write implements io.Writer.
func (pw *ProgressWriter) Write(p []byte) (int, error) {
	n, err := pw.Writer.Write(p)
	if pw.Status != nil && n > 0 {
		pw.Status.AddTransferred(int64(n))
	}
	return n, err
}
