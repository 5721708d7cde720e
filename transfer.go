package remotefs

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Download copies file into w.
func Download(ctx context.Context, b Backend, file *Path, w io.Writer, status *TransferStatus) error {
	r, err := b.Read(ctx, file, status)
	if err != nil {
		return err
	}
	_, copyErr := io.Copy(w, r)
	closeErr := r.Close()
	if copyErr != nil {
		return NewOpError(copyErr, "Download %s failed", file, b.Host().URL())
	}
	return closeErr
}

// Upload copies status.Length bytes of src, starting at status.Offset, to
// file. Backends implementing Uploader take over the whole transfer.
func Upload(ctx context.Context, b Backend, file *Path, src io.ReaderAt, status *TransferStatus) error {
	if status.Length < 0 {
		return errors.New("upload requires a known length")
	}
	if u, ok := b.(Uploader); ok {
		return u.Upload(ctx, file, src, status)
	}

	w, err := b.Write(ctx, file, status)
	if err != nil {
		return err
	}
	n, copyErr := io.Copy(w, io.NewSectionReader(src, status.Offset, status.Length))
	closeErr := w.Close()
	if copyErr != nil {
		return NewOpError(copyErr, "Upload %s failed", file, b.Host().URL())
	}
	if closeErr != nil {
		return closeErr
	}
	if n != status.Length {
		return NewOpError(fmt.Errorf("short upload: %d of %d bytes", n, status.Length), "Upload %s failed", file, b.Host().URL())
	}
	return nil
}
