package ftp

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/gonzalop/remotefs"
	"github.com/gonzalop/remotefs/internal/metrics"
	"github.com/gonzalop/remotefs/internal/ratelimit"
)

// Read opens file for download. When status.Append is set and the server
// supports REST STREAM, the transfer resumes at status.Offset; otherwise
// Append is cleared and the whole file is sent.
//
// Closing the stream after EOF reads the completion reply; closing it
// earlier aborts the transfer with ABOR.
func (s *Session) Read(ctx context.Context, file *remotefs.Path, status *remotefs.TransferStatus) (io.ReadCloser, error) {
	if status.Append && !s.restStream {
		s.logger.Debug("server does not support REST STREAM, downloading from the start")
		status.Append = false
	}
	offset := int64(0)
	if status.Append {
		offset = status.Offset
	}

	var dc *dataChannel
	err := s.withDataConnection(ctx, func(mode remotefs.ConnectMode) error {
		c, err := s.connected()
		if err != nil {
			return err
		}
		if err := c.setType(ctx, s.transferType); err != nil {
			return err
		}
		dc, err = s.openTransfer(ctx, mode, offset, "RETR", file.Location)
		return err
	})
	if err != nil {
		return nil, remotefs.NewOpError(err, "Download %s failed", file, s.url())
	}
	return &readStream{
		ctx:    ctx,
		s:      s,
		file:   file,
		dc:     dc,
		r:      ratelimit.NewReader(ctx, dc, s.limiter),
		status: status,
	}, nil
}

type readStream struct {
	ctx    context.Context
	s      *Session
	file   *remotefs.Path
	dc     *dataChannel
	r      io.Reader
	status *remotefs.TransferStatus
	n      int64
	eof    bool
	closed bool
}

func (rs *readStream) Read(p []byte) (int, error) {
	if rs.status.Canceled() {
		return 0, context.Canceled
	}
	n, err := rs.r.Read(p)
	if n > 0 {
		rs.n += int64(n)
		rs.status.AddTransferred(int64(n))
	}
	if errors.Is(err, io.EOF) {
		rs.eof = true
	}
	return n, err
}

func (rs *readStream) Close() error {
	if rs.closed {
		return nil
	}
	rs.closed = true
	var err error
	if rs.eof {
		err = rs.s.finishTransfer(rs.ctx, rs.dc)
	} else {
		rs.s.logger.Debug("aborting download", zap.String("path", rs.file.Location), zap.Int64("bytes", rs.n))
		err = rs.s.abortTransfer(rs.ctx, rs.dc)
	}
	ok := rs.eof && err == nil
	if ok {
		rs.status.SetComplete()
	}
	metrics.RecordTransfer("ftp", "download", rs.n, ok)
	return remotefs.NewOpError(err, "Download %s failed", rs.file, rs.s.url())
}

// Write opens file for upload. With status.Append and REST STREAM support
// the data is appended with APPE, otherwise the file is replaced with STOR.
//
// Closing the stream after status.Length bytes (or any number of bytes
// when the length is unknown) reads the completion reply; closing a short
// stream aborts the transfer.
func (s *Session) Write(ctx context.Context, file *remotefs.Path, status *remotefs.TransferStatus) (io.WriteCloser, error) {
	if status.Append && !s.restStream {
		status.Append = false
	}
	command := "STOR"
	if status.Append {
		command = "APPE"
	}

	var dc *dataChannel
	err := s.withDataConnection(ctx, func(mode remotefs.ConnectMode) error {
		c, err := s.connected()
		if err != nil {
			return err
		}
		if err := c.setType(ctx, s.transferType); err != nil {
			return err
		}
		dc, err = s.openTransfer(ctx, mode, 0, command, file.Location)
		return err
	})
	if err != nil {
		return nil, remotefs.NewOpError(err, "Upload %s failed", file, s.url())
	}
	return &writeStream{
		ctx:    ctx,
		s:      s,
		file:   file,
		dc:     dc,
		w:      ratelimit.NewWriter(ctx, dc, s.limiter),
		status: status,
	}, nil
}

type writeStream struct {
	ctx    context.Context
	s      *Session
	file   *remotefs.Path
	dc     *dataChannel
	w      io.Writer
	status *remotefs.TransferStatus
	n      int64
	failed bool
	closed bool
}

func (ws *writeStream) Write(p []byte) (int, error) {
	if ws.status.Canceled() {
		ws.failed = true
		return 0, context.Canceled
	}
	n, err := ws.w.Write(p)
	if n > 0 {
		ws.n += int64(n)
		ws.status.AddTransferred(int64(n))
	}
	if err != nil {
		ws.failed = true
	}
	return n, err
}

func (ws *writeStream) Close() error {
	if ws.closed {
		return nil
	}
	ws.closed = true
	complete := !ws.failed && (ws.status.Length < 0 || ws.n == ws.status.Length)

	var err error
	if complete {
		err = ws.s.finishTransfer(ws.ctx, ws.dc)
	} else {
		ws.s.logger.Debug("aborting upload", zap.String("path", ws.file.Location),
			zap.Int64("bytes", ws.n), zap.Int64("length", ws.status.Length))
		err = ws.s.abortTransfer(ws.ctx, ws.dc)
		if err == nil {
			err = fmt.Errorf("upload incomplete: %d of %d bytes", ws.n, ws.status.Length)
		}
	}
	ok := err == nil
	if ok {
		ws.status.SetComplete()
	}
	metrics.RecordTransfer("ftp", "upload", ws.n, ok)
	return remotefs.NewOpError(err, "Upload %s failed", ws.file, ws.s.url())
}
