package ftp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/encoding"

	"github.com/gonzalop/remotefs/internal/logging"
	"github.com/gonzalop/remotefs/internal/metrics"
)

// Response represents an FTP server response.
type Response struct {
	// Code is the three-digit response code (e.g., 220, 550)
	Code int

	// Message is the human-readable message from the server
	Message string

	// Lines contains all lines of the response (for multi-line responses)
	Lines []string
}

// Is1xx returns true for a preliminary reply such as "150 Opening data connection".
func (r *Response) Is1xx() bool {
	return r.Code >= 100 && r.Code < 200
}

// Is2xx returns true if the response code is in the 2xx range (success).
func (r *Response) Is2xx() bool {
	return r.Code >= 200 && r.Code < 300
}

// Is3xx returns true if the response code is in the 3xx range (intermediate).
func (r *Response) Is3xx() bool {
	return r.Code >= 300 && r.Code < 400
}

// String returns the full response as a string.
func (r *Response) String() string {
	return strings.Join(r.Lines, "\n")
}

// lineReader yields one control channel line at a time, newline included.
type lineReader interface {
	ReadString(delim byte) (string, error)
}

// decodingReader converts lines from the session encoding to UTF-8.
type decodingReader struct {
	r   *bufio.Reader
	dec *encoding.Decoder
}

func (d *decodingReader) ReadString(delim byte) (string, error) {
	line, err := d.r.ReadString(delim)
	if err != nil || d.dec == nil {
		return line, err
	}
	decoded, derr := d.dec.String(line)
	if derr != nil {
		return line, nil
	}
	return decoded, nil
}

// readResponse reads a complete FTP response from the reader.
// It handles both single-line and multi-line responses.
//
// Single-line format: "220 Welcome\r\n"
// Multi-line format:
//
//	"220-Welcome to FTP\r\n"
//	"220-This is line 2\r\n"
//	"220 Ready\r\n"
//
// The response is complete when a line starts with the code followed by a space.
func readResponse(r lineReader) (*Response, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}

	line = strings.TrimRight(line, "\r\n")
	if len(line) < 3 {
		return nil, fmt.Errorf("invalid response line: %q", line)
	}

	code, err := strconv.Atoi(line[0:3])
	if err != nil || code < 100 || code > 699 || line[0] < '1' {
		return nil, fmt.Errorf("invalid response code: %q", line[0:3])
	}

	lines := []string{line}

	// "220" alone is a valid, if terse, reply.
	if len(line) == 3 {
		return &Response{Code: code, Lines: lines}, nil
	}

	if line[3] == ' ' {
		return &Response{
			Code:    code,
			Message: line[4:],
			Lines:   lines,
		}, nil
	}

	if line[3] != '-' {
		return nil, fmt.Errorf("invalid response format: %q", line)
	}

	if err := readMultiLine(r, code, &lines); err != nil {
		return nil, err
	}

	prefix := line[0:3]
	var messageLines []string
	for _, l := range lines {
		if len(l) >= 4 && l[0:3] == prefix && (l[3] == '-' || l[3] == ' ') {
			l = l[4:]
		}
		if l = strings.TrimSpace(l); l != "" {
			messageLines = append(messageLines, l)
		}
	}

	return &Response{
		Code:    code,
		Message: strings.Join(messageLines, "\n"),
		Lines:   lines,
	}, nil
}

// readMultiLine collects lines until "<code> " ends the reply. Lines that do
// not start with the code are listing or feature lines and are kept as is.
func readMultiLine(r lineReader, code int, lines *[]string) error {
	codeStr := fmt.Sprintf("%03d", code)

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return io.ErrUnexpectedEOF
			}
			return err
		}

		line = strings.TrimRight(line, "\r\n")
		*lines = append(*lines, line)

		if len(line) >= 4 && line[0:3] == codeStr && line[3] == ' ' {
			return nil
		}
		if line == codeStr {
			return nil
		}
	}
}

// applyDeadline bounds the next control channel exchange by the command
// timeout and the context deadline, whichever comes first.
func (c *Client) applyDeadline(ctx context.Context) error {
	var deadline time.Time
	if c.timeout > 0 {
		deadline = time.Now().Add(c.timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	return c.conn.SetDeadline(deadline)
}

// interruptOn makes blocked control channel I/O return when ctx is done.
// The returned function must be called once the exchange is over.
func (c *Client) interruptOn(ctx context.Context) func() bool {
	conn := c.conn
	return context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
}

// sendCommand sends an FTP command and returns the response.
func (c *Client) sendCommand(ctx context.Context, command string, args ...string) (*Response, error) {
	cmd := command
	if len(args) > 0 {
		cmd = command + " " + strings.Join(args, " ")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.logger.Debug("ftp command", zap.String("cmd", logging.Redact(cmd)))
	c.lastCommand = time.Now()
	start := c.lastCommand

	if err := c.applyDeadline(ctx); err != nil {
		return nil, fmt.Errorf("failed to set deadline: %w", err)
	}
	stop := c.interruptOn(ctx)
	defer stop()

	wire := cmd
	if c.enc != nil {
		encoded, err := c.enc.String(cmd)
		if err != nil {
			return nil, fmt.Errorf("cannot encode command %q: %w", command, err)
		}
		wire = encoded
	}
	if _, err := io.WriteString(c.conn, wire+"\r\n"); err != nil {
		metrics.RecordFTPCommand(command, 0, time.Since(start))
		return nil, c.contextError(ctx, fmt.Errorf("failed to send command: %w", err))
	}

	resp, err := readResponse(c.reader)
	metrics.RecordFTPCommand(command, responseCode(resp), time.Since(start))
	if err != nil {
		return nil, c.contextError(ctx, fmt.Errorf("failed to read response: %w", err))
	}

	c.logger.Debug("ftp response", zap.Int("code", resp.Code), zap.String("message", resp.Message))
	return resp, nil
}

// readReply reads a reply without sending a command, as needed after a data
// transfer or for the greeting.
func (c *Client) readReply(ctx context.Context) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.applyDeadline(ctx); err != nil {
		return nil, fmt.Errorf("failed to set deadline: %w", err)
	}
	stop := c.interruptOn(ctx)
	defer stop()

	resp, err := readResponse(c.reader)
	if err != nil {
		return nil, c.contextError(ctx, fmt.Errorf("failed to read response: %w", err))
	}
	c.logger.Debug("ftp response", zap.Int("code", resp.Code), zap.String("message", resp.Message))
	return resp, nil
}

// contextError prefers the context error when ctx ended the exchange.
func (c *Client) contextError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}
	return err
}

func responseCode(resp *Response) int {
	if resp == nil {
		return 0
	}
	return resp.Code
}

// expectCode sends a command and verifies the response code matches the expected code.
func (c *Client) expectCode(ctx context.Context, expectedCode int, command string, args ...string) (*Response, error) {
	resp, err := c.sendCommand(ctx, command, args...)
	if err != nil {
		return nil, err
	}

	if resp.Code != expectedCode {
		return resp, newProtocolError(joinCommand(command, args), resp)
	}

	return resp, nil
}

// expect2xx sends a command and verifies the response is in the 2xx range (success).
func (c *Client) expect2xx(ctx context.Context, command string, args ...string) (*Response, error) {
	resp, err := c.sendCommand(ctx, command, args...)
	if err != nil {
		return nil, err
	}

	if !resp.Is2xx() {
		return resp, newProtocolError(joinCommand(command, args), resp)
	}

	return resp, nil
}

func joinCommand(command string, args []string) string {
	if len(args) == 0 {
		return command
	}
	return command + " " + strings.Join(args, " ")
}
