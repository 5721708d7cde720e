package ftp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/gonzalop/remotefs"
	"github.com/gonzalop/remotefs/internal/metrics"
)

var (
	// pasvRegex matches the PASV response format: 227 Entering Passive Mode (h1,h2,h3,h4,p1,p2)
	pasvRegex = regexp.MustCompile(`(\d+),(\d+),(\d+),(\d+),(\d+),(\d+)`)

	// epsvRegex matches the EPSV response format: 229 Entering Extended Passive Mode (|||port|)
	epsvRegex = regexp.MustCompile(`\(\|\|\|(\d+)\|\)`)
)

// parsePASV parses a PASV response and returns the host and port.
// Example: "227 Entering Passive Mode (192,168,1,1,195,149)"
// Returns: "192.168.1.1:50069" (195*256 + 149 = 50069)
func parsePASV(response string) (string, error) {
	matches := pasvRegex.FindStringSubmatch(response)
	if len(matches) != 7 {
		return "", fmt.Errorf("invalid PASV response: %s", response)
	}

	var h [4]int
	for i := range 4 {
		val, err := strconv.Atoi(matches[i+1])
		if err != nil || val < 0 || val > 255 {
			return "", fmt.Errorf("invalid PASV IP part: %s", matches[i+1])
		}
		h[i] = val
	}
	host := fmt.Sprintf("%d.%d.%d.%d", h[0], h[1], h[2], h[3])

	p1, err1 := strconv.Atoi(matches[5])
	p2, err2 := strconv.Atoi(matches[6])
	if err1 != nil || err2 != nil || p1 < 0 || p1 > 255 || p2 < 0 || p2 > 255 {
		return "", fmt.Errorf("invalid PASV port parts: %s, %s", matches[5], matches[6])
	}

	return net.JoinHostPort(host, strconv.Itoa(p1*256+p2)), nil
}

// parseEPSV parses an EPSV response and returns the port.
// Example: "229 Entering Extended Passive Mode (|||6446|)"
func parseEPSV(response string) (string, error) {
	matches := epsvRegex.FindStringSubmatch(response)
	if len(matches) != 2 {
		return "", fmt.Errorf("invalid EPSV response: %s", response)
	}

	port, err := strconv.Atoi(matches[1])
	if err != nil || port <= 0 || port > 65535 {
		return "", fmt.Errorf("invalid EPSV port: %s", matches[1])
	}

	return matches[1], nil
}

// formatPORT formats an address for the PORT command.
// Converts "192.168.1.100:50000" to "192,168,1,100,195,80"
func formatPORT(addr string) (string, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}
	ip := net.ParseIP(host).To4()
	if ip == nil {
		return "", fmt.Errorf("PORT requires IPv4 address, got %s", host)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", fmt.Errorf("invalid port: %s", portStr)
	}
	return fmt.Sprintf("%d,%d,%d,%d,%d,%d", ip[0], ip[1], ip[2], ip[3], port/256, port%256), nil
}

// formatEPRT formats an address for the EPRT command: |proto|addr|port|
// with proto 1 for IPv4 and 2 for IPv6.
func formatEPRT(addr string) (string, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return "", fmt.Errorf("invalid IP address: %s", host)
	}
	netPrt := 2
	if ip.To4() != nil {
		netPrt = 1
	}
	return fmt.Sprintf("|%d|%s|%s|", netPrt, host, portStr), nil
}

// resolveDataAddr replaces an unroutable 0.0.0.0 in a PASV reply with the
// control connection host.
func resolveDataAddr(pasvAddr, controlHost string) string {
	host, port, err := net.SplitHostPort(pasvAddr)
	if err != nil {
		return pasvAddr
	}
	if host == "0.0.0.0" {
		return net.JoinHostPort(controlHost, port)
	}
	return pasvAddr
}

// dataChannel is an open data connection together with the command that
// started it.
type dataChannel struct {
	net.Conn
	command string

	// pending is true while the completion reply is still to be read
	pending bool
}

// deadlineConn sets a read/write deadline before every operation.
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if c.timeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(b)
}

func (c *deadlineConn) Write(b []byte) (int, error) {
	if c.timeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(b)
}

// withDataConnection runs action with the connect mode currently stored on
// the Host. When the data connection times out and fallback is enabled, the
// connection is interrupted, re-established, and action runs once more with
// the opposite mode. A successful retry stores that mode on the Host; if the
// retry fails as well the original error is returned.
func (s *Session) withDataConnection(ctx context.Context, action func(mode remotefs.ConnectMode) error) error {
	mode := s.host.ConnectMode
	err := action(mode)
	if err == nil || !s.fallback || !isTimeout(err) || ctx.Err() != nil {
		return err
	}

	next := mode.Opposite()
	s.logger.Warn("data connection timed out, retrying with opposite mode",
		zap.Stringer("from", mode), zap.Stringer("to", next), zap.Error(err))
	_ = s.Interrupt()
	if cerr := s.Check(ctx); cerr != nil {
		metrics.RecordDataFallback(mode.String(), next.String(), false)
		s.logger.Warn("reconnect for fallback failed", zap.Error(cerr))
		return err
	}
	if ferr := action(next); ferr != nil {
		metrics.RecordDataFallback(mode.String(), next.String(), false)
		s.logger.Warn("fallback connect mode failed", zap.Stringer("mode", next), zap.Error(ferr))
		return err
	}
	metrics.RecordDataFallback(mode.String(), next.String(), true)
	s.host.ConnectMode = next
	return nil
}

// openTransfer opens a data connection in mode and issues command. A
// positive offset is sent with REST first. In active mode the server's
// connection is accepted before returning, so a blocked data port shows up
// here as a timeout.
func (s *Session) openTransfer(ctx context.Context, mode remotefs.ConnectMode, offset int64, command string, args ...string) (*dataChannel, error) {
	c, err := s.connected()
	if err != nil {
		return nil, err
	}

	if s.hasFeature("PRET") {
		if _, err := c.expect2xx(ctx, "PRET", joinCommand(command, args)); err != nil {
			s.logger.Warn("PRET failed", zap.String("cmd", command), zap.Error(err))
		}
	}

	var (
		conn     net.Conn
		listener net.Listener
	)
	if mode == remotefs.ConnectActive {
		listener, err = s.openActive(ctx, c)
	} else {
		conn, err = s.openPassive(ctx, c)
	}
	if err != nil {
		return nil, err
	}
	cleanup := func() {
		if conn != nil {
			conn.Close()
		}
		if listener != nil {
			listener.Close()
		}
	}

	if offset > 0 {
		if _, err := c.expectCode(ctx, 350, "REST", strconv.FormatInt(offset, 10)); err != nil {
			cleanup()
			return nil, err
		}
	}

	// Keep-alive stays quiet from the data command until the transfer ends.
	c.transferring.Store(true)
	resp, err := c.sendCommand(ctx, command, args...)
	if err != nil {
		c.transferring.Store(false)
		cleanup()
		return nil, err
	}
	if !resp.Is1xx() && !resp.Is2xx() {
		c.transferring.Store(false)
		cleanup()
		return nil, newProtocolError(joinCommand(command, args), resp)
	}
	// fail gives up on a transfer the server already started. Its final
	// reply is still on the control connection.
	fail := func(err error) (*dataChannel, error) {
		cleanup()
		if resp.Is1xx() {
			s.drainReply(ctx, c, command)
		}
		c.transferring.Store(false)
		return nil, err
	}

	if listener != nil {
		conn, err = s.accept(listener)
		listener.Close()
		listener = nil
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				err = fmt.Errorf("data connection not established: %w", err)
			}
			return fail(err)
		}
	}
	if c.protectData {
		tlsConn := tls.Client(conn, c.tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return fail(fmt.Errorf("data connection TLS handshake failed: %w", err))
		}
		conn = tlsConn
	}

	return &dataChannel{
		Conn:    &deadlineConn{Conn: conn, timeout: s.dataTimeout},
		command: command,
		pending: resp.Is1xx(),
	}, nil
}

// drainReply reads the final reply of a transfer that failed before its
// data connection was up. When none arrives in time the control connection
// is dropped so that Check reconnects.
func (s *Session) drainReply(ctx context.Context, c *Client, command string) {
	timeout := s.timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	resp, err := c.readReply(drainCtx)
	if err != nil {
		s.logger.Warn("no reply after failed data connection, dropping control connection",
			zap.String("cmd", command), zap.Error(err))
		_ = s.Interrupt()
		return
	}
	s.logger.Debug("failed transfer reply", zap.String("cmd", command), zap.Int("code", resp.Code))
}

// openPassive asks the server for a data port with EPSV, or PASV when EPSV
// is disabled or refused, and dials it.
func (s *Session) openPassive(ctx context.Context, c *Client) (net.Conn, error) {
	var addr string
	if !s.epsvDisabled {
		resp, err := c.sendCommand(ctx, "EPSV")
		if err != nil {
			return nil, fmt.Errorf("EPSV failed: %w", err)
		}
		switch {
		case resp.Is2xx():
			if port, perr := parseEPSV(resp.String()); perr == nil {
				addr = net.JoinHostPort(c.host, port)
			}
		case resp.Code >= 500:
			s.epsvDisabled = true
		}
	}

	if addr == "" {
		resp, err := c.expect2xx(ctx, "PASV")
		if err != nil {
			return nil, err
		}
		addr, err = parsePASV(resp.Message)
		if err != nil {
			return nil, err
		}
		addr = resolveDataAddr(addr, c.host)
	}

	dialCtx := ctx
	if s.dataTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, s.dataTimeout)
		defer cancel()
	}
	d, err := s.dialer()
	if err != nil {
		return nil, err
	}
	conn, err := dialContext(dialCtx, d, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to data port: %w", err)
	}
	return conn, nil
}

// openActive listens next to the control connection and announces the port
// with PORT, or EPRT for IPv6.
func (s *Session) openActive(ctx context.Context, c *Client) (net.Listener, error) {
	host, _, err := net.SplitHostPort(c.conn.LocalAddr().String())
	if err != nil {
		host = "127.0.0.1"
	}
	listener, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return nil, fmt.Errorf("failed to create listener: %w", err)
	}

	addr := listener.Addr().String()
	cmd, arg := "PORT", ""
	if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
		cmd = "EPRT"
		arg, err = formatEPRT(addr)
	} else {
		arg, err = formatPORT(addr)
	}
	if err != nil {
		listener.Close()
		return nil, fmt.Errorf("failed to format %s command: %w", cmd, err)
	}
	if _, err := c.expect2xx(ctx, cmd, arg); err != nil {
		listener.Close()
		return nil, err
	}
	return listener, nil
}

// accept waits for the server to connect in active mode.
func (s *Session) accept(l net.Listener) (net.Conn, error) {
	if tl, ok := l.(*net.TCPListener); ok && s.dataTimeout > 0 {
		_ = tl.SetDeadline(time.Now().Add(s.dataTimeout))
	}
	return l.Accept()
}

// finishTransfer closes the data connection and reads the completion reply.
func (s *Session) finishTransfer(ctx context.Context, dc *dataChannel) error {
	c := s.client
	defer c.transferring.Store(false)
	if err := dc.Close(); err != nil {
		s.logger.Debug("closing data connection", zap.Error(err))
	}
	if !dc.pending {
		return nil
	}
	dc.pending = false
	resp, err := c.readReply(ctx)
	if err != nil {
		return fmt.Errorf("failed to read completion response: %w", err)
	}
	if !resp.Is2xx() {
		return newProtocolError(dc.command, resp)
	}
	return nil
}

// abortTransfer stops a transfer that was not read or written to its end.
// Servers answer ABOR with 426 followed by 226, or with a single 225/226.
func (s *Session) abortTransfer(ctx context.Context, dc *dataChannel) error {
	c := s.client
	defer c.transferring.Store(false)
	_ = dc.Close()
	if !dc.pending {
		return nil
	}
	dc.pending = false

	resp, err := c.sendCommand(ctx, "ABOR")
	if err != nil {
		return err
	}
	if resp.Code >= 400 && resp.Code < 500 {
		// The transfer reply came first; the ABOR reply follows.
		if next, err := c.readReply(ctx); err == nil {
			resp = next
		}
	}
	if !resp.Is2xx() {
		s.logger.Debug("ABOR reply", zap.Int("code", resp.Code), zap.String("message", resp.Message))
	}
	return nil
}
