package ftp

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/encoding"
)

// Client is one FTP control connection. A Session creates a new Client on
// every (re)connect.
type Client struct {
	// conn is the underlying network connection (control channel)
	conn net.Conn

	// reader is a buffered reader for the control channel
	reader lineReader

	// enc and dec translate the control channel when the server does not
	// speak UTF-8. Both are nil for UTF-8.
	enc *encoding.Encoder
	dec *encoding.Decoder

	tlsConfig *tls.Config

	// protectData is true once PROT P was accepted
	protectData bool

	// timeout is the timeout for control channel exchanges
	timeout time.Duration

	logger *zap.Logger

	// host is the hostname of the control connection, used for EPSV and
	// for PASV replies announcing 0.0.0.0
	host string

	// currentType tracks the current transfer type to avoid redundant TYPE commands
	currentType string

	// mu serializes control channel exchanges
	mu sync.Mutex

	// lastCommand tracks the time of the last command sent
	lastCommand time.Time

	// transferring is set from the data command until its completion reply
	transferring atomic.Bool

	quitChan chan struct{}
	quitOnce sync.Once
}

// handshake reads the greeting on a freshly dialed connection and, for
// explicit TLS, upgrades it with AUTH TLS.
func (c *Client) handshake(ctx context.Context, explicitTLS bool) error {
	c.reader = &decodingReader{r: bufio.NewReader(c.conn), dec: c.dec}

	resp, err := c.readReply(ctx)
	if err != nil {
		return fmt.Errorf("failed to read greeting: %w", err)
	}
	if resp.Code != 220 {
		return newProtocolError("CONNECT", resp)
	}

	if explicitTLS {
		return c.upgradeToTLS(ctx)
	}
	return nil
}

// startTLS wraps the control connection in a TLS client and completes the
// handshake within the command timeout.
func (c *Client) startTLS(ctx context.Context, mode string) error {
	c.logger.Debug("starting TLS handshake", zap.String("mode", mode))
	tlsConn := tls.Client(c.conn, c.tlsConfig)
	hsCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		hsCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	if err := tlsConn.HandshakeContext(hsCtx); err != nil {
		return fmt.Errorf("TLS handshake failed: %w", err)
	}
	c.logger.Debug("TLS handshake complete", zap.String("mode", mode))
	c.conn = tlsConn
	c.reader = &decodingReader{r: bufio.NewReader(c.conn), dec: c.dec}
	return nil
}

// upgradeToTLS upgrades the connection to TLS using AUTH TLS.
func (c *Client) upgradeToTLS(ctx context.Context) error {
	if _, err := c.expectCode(ctx, 234, "AUTH", "TLS"); err != nil {
		return fmt.Errorf("AUTH TLS failed: %w", err)
	}
	if err := c.startTLS(ctx, "explicit"); err != nil {
		return err
	}
	return c.protect(ctx)
}

// protect negotiates data channel protection. Servers refusing PROT P are
// asked for PROT C and data connections then stay in clear text.
func (c *Client) protect(ctx context.Context) error {
	if _, err := c.expectCode(ctx, 200, "PBSZ", "0"); err != nil {
		return fmt.Errorf("PBSZ failed: %w", err)
	}
	if _, err := c.expect2xx(ctx, "PROT", "P"); err == nil {
		c.protectData = true
		return nil
	} else if !isProtocolError(err) {
		return err
	}
	c.logger.Warn("server refused PROT P, data connections will not be encrypted")
	if _, err := c.expect2xx(ctx, "PROT", "C"); err != nil {
		return fmt.Errorf("PROT failed: %w", err)
	}
	c.protectData = false
	return nil
}

// login authenticates with the FTP server using the provided username and password.
func (c *Client) login(ctx context.Context, username, password string) error {
	resp, err := c.sendCommand(ctx, "USER", username)
	if err != nil {
		return err
	}

	// 230: already logged in, no password required
	if resp.Code == 230 {
		return nil
	}

	if resp.Code != 331 {
		return newProtocolError("USER "+username, resp)
	}

	_, err = c.expectCode(ctx, 230, "PASS", password)
	return err
}

// setType sets the transfer type (e.g., "A", "I").
func (c *Client) setType(ctx context.Context, transferType string) error {
	if c.currentType == transferType {
		return nil
	}
	if _, err := c.expectCode(ctx, 200, "TYPE", transferType); err != nil {
		return err
	}
	c.currentType = transferType
	return nil
}

// features queries the server for supported features using the FEAT command.
// This implements RFC 2389 - Feature negotiation mechanism for FTP.
func (c *Client) features(ctx context.Context) (map[string]string, error) {
	resp, err := c.sendCommand(ctx, "FEAT")
	if err != nil {
		return nil, err
	}
	if resp.Code != 211 {
		return nil, newProtocolError("FEAT", resp)
	}
	return parseFeatureLines(resp.Lines), nil
}

// parseFeatureLines parses the lines of a FEAT response.
// Supports both formats:
// - RFC 2389: "211-Features:\r\n FEAT1\r\n FEAT2 params\r\n211 End"
// - Traditional: "211-Features\r\n211-FEAT1\r\n211-FEAT2 params\r\n211 End"
func parseFeatureLines(lines []string) map[string]string {
	features := make(map[string]string)
	for i, line := range lines {
		var featureLine string
		switch {
		case len(line) > 0 && line[0] == ' ':
			featureLine = strings.TrimSpace(line)
		case i > 0 && i < len(lines)-1 && len(line) > 4 && line[3] == '-':
			featureLine = strings.TrimSpace(line[4:])
		default:
			continue
		}
		if featureLine == "" {
			continue
		}

		name, params, _ := strings.Cut(featureLine, " ")
		features[strings.ToUpper(name)] = params
	}
	return features
}

// pwd returns the current working directory.
func (c *Client) pwd(ctx context.Context) (string, error) {
	resp, err := c.expect2xx(ctx, "PWD")
	if err != nil {
		return "", err
	}

	// 257 "/home/user" is the current directory
	msg := resp.Message
	start := strings.Index(msg, "\"")
	if start == -1 {
		return "", fmt.Errorf("invalid PWD response: %s", msg)
	}
	end := strings.LastIndex(msg, "\"")
	if end <= start {
		return "", fmt.Errorf("invalid PWD response: %s", msg)
	}
	// Quotes inside the name are doubled.
	return strings.ReplaceAll(msg[start+1:end], `""`, `"`), nil
}

// startKeepAlive sends NOOP whenever the connection was idle for longer
// than idle. It stops when the client is closed.
func (c *Client) startKeepAlive(idle time.Duration) {
	if idle <= 0 {
		return
	}
	c.quitChan = make(chan struct{})

	// Tick at half the idle timeout to be safe
	ticker := time.NewTicker(idle / 2)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if c.transferring.Load() {
					continue
				}
				c.mu.Lock()
				last := c.lastCommand
				c.mu.Unlock()
				if time.Since(last) >= idle {
					c.logger.Debug("sending keep-alive NOOP")
					// Errors surface on the next real command.
					_, _ = c.expect2xx(context.Background(), "NOOP")
				}
			case <-c.quitChan:
				return
			}
		}
	}()
}

func (c *Client) stopKeepAlive() {
	c.quitOnce.Do(func() {
		if c.quitChan != nil {
			close(c.quitChan)
		}
	})
}

// idleFor reports how long ago the last command was sent.
func (c *Client) idleFor() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastCommand)
}

// quit sends QUIT and closes the connection.
func (c *Client) quit(ctx context.Context) error {
	c.stopKeepAlive()
	_, _ = c.sendCommand(ctx, "QUIT")
	return c.conn.Close()
}

// close drops the connection without QUIT.
func (c *Client) close() error {
	c.stopKeepAlive()
	return c.conn.Close()
}
