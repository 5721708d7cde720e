package ftp

import (
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gonzalop/remotefs"
)

// mockServer is a scripted FTP server. Every accepted connection gets a
// greeting and is then driven by handlers; commands without a handler get
// a canned default reply.
type mockServer struct {
	t        *testing.T
	listener net.Listener
	addr     string

	mu       sync.Mutex
	handlers map[string]func(c *textproto.Conn, args string)
	// received records every command line, e.g. "LIST -a /pub"
	received []string
	// dataListener serves passive mode data connections
	dataListener net.Listener
	// activeAddr is the address announced with PORT
	activeAddr string

	conns sync.WaitGroup
	done  chan struct{}
}

func newMockServer(t *testing.T) *mockServer {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ms := &mockServer{
		t:        t,
		listener: l,
		addr:     l.Addr().String(),
		handlers: make(map[string]func(*textproto.Conn, string)),
		done:     make(chan struct{}),
	}
	t.Cleanup(ms.stop)
	return ms
}

// handle registers h for cmd.
func (ms *mockServer) handle(cmd string, h func(c *textproto.Conn, args string)) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.handlers[cmd] = h
}

// reply makes cmd answer with the given lines.
func (ms *mockServer) reply(cmd string, lines ...string) {
	ms.handle(cmd, func(c *textproto.Conn, args string) {
		for _, line := range lines {
			_ = c.PrintfLine("%s", line)
		}
	})
}

// features makes FEAT advertise the given features.
func (ms *mockServer) features(feats ...string) {
	lines := []string{"211-Features:"}
	for _, f := range feats {
		lines = append(lines, " "+f)
	}
	ms.reply("FEAT", append(lines, "211 End")...)
}

func (ms *mockServer) start() {
	go func() {
		defer close(ms.done)
		for {
			conn, err := ms.listener.Accept()
			if err != nil {
				return
			}
			ms.conns.Add(1)
			go func() {
				defer ms.conns.Done()
				ms.serve(conn)
			}()
		}
	}()
}

func (ms *mockServer) serve(conn net.Conn) {
	defer conn.Close()

	fmt.Fprintf(conn, "220 Service ready\r\n")
	textConn := textproto.NewConn(conn)
	defer textConn.Close()

	for {
		line, err := textConn.ReadLine()
		if err != nil {
			return
		}
		cmd, args, _ := strings.Cut(line, " ")
		cmd = strings.ToUpper(cmd)

		ms.mu.Lock()
		ms.received = append(ms.received, line)
		handler, ok := ms.handlers[cmd]
		ms.mu.Unlock()

		if ok {
			handler(textConn, args)
			continue
		}
		switch cmd {
		case "USER":
			_ = textConn.PrintfLine("331 User name okay, need password.")
		case "PASS":
			_ = textConn.PrintfLine("230 User logged in, proceed.")
		case "QUIT":
			_ = textConn.PrintfLine("221 Service closing control connection.")
			return
		case "TYPE", "NOOP":
			_ = textConn.PrintfLine("200 Command okay.")
		case "SYST":
			_ = textConn.PrintfLine("215 UNIX Type: L8")
		case "PWD":
			_ = textConn.PrintfLine(`257 "/" is current directory.`)
		case "CWD":
			_ = textConn.PrintfLine("250 Directory changed.")
		default:
			_ = textConn.PrintfLine("502 Command not implemented.")
		}
	}
}

func (ms *mockServer) stop() {
	ms.listener.Close()
	ms.mu.Lock()
	if ms.dataListener != nil {
		ms.dataListener.Close()
	}
	ms.mu.Unlock()
	select {
	case <-ms.done:
	case <-time.After(2 * time.Second):
	}
}

// commands returns the command lines received so far.
func (ms *mockServer) commands() []string {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return append([]string(nil), ms.received...)
}

// count returns how many received command lines start with prefix.
func (ms *mockServer) count(prefix string) int {
	n := 0
	for _, line := range ms.commands() {
		if strings.HasPrefix(line, prefix) {
			n++
		}
	}
	return n
}

// enablePassive answers every PASV with a fresh listener owned by the
// server, so a data connection abandoned by the client is never handed to
// the next transfer.
func (ms *mockServer) enablePassive() {
	ms.handle("PASV", func(c *textproto.Conn, args string) {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			_ = c.PrintfLine("425 Cannot open passive connection.")
			return
		}
		ms.mu.Lock()
		if ms.dataListener != nil {
			ms.dataListener.Close()
		}
		ms.dataListener = l
		ms.activeAddr = ""
		ms.mu.Unlock()

		port := l.Addr().(*net.TCPAddr).Port
		_ = c.PrintfLine("227 Entering Passive Mode (127,0,0,1,%d,%d).", port/256, port%256)
	})
}

// enableActive accepts PORT and remembers the announced address.
func (ms *mockServer) enableActive() {
	ms.handle("PORT", func(c *textproto.Conn, args string) {
		parts := strings.Split(args, ",")
		if len(parts) != 6 {
			_ = c.PrintfLine("501 Bad PORT.")
			return
		}
		p1, _ := strconv.Atoi(parts[4])
		p2, _ := strconv.Atoi(parts[5])
		ms.mu.Lock()
		ms.activeAddr = net.JoinHostPort(strings.Join(parts[:4], "."), strconv.Itoa(p1*256+p2))
		ms.mu.Unlock()
		_ = c.PrintfLine("200 PORT command successful.")
	})
}

// dataConn returns the data connection for the current transfer: accepted
// from the passive listener, or dialed to the PORT address.
func (ms *mockServer) dataConn() (net.Conn, error) {
	ms.mu.Lock()
	active, l := ms.activeAddr, ms.dataListener
	ms.activeAddr = ""
	ms.mu.Unlock()
	if active != "" {
		return net.DialTimeout("tcp", active, time.Second)
	}
	if l == nil {
		return nil, fmt.Errorf("no data listener")
	}
	return l.Accept()
}

// sendData runs a complete download on the data connection.
func (ms *mockServer) sendData(c *textproto.Conn, payload string) {
	_ = c.PrintfLine("150 Opening data connection.")
	conn, err := ms.dataConn()
	if err != nil {
		ms.t.Errorf("mock server data connection: %v", err)
		return
	}
	_, _ = io.WriteString(conn, payload)
	conn.Close()
	_ = c.PrintfLine("226 Transfer complete.")
}

// receiveData runs a complete upload and returns the received bytes.
func (ms *mockServer) receiveData(c *textproto.Conn, complete bool) []byte {
	_ = c.PrintfLine("150 Ok to send data.")
	conn, err := ms.dataConn()
	if err != nil {
		ms.t.Errorf("mock server data connection: %v", err)
		return nil
	}
	data, _ := io.ReadAll(conn)
	conn.Close()
	if complete {
		_ = c.PrintfLine("226 Transfer complete.")
	}
	return data
}

// listing joins LIST lines with CRLF.
func listing(lines ...string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\r\n") + "\r\n"
}

// newTestSession opens a session against ms with short timeouts and a
// fixed UTC zone.
func newTestSession(t *testing.T, ms *mockServer, opts ...Option) *Session {
	t.Helper()
	s := newMockSession(t, ms, nil, opts...)
	if err := remotefs.Open(t.Context(), s); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return s
}

// newMockSession returns a disconnected session for ms. host may carry
// extra settings; its address is always replaced.
func newMockSession(t *testing.T, ms *mockServer, host *remotefs.Host, opts ...Option) *Session {
	t.Helper()
	if host == nil {
		host = &remotefs.Host{}
	}
	tcp := ms.listener.Addr().(*net.TCPAddr)
	host.Protocol = remotefs.ProtocolFTP
	host.Hostname = "127.0.0.1"
	host.Port = tcp.Port

	base := []Option{
		WithTimeout(2 * time.Second),
		WithDataTimeout(time.Second),
		WithTimezone(time.UTC),
	}
	s, err := New(host, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}
