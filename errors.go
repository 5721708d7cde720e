package remotefs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"golang.org/x/crypto/ssh"
)

var (
	// ErrNotSupported is returned for operations the backend cannot perform.
	ErrNotSupported = errors.New("operation not supported")

	// ErrPoolClosed is returned when work is submitted to a worker pool
	// after it was shut down.
	ErrPoolClosed = errors.New("worker pool closed")
)

// Kind labels the origin of a failure. It is meant for diagnostics and
// must not drive control flow.
type Kind int

const (
	KindUnknown Kind = iota
	KindFTP
	KindTransport
	KindObjectStorage
	KindAuthorization
	KindCDN
	KindHTTP
	KindNetwork
	KindDNS
	KindIO
)

var kindNames = [...]string{
	KindUnknown:       "unknown",
	KindFTP:           "ftp",
	KindTransport:     "transport",
	KindObjectStorage: "object storage",
	KindAuthorization: "authorization",
	KindCDN:           "cdn",
	KindHTTP:          "http",
	KindNetwork:       "network",
	KindDNS:           "dns",
	KindIO:            "i/o",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return kindNames[KindUnknown]
}

// KindReporter is implemented by errors that know their own Kind, such as
// FTP protocol errors.
type KindReporter interface {
	Kind() Kind
}

// Detailer is implemented by errors carrying supplementary text that is not
// part of Error, such as a CDN error document.
type Detailer interface {
	Detail() string
}

// OpError wraps a failure with the operation, path and host involved.
type OpError struct {
	// Op is a message template. A single %s is replaced by the display name
	// of Path when Path is set.
	Op   string
	Path *Path
	Host string
	Err  error
}

// NewOpError wraps err. It returns nil for a nil err and returns err
// unchanged if it already is an *OpError.
func NewOpError(err error, op string, p *Path, host string) error {
	if err == nil {
		return nil
	}
	var existing *OpError
	if errors.As(err, &existing) {
		return err
	}
	return &OpError{Op: op, Path: p, Host: host, Err: err}
}

func (e *OpError) Error() string {
	msg := e.Op
	if strings.Contains(msg, "%s") {
		name := ""
		if e.Path != nil {
			name = e.Path.DisplayName()
		}
		msg = strings.TrimSpace(strings.Replace(msg, "%s", name, 1))
	}
	if e.Err != nil {
		msg += ": " + DetailedMessage(e.Err)
	}
	return msg
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// Cause returns the deepest wrapped error with a non-empty message.
func (e *OpError) Cause() error {
	return Cause(e.Err)
}

// ChecksumMismatchError reports content whose digest differs from the one
// announced by the server.
type ChecksumMismatchError struct {
	Expected string
	Actual   string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch: expected %s, got %s", e.Expected, e.Actual)
}

func (e *ChecksumMismatchError) Kind() Kind {
	return KindIO
}

// Cause unwinds err to its deepest cause with a non-empty message. Joined
// errors are followed through their first element.
func Cause(err error) error {
	if err == nil {
		return nil
	}
	deepest := err
	for cur := err; ; {
		next := errors.Unwrap(cur)
		if next == nil {
			if joined, ok := cur.(interface{ Unwrap() []error }); ok {
				if errs := joined.Unwrap(); len(errs) > 0 {
					next = errs[0]
				}
			}
		}
		if next == nil {
			return deepest
		}
		if next.Error() != "" {
			deepest = next
		}
		cur = next
	}
}

var authorizationCodes = map[string]bool{
	"AccessDenied":                true,
	"AccountProblem":              true,
	"AllAccessDisabled":           true,
	"ExpiredToken":                true,
	"InvalidAccessKeyId":          true,
	"InvalidClientTokenId":        true,
	"InvalidToken":                true,
	"SignatureDoesNotMatch":       true,
	"TokenRefreshRequired":        true,
	"UnrecognizedClientException": true,
}

// Classify maps err to a Kind. The most specific error type found in the
// chain wins.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var reporter KindReporter
	if errors.As(err, &reporter) {
		return reporter.Kind()
	}

	var authErr ssh.ServerAuthError
	var passErr *ssh.PassphraseMissingError
	if errors.As(err, &authErr) || errors.As(err, &passErr) {
		return KindAuthorization
	}
	var exitErr *ssh.ExitError
	var exitMissing *ssh.ExitMissingError
	var channelErr *ssh.OpenChannelError
	if errors.As(err, &exitErr) || errors.As(err, &exitMissing) || errors.As(err, &channelErr) {
		return KindTransport
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if authorizationCodes[apiErr.ErrorCode()] {
			return KindAuthorization
		}
		return KindObjectStorage
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		switch httpStatus(respErr) {
		case http.StatusUnauthorized, http.StatusForbidden:
			return KindAuthorization
		}
		return KindHTTP
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindDNS
	}
	var pathErr *fs.PathError
	var linkErr *os.LinkError
	if errors.As(err, &pathErr) || errors.As(err, &linkErr) {
		return KindIO
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) {
		return KindIO
	}
	return KindUnknown
}

// DetailedMessage returns the message of the deepest cause of err followed
// by protocol specific details found anywhere in the chain.
func DetailedMessage(err error) string {
	if err == nil {
		return ""
	}
	msg := Cause(err).Error()
	var details []string

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		if code := httpStatus(respErr); code != 0 {
			status := respErr.Response.Status
			if status == "" {
				status = fmt.Sprintf("%d %s", code, http.StatusText(code))
			}
			details = append(details, "HTTP "+status)
		}
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() != "" {
		detail := apiErr.ErrorCode()
		if m := apiErr.ErrorMessage(); m != "" {
			detail += ": " + m
		}
		if !strings.Contains(msg, detail) {
			details = append(details, detail)
		}
	}
	var detailer Detailer
	if errors.As(err, &detailer) {
		if d := detailer.Detail(); d != "" {
			details = append(details, d)
		}
	}

	if len(details) == 0 {
		return msg
	}
	return msg + ". " + strings.Join(details, ". ")
}

func httpStatus(e *smithyhttp.ResponseError) int {
	if e.Response == nil || e.Response.Response == nil {
		return 0
	}
	return e.Response.StatusCode
}
