package crawler

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"syscall"
)

// ErrorKind classifies a fetch failure. The kind drives the fallback table:
// TLS errors try the unverified client, bot protection tries the browser
// client, and everything else fails the page.
type ErrorKind string

const (
	KindTLS             ErrorKind = "tls"
	KindHTTP            ErrorKind = "http"
	KindDNS             ErrorKind = "dns"
	KindRefused         ErrorKind = "refused"
	KindReset           ErrorKind = "reset"
	KindTimeout         ErrorKind = "timeout"
	KindTooManyHops     ErrorKind = "too_many_redirects"
	KindInvalidURL      ErrorKind = "invalid_url"
	KindDomainViolation ErrorKind = "domain_violation"
	KindBotProtection   ErrorKind = "bot_protection"
	KindConnection      ErrorKind = "connection"
)

// FetchError wraps a fetch failure with its classification and the URL that
// failed.
type FetchError struct {
	Kind       ErrorKind
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: %s (status %d): %v", e.URL, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// NewFetchError classifies err and wraps it for the given URL.
func NewFetchError(rawURL string, err error) *FetchError {
	fe := &FetchError{URL: rawURL, Err: err}
	fe.Kind, fe.StatusCode = classify(err)
	return fe
}

var errTooManyRedirects = errors.New("redirect limit exceeded")
var errExternalRedirect = errors.New("redirect left the site domain")
var errNoResponse = errors.New("no response received")

// asFetchError extracts a *FetchError from err if present.
func asFetchError(err error, target **FetchError) bool {
	return errors.As(err, target)
}

func classify(err error) (ErrorKind, int) {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind, fe.StatusCode
	}

	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) {
		return KindHTTP, httpErr.StatusCode
	}

	var certErr *tls.CertificateVerificationError
	var unknownAuth x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	var certInvalid x509.CertificateInvalidError
	if errors.As(err, &certErr) || errors.As(err, &unknownAuth) ||
		errors.As(err, &hostnameErr) || errors.As(err, &certInvalid) {
		return KindTLS, 0
	}

	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return KindTLS, 0
	}

	if errors.Is(err, errExternalRedirect) {
		return KindDomainViolation, 0
	}
	if errors.Is(err, errTooManyRedirects) {
		return KindTooManyHops, 0
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return KindTimeout, 0
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout, 0
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return KindTimeout, 0
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindDNS, 0
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return KindRefused, 0
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return KindReset, 0
	}

	// Some TLS failures only surface as strings through colly's transport.
	msg := err.Error()
	if strings.Contains(msg, "certificate") || strings.Contains(msg, "tls:") ||
		strings.Contains(msg, "x509:") {
		return KindTLS, 0
	}
	if strings.Contains(msg, "no such host") {
		return KindDNS, 0
	}

	return KindConnection, 0
}

// HTTPStatusError reports a non-success HTTP status.
type HTTPStatusError struct {
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.StatusCode)
}

// Retryable reports whether a second attempt with a different client could
// succeed for this error kind.
func (e *FetchError) Retryable() bool {
	switch e.Kind {
	case KindTLS, KindBotProtection, KindTimeout, KindReset:
		return true
	case KindHTTP:
		return e.StatusCode == 403 || e.StatusCode == 429 || e.StatusCode == 503
	default:
		return false
	}
}
