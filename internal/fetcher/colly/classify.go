package collyfetcher

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/searchcrawler/internal/crawler"
)

// classify maps a transport error onto a failure kind. Context errors are
// checked first so the abandoned collector state is never read.
func classify(err error, state *fetchState) crawler.FailureKind {
	switch {
	case errors.Is(err, context.Canceled):
		return crawler.FailureCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return crawler.FailureTimeout
	case errors.Is(err, errTooManyRedirects):
		return crawler.FailureTooManyRedirects
	case errors.Is(err, errOffDomain):
		return crawler.FailureOffDomain
	case errors.Is(err, colly.ErrAbortedAfterHeaders) && state.tooLarge:
		return crawler.FailurePayloadTooLarge
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return crawler.FailureTimeout
		}
		return crawler.FailureDNS
	}
	if isTLSError(err) {
		return crawler.FailureTLS
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return crawler.FailureTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return crawler.FailureConnect
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return crawler.FailureConnect
	}
	if strings.Contains(strings.ToLower(err.Error()), "timeout") {
		return crawler.FailureTimeout
	}
	return crawler.FailureConnect
}

func isTLSError(err error) bool {
	var (
		recordErr   tls.RecordHeaderError
		alertErr    tls.AlertError
		certErr     *tls.CertificateVerificationError
		unknownAuth x509.UnknownAuthorityError
		hostErr     x509.HostnameError
		invalidErr  x509.CertificateInvalidError
	)
	switch {
	case errors.As(err, &recordErr), errors.As(err, &alertErr), errors.As(err, &certErr),
		errors.As(err, &unknownAuth), errors.As(err, &hostErr), errors.As(err, &invalidErr):
		return true
	}
	return strings.Contains(err.Error(), "tls: ")
}
