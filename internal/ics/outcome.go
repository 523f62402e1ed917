package ics

import (
	"fmt"
	"time"

	"icsync/internal/model"
)

// FailureKind classifies why a fetch or parse did not produce a calendar.
type FailureKind string

const (
	KindNetwork              FailureKind = "network_error"
	KindUnauthorized         FailureKind = "unauthorized"
	KindUntrustedCertificate FailureKind = "untrusted_certificate"
	KindMalformedURI         FailureKind = "malformed_uri"
	KindHTTP                 FailureKind = "http_error"
	KindParse                FailureKind = "parse_error"
)

// Transient reports whether a retry without user action may succeed.
func (k FailureKind) Transient() bool {
	return k == KindNetwork
}

// CertificateInfo describes a server certificate that failed verification.
type CertificateInfo struct {
	Subject     string    `json:"subject"`
	Issuer      string    `json:"issuer"`
	Fingerprint string    `json:"fingerprint_sha256"`
	NotBefore   time.Time `json:"not_before"`
	NotAfter    time.Time `json:"not_after"`
	// PEM holds the full presented chain, leaf first.
	PEM string `json:"pem"`
}

// Outcome is the result of one fetch: exactly one of Unchanged, Success,
// Redirected or *Failure.
type Outcome interface {
	isOutcome()
}

// Unchanged means the server answered 304 for the supplied validators.
type Unchanged struct{}

// Success carries a freshly downloaded feed body.
type Success struct {
	Body        []byte
	ContentType string
	// Validators replace the stored ones; empty fields clear them.
	Validators      model.Validators
	DisplayNameHint string
}

// Redirected reports a permanent redirect. Location is absolute.
type Redirected struct {
	Location string
	Status   int
}

// Failure is both an Outcome and an error.
type Failure struct {
	Kind        FailureKind      `json:"kind"`
	Status      int              `json:"status,omitempty"`
	Detail      string           `json:"detail,omitempty"`
	Certificate *CertificateInfo `json:"certificate,omitempty"`
	Err         error            `json:"-"`
}

func (Unchanged) isOutcome()  {}
func (Success) isOutcome()    {}
func (Redirected) isOutcome() {}
func (*Failure) isOutcome()   {}

func (f *Failure) Error() string {
	switch {
	case f.Status != 0 && f.Detail != "":
		return fmt.Sprintf("%s (%d): %s", f.Kind, f.Status, f.Detail)
	case f.Status != 0:
		return fmt.Sprintf("%s (%d)", f.Kind, f.Status)
	case f.Detail != "":
		return fmt.Sprintf("%s: %s", f.Kind, f.Detail)
	default:
		return string(f.Kind)
	}
}

func (f *Failure) Unwrap() error { return f.Err }

// Message is the human readable text stored on a subscription.
func (f *Failure) Message() string {
	switch f.Kind {
	case KindNetwork:
		if f.Detail != "" {
			return "Network error: " + f.Detail
		}
		return "Network error"
	case KindUnauthorized:
		return "Authentication required or credentials rejected"
	case KindUntrustedCertificate:
		return "The server certificate is not trusted"
	case KindMalformedURI:
		if f.Detail != "" {
			return "Invalid address: " + f.Detail
		}
		return "Invalid address"
	case KindHTTP:
		return fmt.Sprintf("Server returned HTTP %d", f.Status)
	case KindParse:
		if f.Detail != "" {
			return "Not a valid calendar: " + f.Detail
		}
		return "Not a valid calendar"
	default:
		return f.Error()
	}
}

func failure(kind FailureKind, detail string, err error) *Failure {
	return &Failure{Kind: kind, Detail: detail, Err: err}
}
