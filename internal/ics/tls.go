package ics

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"strings"
)

// Fingerprint returns the lower-case hex SHA-256 of the DER certificate.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// untrustedError is returned from the TLS handshake when the presented chain
// fails verification and the leaf is not explicitly trusted.
type untrustedError struct {
	err   error
	chain []*x509.Certificate
}

func (e *untrustedError) Error() string { return e.err.Error() }
func (e *untrustedError) Unwrap() error { return e.err }

// tlsConfig verifies the server chain the usual way and, on failure, still
// accepts a leaf whose fingerprint is in trusted. host is checked when the
// handshake carried no SNI name (IP literal hosts).
func tlsConfig(roots *x509.CertPool, trusted map[string]struct{}, host string) *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		// Verification happens in VerifyConnection so that trusted
		// fingerprints can override a failed chain.
		InsecureSkipVerify: true,
		VerifyConnection: func(cs tls.ConnectionState) error {
			if len(cs.PeerCertificates) == 0 {
				return &untrustedError{err: errors.New("server presented no certificate")}
			}
			leaf := cs.PeerCertificates[0]
			name := cs.ServerName
			if name == "" {
				name = host
			}
			opts := x509.VerifyOptions{
				Roots:         roots,
				DNSName:       name,
				Intermediates: x509.NewCertPool(),
			}
			for _, c := range cs.PeerCertificates[1:] {
				opts.Intermediates.AddCert(c)
			}
			_, err := leaf.Verify(opts)
			if err == nil {
				return nil
			}
			if _, ok := trusted[Fingerprint(leaf)]; ok {
				return nil
			}
			return &untrustedError{err: err, chain: cs.PeerCertificates}
		},
	}
}

func fingerprintSet(lists ...[]string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, list := range lists {
		for _, fp := range list {
			fp = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(fp), ":", ""))
			if fp != "" {
				set[fp] = struct{}{}
			}
		}
	}
	return set
}

// certificateFailure maps a handshake error to an UntrustedCertificate
// failure; ok is false when err is not a certificate problem.
func certificateFailure(err error) (*Failure, bool) {
	var chain []*x509.Certificate

	var ue *untrustedError
	var cve *tls.CertificateVerificationError
	var unknown x509.UnknownAuthorityError
	var hostname x509.HostnameError
	var invalid x509.CertificateInvalidError

	switch {
	case errors.As(err, &ue):
		chain = ue.chain
	case errors.As(err, &cve):
		chain = cve.UnverifiedCertificates
	case errors.As(err, &unknown):
		if unknown.Cert != nil {
			chain = []*x509.Certificate{unknown.Cert}
		}
	case errors.As(err, &hostname):
		if hostname.Certificate != nil {
			chain = []*x509.Certificate{hostname.Certificate}
		}
	case errors.As(err, &invalid):
		if invalid.Cert != nil {
			chain = []*x509.Certificate{invalid.Cert}
		}
	default:
		return nil, false
	}

	f := failure(KindUntrustedCertificate, rootCause(err).Error(), err)
	if len(chain) > 0 {
		f.Certificate = describeChain(chain)
	}
	return f, true
}

func describeChain(chain []*x509.Certificate) *CertificateInfo {
	leaf := chain[0]
	var b strings.Builder
	for _, c := range chain {
		_ = pem.Encode(&b, &pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})
	}
	return &CertificateInfo{
		Subject:     leaf.Subject.String(),
		Issuer:      leaf.Issuer.String(),
		Fingerprint: Fingerprint(leaf),
		NotBefore:   leaf.NotBefore,
		NotAfter:    leaf.NotAfter,
		PEM:         b.String(),
	}
}

func rootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}
