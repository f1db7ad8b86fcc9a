// SPDX-FileCopyrightText: 2021 SAP SE
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"crypto/sha1" //nolint:gosec // thumbprint format is fixed by the frontend, not a password hash
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"time"

	"github.com/sapcc/luna-agent/internal/luna"
)

// CheckClientCert validates a client certificate forwarded by the
// TLS-terminating frontend in the X-ARR-ClientCert header. The header value
// is the base64 DER certificate without PEM armor and without line breaks.
//
// All four checks (thumbprint, issuer, subject, validity window) must pass;
// any failure yields the same ErrInvalidCertificate so that callers cannot
// tell which property of their certificate was off.
func CheckClientCert(headerValue string, cfg luna.Configuration, now time.Time) error {
	cert, err := parseForwardedCert(headerValue)
	if err != nil {
		return luna.ErrInvalidCertificate.With("cannot parse forwarded certificate")
	}

	sum := sha1.Sum(cert.Raw) //nolint:gosec // see above
	thumbprint := strings.ToUpper(hex.EncodeToString(sum[:]))

	ok := thumbprint == cfg.CertThumbprint &&
		cert.Issuer.String() == cfg.CertIssuer &&
		cert.Subject.String() == cfg.CertSubject &&
		!now.Before(cert.NotBefore) && !now.After(cert.NotAfter)
	if !ok {
		return luna.ErrInvalidCertificate.With("certificate validation failed")
	}
	return nil
}

func parseForwardedCert(headerValue string) (*x509.Certificate, error) {
	// some frontends forward the PEM body including armor lines; strip those
	// before base64 decoding
	cleaned := strings.NewReplacer(
		"-----BEGIN CERTIFICATE-----", "",
		"-----END CERTIFICATE-----", "",
		" ", "", "\t", "", "\r", "", "\n", "",
	).Replace(headerValue)

	der, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(der)
}
