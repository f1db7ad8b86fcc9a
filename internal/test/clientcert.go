// SPDX-FileCopyrightText: 2022 SAP SE
// SPDX-License-Identifier: Apache-2.0

package test

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // matches the thumbprint format of the production check
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/hex"
	"math/big"
	"strings"
	"testing"
	"time"
)

// ClientCert is a self-signed certificate for testing the client certificate
// credential path. HeaderValue goes into the X-ARR-ClientCert header.
type ClientCert struct {
	HeaderValue string
	Thumbprint  string
	Issuer      string
	Subject     string
	// Expired is a second certificate with the same DNs and thumbprint
	// registration that is outside its validity window.
	Expired string
}

// NewClientCert generates the certificate fixture. The validity window is
// centered on the given reference time.
func NewClientCert(t *testing.T, now time.Time) *ClientCert {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err.Error())
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "luna-frontend.example.org"},
		NotBefore:    now.Add(-1 * time.Hour),
		NotAfter:     now.Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err.Error())
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err.Error())
	}

	sum := sha1.Sum(der) //nolint:gosec // see above
	result := ClientCert{
		HeaderValue: base64.StdEncoding.EncodeToString(der),
		Thumbprint:  strings.ToUpper(hex.EncodeToString(sum[:])),
		Issuer:      cert.Issuer.String(),
		Subject:     cert.Subject.String(),
	}

	expiredTemplate := template
	expiredTemplate.SerialNumber = big.NewInt(2)
	expiredTemplate.NotBefore = now.Add(-48 * time.Hour)
	expiredTemplate.NotAfter = now.Add(-24 * time.Hour)
	expiredDER, err := x509.CreateCertificate(rand.Reader, &expiredTemplate, &expiredTemplate, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err.Error())
	}
	result.Expired = base64.StdEncoding.EncodeToString(expiredDER)
	return &result
}
