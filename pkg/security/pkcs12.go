package security

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"

	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

// ErrPKCS12RequiresRSA is returned by ExportPKCS12 when asked to bundle a
// certificate whose private key is not RSA; ExportPKCS12 accepts
// RSA-keyed certificates only.
var ErrPKCS12RequiresRSA = errors.New("security: PKCS-12 export requires an RSA key")

// ExportPKCS12 bundles a device certificate, its private key, and the
// issuing CA chain into a password-protected PKCS-12 file for offline
// transport to a device during enrollment.
func ExportPKCS12(cert *tls.Certificate, caCerts []*x509.Certificate, password string) ([]byte, error) {
	if _, ok := cert.PrivateKey.(*rsa.PrivateKey); !ok {
		return nil, ErrPKCS12RequiresRSA
	}
	if cert.Leaf == nil {
		return nil, fmt.Errorf("certificate has no parsed leaf")
	}

	data, err := pkcs12.Modern.Encode(cert.PrivateKey, cert.Leaf, caCerts, password)
	if err != nil {
		return nil, fmt.Errorf("encoding PKCS-12 bundle: %w", err)
	}
	return data, nil
}

// ImportPKCS12 decodes a password-protected PKCS-12 bundle into a TLS
// certificate plus its CA chain.
func ImportPKCS12(data []byte, password string) (*tls.Certificate, []*x509.Certificate, error) {
	key, cert, caCerts, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		return nil, nil, fmt.Errorf("decoding PKCS-12 bundle: %w", err)
	}

	switch key.(type) {
	case *rsa.PrivateKey, *ecdsa.PrivateKey:
	default:
		return nil, nil, fmt.Errorf("unsupported private key type in PKCS-12 bundle")
	}

	tlsCert := &tls.Certificate{
		Certificate: [][]byte{cert.Raw},
		PrivateKey:  key,
		Leaf:        cert,
	}
	return tlsCert, caCerts, nil
}
