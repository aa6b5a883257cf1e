// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package pesign

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// CertificateSigner is a provider of the certificate and the signer.
type CertificateSigner interface {
	Signer() crypto.Signer
	Certificate() *x509.Certificate
}

// KeyAndCertificate is a CertificateSigner backed by PEM files on disk.
type KeyAndCertificate struct {
	key  crypto.Signer
	cert *x509.Certificate
}

var _ CertificateSigner = (*KeyAndCertificate)(nil)

// LoadKeyAndCertificate loads the signing key and certificate from PEM files.
//
// The key may be PKCS#1 or PKCS#8 encoded.
func LoadKeyAndCertificate(keyPath, certPath string) (*KeyAndCertificate, error) {
	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: reading signing key: %w", ErrSigning, err)
	}

	key, err := parsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing signing key %q: %w", ErrSigning, keyPath, err)
	}

	certData, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("%w: reading signing certificate: %w", ErrSigning, err)
	}

	block, _ := pem.Decode(certData)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block in signing certificate %q", ErrSigning, certPath)
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing signing certificate %q: %w", ErrSigning, certPath, err)
	}

	return &KeyAndCertificate{
		key:  key,
		cert: cert,
	}, nil
}

// Signer implements CertificateSigner.
func (kc *KeyAndCertificate) Signer() crypto.Signer {
	return kc.key
}

// Certificate implements CertificateSigner.
func (kc *KeyAndCertificate) Certificate() *x509.Certificate {
	return kc.cert
}

func parsePrivateKey(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("private key of type %T cannot sign", key)
	}

	return signer, nil
}
