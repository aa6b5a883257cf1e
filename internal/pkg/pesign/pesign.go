// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package pesign implements the PE (portable executable) signing.
package pesign

import (
	"errors"
	"fmt"
	"os"

	"github.com/foxboron/go-uefi/efi"
)

// ErrSigning indicates a key-read or cryptographic failure; not retryable
// within a single run.
var ErrSigning = errors.New("signing error")

// Signer signs PE (portable executable) files.
type Signer struct {
	provider CertificateSigner
}

// NewSigner creates a new Signer.
func NewSigner(provider CertificateSigner) (*Signer, error) {
	return &Signer{
		provider: provider,
	}, nil
}

// SignBytes signs the PE image and returns the signed image.
//
// Deterministic given identical inputs.
func (s *Signer) SignBytes(unsigned []byte) ([]byte, error) {
	signed, err := efi.SignEFIExecutable(s.provider.Signer(), s.provider.Certificate(), unsigned)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSigning, err)
	}

	return signed, nil
}

// Sign signs the input file and writes the output to the output file.
func (s *Signer) Sign(input, output string) error {
	unsigned, err := os.ReadFile(input)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSigning, err)
	}

	signed, err := s.SignBytes(unsigned)
	if err != nil {
		return err
	}

	return os.WriteFile(output, signed, 0o600)
}
