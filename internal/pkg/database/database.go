// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package database generates the SecureBoot auto-enrollment database.
package database

import (
	"crypto/sha256"
	"fmt"

	"github.com/foxboron/go-uefi/efi"
	"github.com/foxboron/go-uefi/efi/signature"
	"github.com/foxboron/go-uefi/efi/util"
	"github.com/google/uuid"

	"github.com/declos/sdboot-install/internal/pkg/pesign"
)

// Conventional sd-boot names of the authenticated-update blobs, as consumed
// from `loader/keys/auto/` at boot time.
const (
	PlatformKeyName    = "PK.auth"
	KeyExchangeKeyName = "KEK.auth"
	SignatureKeyName   = "db.auth"
)

// Entry is a UEFI database entry.
type Entry struct {
	Name     string
	Contents []byte
}

// Generate generates a UEFI database to enroll the signing certificate.
//
// ref: https://blog.hansenpartnership.com/the-meaning-of-all-the-uefi-keys/
func Generate(enrolledCertificate []byte, signer pesign.CertificateSigner) ([]Entry, error) {
	// derive UUID from enrolled certificate
	uuid := uuid.NewHash(sha256.New(), uuid.NameSpaceX500, enrolledCertificate, 4)

	efiGUID := util.StringToGUID(uuid.String())

	// Create ESL
	db := signature.NewSignatureDatabase()
	if err := db.Append(signature.CERT_X509_GUID, *efiGUID, enrolledCertificate); err != nil {
		return nil, fmt.Errorf("appending certificate to signature database: %w", err)
	}

	// Sign the ESL, but for each EFI variable
	signedDB, err := efi.SignEFIVariable(signer.Signer(), signer.Certificate(), "db", db.Bytes())
	if err != nil {
		return nil, fmt.Errorf("signing db variable: %w", err)
	}

	signedKEK, err := efi.SignEFIVariable(signer.Signer(), signer.Certificate(), "KEK", db.Bytes())
	if err != nil {
		return nil, fmt.Errorf("signing KEK variable: %w", err)
	}

	signedPK, err := efi.SignEFIVariable(signer.Signer(), signer.Certificate(), "PK", db.Bytes())
	if err != nil {
		return nil, fmt.Errorf("signing PK variable: %w", err)
	}

	return []Entry{
		{Name: SignatureKeyName, Contents: signedDB},
		{Name: KeyExchangeKeyName, Contents: signedKEK},
		{Name: PlatformKeyName, Contents: signedPK},
	}, nil
}
