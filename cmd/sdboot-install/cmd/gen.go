// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/siderolabs/crypto/x509"
	"github.com/spf13/cobra"

	"github.com/declos/sdboot-install/internal/pkg/database"
	"github.com/declos/sdboot-install/internal/pkg/pesign"
)

// signing certificates are long-lived: rotating them requires re-enrolling
// the firmware database
const signingCertValidity = 10 * 365 * 24 * time.Hour

// genCmd represents the `gen` command.
var genCmd = &cobra.Command{
	Use:   "gen",
	Short: "Generate Secure Boot trust material",
	Long:  ``,
}

var genKeysCmdFlags struct {
	outputDirectory string
	commonName      string
}

// genKeysCmd represents the `gen keys` command.
var genKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Generate a self-signed certificate and key for signing boot artifacts",
	Long:  ``,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		currentTime := time.Now()

		signingKey, err := x509.NewSelfSignedCertificateAuthority(
			x509.RSA(true),
			x509.Bits(4096),
			x509.CommonName(genKeysCmdFlags.commonName),
			x509.NotAfter(currentTime.Add(signingCertValidity)),
			x509.NotBefore(currentTime),
			x509.Organization(genKeysCmdFlags.commonName),
		)
		if err != nil {
			return fmt.Errorf("generating signing key: %w", err)
		}

		if err = checkedWrite(filepath.Join(genKeysCmdFlags.outputDirectory, "signing-cert.pem"), signingKey.CrtPEM, 0o600); err != nil {
			return err
		}

		return checkedWrite(filepath.Join(genKeysCmdFlags.outputDirectory, "signing-key.pem"), signingKey.KeyPEM, 0o600)
	},
}

var genDatabaseCmdFlags struct {
	outputDirectory         string
	enrolledCertificatePath string
	signingCertificatePath  string
	signingKeyPath          string
}

// genDatabaseCmd represents the `gen database` command.
var genDatabaseCmd = &cobra.Command{
	Use:   "database",
	Short: "Generate the signed PK/KEK/db blobs enrolling the signing certificate",
	Long:  ``,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		signer, err := pesign.LoadKeyAndCertificate(genDatabaseCmdFlags.signingKeyPath, genDatabaseCmdFlags.signingCertificatePath)
		if err != nil {
			return err
		}

		enrolledPEM, err := os.ReadFile(genDatabaseCmdFlags.enrolledCertificatePath)
		if err != nil {
			return err
		}

		entries, err := database.Generate(enrolledPEM, signer)
		if err != nil {
			return fmt.Errorf("generating database: %w", err)
		}

		// written with the sd-boot conventional names for auto-enrollment
		for _, entry := range entries {
			if err = checkedWrite(filepath.Join(genDatabaseCmdFlags.outputDirectory, entry.Name), entry.Contents, 0o600); err != nil {
				return err
			}
		}

		return nil
	},
}

func checkedWrite(path string, data []byte, perm os.FileMode) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("file %q already exists, refusing to overwrite", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "writing %s\n", path)

	return os.WriteFile(path, data, perm)
}

func init() {
	genKeysCmd.Flags().StringVarP(&genKeysCmdFlags.outputDirectory, "output", "o", ".", "path to the directory storing the generated files")
	genKeysCmd.Flags().StringVar(&genKeysCmdFlags.commonName, "common-name", "Secure Boot Signing Key", "common name for the certificate")
	genCmd.AddCommand(genKeysCmd)

	genDatabaseCmd.Flags().StringVarP(&genDatabaseCmdFlags.outputDirectory, "output", "o", ".", "path to the directory storing the generated files")
	genDatabaseCmd.Flags().StringVar(&genDatabaseCmdFlags.enrolledCertificatePath, "enrolled-certificate", "signing-cert.pem", "path to the certificate to enroll")
	genDatabaseCmd.Flags().StringVar(&genDatabaseCmdFlags.signingCertificatePath, "signing-certificate", "signing-cert.pem", "path to the certificate used to sign the database")
	genDatabaseCmd.Flags().StringVar(&genDatabaseCmdFlags.signingKeyPath, "signing-key", "signing-key.pem", "path to the key used to sign the database")
	genCmd.AddCommand(genDatabaseCmd)

	rootCmd.AddCommand(genCmd)
}
