// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/declos/sdboot-install/internal/pkg/database"
	"github.com/declos/sdboot-install/internal/pkg/enroll"
	"github.com/declos/sdboot-install/internal/pkg/installer"
	"github.com/declos/sdboot-install/internal/pkg/pesign"
)

var installCmdFlags struct {
	system                string
	systemd               string
	systemdBootLoaderConf string
	publicKey             string
	privateKey            string
	enrollKeysDir         string
	consoleMode           string
	configurationLimit    int
	timeout               int
}

// installCmd represents the `install` command.
var installCmd = &cobra.Command{
	Use:   "install <esp-path> <generation-glob>",
	Short: "Sign and install all bootable generations on the EFI system partition",
	Long:  ``,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}

		defer logger.Sync() //nolint:errcheck

		provider, err := pesign.LoadKeyAndCertificate(installCmdFlags.privateKey, installCmdFlags.publicKey)
		if err != nil {
			return err
		}

		signer, err := pesign.NewSigner(provider)
		if err != nil {
			return err
		}

		opts := installer.Options{
			ESPPath:            args[0],
			GenerationGlob:     args[1],
			DefaultProfile:     installCmdFlags.system,
			BootloaderPath:     installCmdFlags.systemd,
			LoaderConfigPath:   installCmdFlags.systemdBootLoaderConf,
			ConsoleMode:        installCmdFlags.consoleMode,
			KeyMaterial:        keyMaterial(installCmdFlags.enrollKeysDir),
			ConfigurationLimit: installCmdFlags.configurationLimit,
			Timeout:            installCmdFlags.timeout,
		}

		return installer.New(logger, signer, opts).Run(cmd.Context())
	},
}

// keyMaterial derives the optional key material from the enrollment
// directory: each blob is configured only if present.
func keyMaterial(dir string) enroll.KeyMaterial {
	if dir == "" {
		return enroll.KeyMaterial{}
	}

	var km enroll.KeyMaterial

	for _, key := range []struct {
		field *string
		name  string
	}{
		{&km.PK, database.PlatformKeyName},
		{&km.KEK, database.KeyExchangeKeyName},
		{&km.Db, database.SignatureKeyName},
	} {
		path := filepath.Join(dir, key.name)

		if _, err := os.Stat(path); err == nil {
			*key.field = path
		}
	}

	return km
}

func init() {
	installCmd.Flags().StringVar(&installCmdFlags.system, "system", "", "path to the default system profile, marks the default boot entry")
	installCmd.Flags().StringVar(&installCmdFlags.systemd, "systemd", "", "path to the boot-manager runtime (or the sd-boot EFI binary)")
	installCmd.Flags().StringVar(&installCmdFlags.systemdBootLoaderConf, "systemd-boot-loader-config", "", "path to a loader configuration fragment merged over the defaults")
	installCmd.Flags().StringVar(&installCmdFlags.publicKey, "public-key", "", "path to the signing certificate (PEM)")
	installCmd.Flags().StringVar(&installCmdFlags.privateKey, "private-key", "", "path to the signing key (PEM)")
	installCmd.Flags().StringVar(&installCmdFlags.enrollKeysDir, "enroll-keys-dir", "", fmt.Sprintf("directory with pre-built %s/%s/%s blobs to stage for firmware enrollment", database.PlatformKeyName, database.KeyExchangeKeyName, database.SignatureKeyName))
	installCmd.Flags().StringVar(&installCmdFlags.consoleMode, "console-mode", "keep", "loader console-mode setting")
	installCmd.Flags().IntVar(&installCmdFlags.configurationLimit, "configuration-limit", 0, "maximum number of installed generations, 0 keeps all")
	installCmd.Flags().IntVar(&installCmdFlags.timeout, "timeout", 5, "boot menu timeout in seconds")

	rootCmd.AddCommand(installCmd)
}
