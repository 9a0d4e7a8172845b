// Package cli implements the fwup command tree.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/michaelkschmidt/fwup/internal/version"
)

// Persistent flags shared by every mode.
var (
	unsafeMode bool
	framing    bool
	quiet      bool
)

// FwupCmd builds the top-level command.
func FwupCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fwup",
		Short: "assemble and apply firmware archives for embedded Linux devices",
		Long: `fwup packs a declaratively described device layout (MBR partition
tables, FAT filesystems, U-Boot environments, raw regions) together with
named file resources into a content-addressed firmware archive, and
applies such archives to storage devices while verifying every byte.

Typical flow:
  # Build an archive from a configuration:
  % fwup create -c fwup.yml -o firmware.fw

  # Write it to an SD card:
  % fwup apply -i firmware.fw -t complete -d /dev/sdx
`,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			versionVal, err := cmd.Flags().GetBool("version")
			if err != nil {
				return fmt.Errorf("BUG: version flag declared as non-bool")
			}
			if versionVal {
				fmt.Println(version.Read())
				return nil
			}
			return pflag.ErrHelp
		},
	}
	rootCmd.Flags().Bool("version", false, "print fwup version")
	rootCmd.PersistentFlags().BoolVar(&unsafeMode, "unsafe", false, "allow actions that touch the host (path_write, pipe_write, execute)")
	rootCmd.PersistentFlags().BoolVar(&framing, "framing", false, "emit length-prefixed progress and diagnostic records on stdout")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress the progress meter")
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(metadataCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(versionCmd)
	return rootCmd
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print fwup version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(version.Read())
		return nil
	},
}
