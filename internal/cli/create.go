package cli

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/michaelkschmidt/fwup/internal/fwconf"
	"github.com/michaelkschmidt/fwup/internal/fwcreate"
	"github.com/michaelkschmidt/fwup/internal/measure"
)

var createImpl struct {
	conf   string
	output string
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Build a firmware archive from a configuration",
	Long: `Build a firmware archive from a configuration.

Every file-resource is scanned for sparse regions and hashed with
BLAKE2b-256; the filled-in manifest and the resource payloads are
packed into the output archive. All task funlists are validated
before anything is written.

Example:
  % fwup create -c fwup.yml -o firmware.fw
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if createImpl.conf == "" || createImpl.output == "" {
			fmt.Fprint(os.Stderr, "create requires both -c and -o\n\n")
			return cmd.Usage()
		}
		cfg, err := fwconf.Load(createImpl.conf)
		if err != nil {
			return err
		}
		interactive := !quiet && !framing
		var done func(string)
		if interactive {
			done = measure.Interactively(os.Stdout, "building firmware archive")
		}
		if err := fwcreate.Create(cfg, createImpl.output); err != nil {
			if interactive {
				fmt.Println()
			}
			return err
		}
		if interactive {
			fragment := ""
			if fi, err := os.Stat(createImpl.output); err == nil {
				fragment = fmt.Sprintf(", %s", humanize.IBytes(uint64(fi.Size())))
			}
			done(fragment)
		}
		return nil
	},
}

func init() {
	createCmd.Flags().StringVarP(&createImpl.conf, "conf", "c", "", "configuration file describing the firmware")
	createCmd.Flags().StringVarP(&createImpl.output, "output", "o", "", "path of the archive to write")
}
