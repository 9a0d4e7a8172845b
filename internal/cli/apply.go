package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/michaelkschmidt/fwup/internal/block"
	"github.com/michaelkschmidt/fwup/internal/devices"
	"github.com/michaelkschmidt/fwup/internal/fwarchive"
	"github.com/michaelkschmidt/fwup/internal/fwconf"
	"github.com/michaelkschmidt/fwup/internal/fwtask"
	"github.com/michaelkschmidt/fwup/internal/progress"
)

var applyImpl struct {
	input       string
	task        string
	dest        string
	forceDevice bool
}

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a firmware archive to a device or image file",
	Long: `Apply a firmware archive to a device or image file.

The requested task's requirements are checked against the target;
with a dotted task family (say upgrade.a and upgrade.b), requesting
"upgrade" runs the first member whose requirements hold. Every
resource is verified against the manifest's BLAKE2b-256 digest as it
is written.

Examples:
  # Write a complete image to an SD card:
  % fwup apply -i firmware.fw -t complete -d /dev/sdx

  # Upgrade the inactive slot of a running device:
  % fwup apply -i firmware.fw -t upgrade -d /dev/mmcblk0
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if applyImpl.input == "" || applyImpl.task == "" || applyImpl.dest == "" {
			fmt.Fprint(os.Stderr, "apply requires -i, -t and -d\n\n")
			return cmd.Usage()
		}
		return runApply()
	},
}

func init() {
	applyCmd.Flags().StringVarP(&applyImpl.input, "input", "i", "", "firmware archive to apply")
	applyCmd.Flags().StringVarP(&applyImpl.task, "task", "t", "", "task to run (exact name or dotted prefix)")
	applyCmd.Flags().StringVarP(&applyImpl.dest, "dest", "d", "", "target block device or image file")
	applyCmd.Flags().BoolVar(&applyImpl.forceDevice, "force-device", false, "write even to a device the kernel reports as non-removable")
}

// reporter builds the Reporter the persistent flags ask for.
func reporter() *progress.Reporter {
	mode := progress.Plain
	if framing {
		mode = progress.Framed
	} else if quiet {
		mode = progress.Quiet
	}
	return progress.New(mode, os.Stdout, os.Stderr)
}

func runApply() error {
	if d, known := devices.Lookup(applyImpl.dest); known && !d.Removable && !applyImpl.forceDevice {
		return fmt.Errorf("%s is not a removable device; pass --force-device to write it anyway", applyImpl.dest)
	}

	ar, err := fwarchive.Open(applyImpl.input)
	if err != nil {
		return err
	}
	defer ar.Close()

	manifest, err := ar.Manifest()
	if err != nil {
		return err
	}
	cfg, err := fwconf.Parse(manifest)
	if err != nil {
		return fmt.Errorf("manifest: %w", err)
	}

	target, err := block.OpenTarget(applyImpl.dest)
	if err != nil {
		return err
	}
	defer target.Close()

	rep := reporter()
	ctx := fwtask.NewContext(cfg, block.NewCache(target), rep, unsafeMode)
	if err := fwtask.Apply(ctx, ar, applyImpl.task); err != nil {
		rep.Error(err.Error())
		return err
	}
	return target.Sync()
}
