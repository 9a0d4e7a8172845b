package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/michaelkschmidt/fwup/internal/devices"
	"github.com/michaelkschmidt/fwup/internal/fwarchive"
	"github.com/michaelkschmidt/fwup/internal/fwconf"
	"github.com/michaelkschmidt/fwup/internal/fwcreate"
	"github.com/michaelkschmidt/fwup/internal/sparse"
)

var inspectInput string

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check every resource of an archive against its manifest",
	RunE: func(cmd *cobra.Command, args []string) error {
		if inspectInput == "" {
			fmt.Fprint(os.Stderr, "verify requires -i\n\n")
			return cmd.Usage()
		}
		if err := fwcreate.Verify(inspectInput); err != nil {
			return err
		}
		fmt.Println("Valid archive")
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the tasks an archive provides",
	RunE: func(cmd *cobra.Command, args []string) error {
		if inspectInput == "" {
			fmt.Fprint(os.Stderr, "list requires -i\n\n")
			return cmd.Usage()
		}
		cfg, err := loadManifest(inspectInput)
		if err != nil {
			return err
		}
		for _, t := range cfg.Tasks {
			var reqs []string
			for _, r := range t.Requirements {
				reqs = append(reqs, "require-"+r.Kind)
			}
			if len(reqs) > 0 {
				fmt.Printf("%s (%s)\n", t.Name, strings.Join(reqs, ", "))
			} else {
				fmt.Println(t.Name)
			}
			for _, ev := range t.OnResource {
				res, err := cfg.Resource(ev.Name)
				if err != nil {
					continue
				}
				fmt.Printf("  %s\n", resourceSummary(res))
			}
		}
		return nil
	},
}

var metadataCmd = &cobra.Command{
	Use:   "metadata",
	Short: "Print an archive's manifest",
	RunE: func(cmd *cobra.Command, args []string) error {
		if inspectInput == "" {
			fmt.Fprint(os.Stderr, "metadata requires -i\n\n")
			return cmd.Usage()
		}
		ar, err := fwarchive.Open(inspectInput)
		if err != nil {
			return err
		}
		defer ar.Close()
		manifest, err := ar.Manifest()
		if err != nil {
			return err
		}
		os.Stdout.Write(manifest)
		return nil
	},
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List candidate target devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		devs, err := devices.List()
		if err != nil {
			return err
		}
		for _, d := range devs {
			kind := "fixed"
			if d.Removable {
				kind = "removable"
			}
			fmt.Printf("%s\t%s\t%s\n", d.Path, humanize.IBytes(uint64(d.SizeBytes)), kind)
		}
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{verifyCmd, listCmd, metadataCmd} {
		cmd.Flags().StringVarP(&inspectInput, "input", "i", "", "firmware archive to inspect")
	}
}

func loadManifest(path string) (*fwconf.Config, error) {
	ar, err := fwarchive.Open(path)
	if err != nil {
		return nil, err
	}
	defer ar.Close()
	manifest, err := ar.Manifest()
	if err != nil {
		return nil, err
	}
	cfg, err := fwconf.Parse(manifest)
	if err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}
	return cfg, nil
}

// resourceSummary renders one resource line for list output.
func resourceSummary(res *fwconf.FileResource) string {
	m, err := sparse.FromRuns(res.Length)
	if err != nil {
		return res.Name
	}
	return fmt.Sprintf("%s (%s)", res.Name, humanize.IBytes(uint64(m.Size())))
}
