package cli

import (
	"io"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/netprobe/internal/config"
	"github.com/anstrom/netprobe/internal/profiles"
)

// profilesCmd represents the profiles command
var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List scan profiles",
	Long: `List the built-in scan profiles and those defined under "profiles" in the
configuration file. Pass a name to "scan --profile" or in the "profile" field
of an API request or schedule.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runProfiles(cmd.OutOrStdout(), cfg)
	},
}

func init() {
	rootCmd.AddCommand(profilesCmd)
}

func runProfiles(out io.Writer, cfg *config.Config) error {
	presets, err := profiles.NewManager(cfg.Profiles)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(out)
	table.Header("Name", "Type", "Ports", "Timeout", "Source", "Description")
	for _, p := range presets.GetAll() {
		source := "config"
		if p.BuiltIn {
			source = "built-in"
		}
		timeout := "-"
		if p.Timeout > 0 {
			timeout = p.Timeout.String()
		}
		scanType := string(p.ScanType)
		if scanType == "" {
			scanType = "-"
		}
		ports := p.Ports
		if ports == "" {
			ports = "-"
		}
		if err := table.Append([]string{p.Name, scanType, ports, timeout, source, p.Description}); err != nil {
			return err
		}
	}
	return table.Render()
}
