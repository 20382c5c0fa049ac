package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/certifier/cmd/certifier/commands"
	"github.com/teranos/certifier/logger"
)

var rootCmd = &cobra.Command{
	Use:   "certifier",
	Short: "Certifier - attested identities and mutually authenticated channels",
	Long: `Certifier - a trust framework for confidential computing.

Components running in an enclave prove their measurement to a policy
authority, receive an admission certificate signed by the policy key and
use it to open mutually authenticated channels with each other.

Available commands:
  app       - Run the example application (server or client role)
  authority - Initialise and run the policy authority
  enclave   - Provision simulated enclave platform material
  policy    - Compile and inspect policy files
  am        - Show and validate configuration ("I am")
  version   - Show version information

Examples:
  certifier authority init              # Generate the policy key and root certificate
  certifier enclave provision           # Create simulated platform material and policy.toml
  certifier policy compile              # Sign policy.toml into policy.bin
  certifier authority serve             # Start the policy authority
  certifier app --role server           # Certify and serve the secure channel
  certifier app --role client           # Certify and talk to the server`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs, verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON")
	rootCmd.PersistentFlags().String("data-dir", "", "Data directory (overrides data.dir)")

	rootCmd.AddCommand(commands.AppCmd)
	rootCmd.AddCommand(commands.AuthorityCmd)
	rootCmd.AddCommand(commands.EnclaveCmd)
	rootCmd.AddCommand(commands.PolicyCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, commands.FormatError(err))
		os.Exit(1)
	}
}
