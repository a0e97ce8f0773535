// Package cli implements the avalove command line interface.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/avalove-network/avalove/internal/api"
)

var rootCmd = &cobra.Command{
	Use:   "avalove",
	Short: "Presence, decay, and session coordination engine",
	Long: `avalove runs the presence-gated decay and session coordination engine:
it tracks who is online, computes score and credit decay for offline users,
enforces one active earning session per user, and settles accrued decay
into the balance ledger at reconciliation triggers.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the engine version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(os.Stdout, "avalove %s\n", api.Version)
	},
}
