package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var dataDir string

var rootCmd = &cobra.Command{
	Use:     "firestbreak",
	Short:   "Meet the people around you",
	Version: version,
	Long: `firestbreak advertises your profile to nearby peers, discovers theirs,
and exchanges profiles with everyone you connect to.

Run "firestbreak run" to start a node.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (default ~/.firestbreak)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(identityCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
