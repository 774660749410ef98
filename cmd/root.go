// Package cmd wires the CLI.
package cmd

import (
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "schoolscan",
	Short: "Scan school and district websites for discipline vocabulary",
	Long: `schoolscan crawls a roster of school and district websites, searches
each site's pages for a configured vocabulary, and writes one result row per
school with checkpointed resume.`,
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
}
