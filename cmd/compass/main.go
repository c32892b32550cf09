package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var version = "dev"

var (
	noColor bool
	asJSON  bool
)

var rootCmd = &cobra.Command{
	Use:           "compass",
	Short:         "Daily Compass: one reflection prompt a day",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored output")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print results as JSON")

	rootCmd.AddCommand(todayCmd, collectionCmd, streakCmd, featuredCmd, categoriesCmd)
	rootCmd.AddCommand(reflectCmd, completeCmd, syncCmd)
	rootCmd.AddCommand(loginCmd, logoutCmd, cacheCmd, configCmd, mcpCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
