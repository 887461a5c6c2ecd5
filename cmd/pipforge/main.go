package main

import (
	"os"

	"github.com/spf13/cobra"
)

// version is the pipforge binary version, set at build time via -ldflags in
// a real release pipeline; left as a placeholder here since this module has
// no release tooling of its own.
const version = "0.1.0"

// mainify adapts an error-returning cobra entry point into the void-returning
// form cobra.Command.Run expects, printing and exiting on failure.
func mainify(entry func(*cobra.Command, []string) error) func(*cobra.Command, []string) {
	return func(command *cobra.Command, arguments []string) {
		if err := entry(command, arguments); err != nil {
			fatal(err)
		}
	}
}

// rootMain is the entry point for the root command: with no subcommand, it
// just prints help and exits.
func rootMain(command *cobra.Command, _ []string) error {
	return command.Help()
}

// rootCommand is the root command.
var rootCommand = &cobra.Command{
	Use:          "pipforge",
	Version:      version,
	Short:        "Content-addressed build graph execution engine",
	RunE:         rootMain,
	SilenceUsage: true,
}

// rootConfiguration stores configuration for the root command.
var rootConfiguration struct {
	// help indicates whether or not to show help information and exit.
	help bool
}

func init() {
	// Disable Cobra's command sorting behavior. By default, it sorts
	// commands alphabetically in the help output.
	cobra.EnableCommandSorting = false

	// Disable Cobra's use of mousetrap; this binary is never expected to run
	// by double-clicking in a file manager.
	cobra.MousetrapHelpText = ""

	// Set the template used by the version flag.
	rootCommand.SetVersionTemplate("pipforge version {{ .Version }}\n")

	// Grab a handle for the command line flags.
	flags := rootCommand.Flags()

	// Disable alphabetical sorting of flags in help output.
	flags.SortFlags = false

	// Manually add a help flag to override the default message. Cobra will
	// still implement its logic automatically.
	flags.BoolVarP(&rootConfiguration.help, "help", "h", false, "Show help information")

	// Register commands here (rather than in individual init functions) so
	// that we can control the order.
	rootCommand.AddCommand(
		runCommand,
	)
}

func main() {
	if err := rootCommand.Execute(); err != nil {
		os.Exit(1)
	}
}
