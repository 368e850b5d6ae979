package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cmd := newRootCommand()
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

type rootOptions struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "hotpatch",
		Short:         "Attach interactive consoles to a running process",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}
	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("HOTPATCH_CONFIG"), "path to a TOML config file")

	root.AddCommand(
		newServeCommand(opts),
		newConnectCommand(opts),
		newTermCommand(opts),
	)
	return root
}
