// Package main implements shelly-setup, a small CLI that scaffolds a
// user's ~/.shelly overlay directory, optionally seeding it with copies of
// the engine's built-in handlers so they can be inspected or customized
// (spec.md §4.2).
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/shelly-run/shelly/internal/handlerlocator"
)

const overlayDirName = ".shelly"

func main() {
	root := &cobra.Command{
		Use:   "shelly-setup",
		Short: "Scaffold and manage a ~/.shelly handler overlay directory",
	}

	root.AddCommand(newInitCmd())
	root.AddCommand(newListCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newInitCmd() *cobra.Command {
	var withBuiltins bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the ~/.shelly overlay directory, optionally seeding built-in handlers",
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := os.UserHomeDir()
			if err != nil {
				return fmt.Errorf("resolving home directory: %w", err)
			}
			overlay := filepath.Join(home, overlayDirName)
			if err := os.MkdirAll(overlay, 0o755); err != nil {
				return fmt.Errorf("creating %s: %w", overlay, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", overlay)

			if !withBuiltins {
				return nil
			}
			return seedBuiltins(cmd, overlay)
		},
	}

	cmd.Flags().BoolVar(&withBuiltins, "with-builtins", false, "copy every built-in handler into the overlay for customization")
	return cmd
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-builtins",
		Short: "List the commands with an embedded built-in handler",
		RunE: func(cmd *cobra.Command, args []string) error {
			names, err := handlerlocator.BuiltinNames()
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}

func seedBuiltins(cmd *cobra.Command, overlay string) error {
	names, err := handlerlocator.BuiltinNames()
	if err != nil {
		return err
	}
	for _, name := range names {
		dest := filepath.Join(overlay, name+".ts")
		if _, err := os.Stat(dest); err == nil {
			fmt.Fprintf(cmd.OutOrStdout(), "skipping %s (already exists)\n", dest)
			continue
		}
		src, err := handlerlocator.BuiltinSource(name)
		if err != nil {
			return fmt.Errorf("reading built-in %s: %w", name, err)
		}
		if err := os.WriteFile(dest, src, 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", dest, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", dest)
	}
	return nil
}
