package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// starter .biff file written by init.
const starterBiffFile = `[team]
members = []

# Uncomment to use a shared NATS relay instead of the local filesystem:
# [relay]
# url = "nats://localhost:4222"
`

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "biff",
		Short:         "Biff: the dog that barked when messages arrived",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newServeCommand(),
		newInstallCommand(),
		newInstallStatuslineCommand(),
		newUninstallCommand(),
		newUninstallStatuslineCommand(),
		newDoctorCommand(),
		newInitCommand(),
		newVersionCommand(),
	)
	return root
}

func newServeCommand() *cobra.Command {
	var (
		userFlag    string
		dataDirFlag string
		prefixFlag  string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the biff MCP server on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(ConfigOverrides{
				User:    userFlag,
				DataDir: dataDirFlag,
				Prefix:  prefixFlag,
			}, nil)
			if err != nil {
				return err
			}
			logger := newServerLogger(cfg.DataDir)
			relay := NewRelay(cfg, logger)
			app := NewApp(cfg, relay, logger)

			startCtx, cancel := context.WithTimeout(context.Background(), RelayTimeout)
			err = app.Start(startCtx)
			cancel()
			if err != nil {
				return fmt.Errorf("startup failed: %w", err)
			}

			serveErr := app.Serve()

			stopCtx, cancel := context.WithTimeout(context.Background(), RelayTimeout)
			app.Shutdown(stopCtx)
			cancel()
			return serveErr
		},
	}
	cmd.Flags().StringVar(&userFlag, "user", "", "login override (default: gh identity, then OS user)")
	cmd.Flags().StringVar(&dataDirFlag, "data-dir", "", "data directory override")
	cmd.Flags().StringVar(&prefixFlag, "prefix", "", "base path for the data directory (default /tmp)")
	return cmd
}

func installerCommand(use, short string, run func(*Installer) (string, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			inst, err := NewInstaller()
			if err != nil {
				return err
			}
			msg, err := run(inst)
			if err != nil {
				return err
			}
			fmt.Println(msg)
			return nil
		},
	}
}

func newInstallCommand() *cobra.Command {
	return installerCommand("install", "Register the biff MCP server with Claude Code",
		(*Installer).Install)
}

func newUninstallCommand() *cobra.Command {
	return installerCommand("uninstall", "Remove the biff MCP server registration",
		(*Installer).Uninstall)
}

func newInstallStatuslineCommand() *cobra.Command {
	return installerCommand("install-statusline", "Install the unread-count status bar segment",
		(*Installer).InstallStatusline)
}

func newUninstallStatuslineCommand() *cobra.Command {
	return installerCommand("uninstall-statusline", "Restore the original status bar",
		(*Installer).UninstallStatusline)
}

func newDoctorCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose the biff environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			if code := NewDoctor().Run(); code != 0 {
				os.Exit(code)
			}
			return nil
		},
	}
}

func newInitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a starter .biff file at the repo root",
		RunE: func(cmd *cobra.Command, args []string) error {
			root := FindGitRoot(Workdir())
			if root == "" {
				return fmt.Errorf("not in a git repository")
			}
			path := filepath.Join(root, ".biff")
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := atomicWrite(path, []byte(starterBiffFile)); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the biff version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("biff %s\n", ServerVersion)
		},
	}
}
