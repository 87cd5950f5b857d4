package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/vietanhduong/kinspect"
	"github.com/vietanhduong/kinspect/pkg/discover"
	"github.com/vietanhduong/kinspect/pkg/kallsyms"
	"github.com/vietanhduong/kinspect/pkg/logging"
)

func newCommand() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:          "kinspect",
		Short:        "Inspect the debug info of the running Linux kernel.",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			logging.SetupLoggingWithViper(v)
		},
	}
	root.PersistentFlags().String("log-level", "info", "Log level. Available options: panic, fatal, error, info (default), warn (or warning), debug and trace.")
	root.PersistentFlags().String("log-format", "text", "Log output format. Available options: text (default) and json.")
	_ = v.BindPFlag("log.level", root.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("log.format", root.PersistentFlags().Lookup("log-format"))

	root.AddCommand(newDiscoverCommand())
	root.AddCommand(newKallsymsCommand())
	return root
}

func newDiscoverCommand() *cobra.Command {
	var (
		noDefault bool
		noMain    bool
	)
	cmd := &cobra.Command{
		Use:   "discover [elf-paths...]",
		Short: "Report which debug-info files match the loaded kernel and modules.",
		RunE: func(cmd *cobra.Command, args []string) error {
			prog, err := kinspect.LiveKernel()
			if err != nil {
				return err
			}

			opts := []kinspect.Option{kinspect.WithPaths(args...)}
			if !noDefault {
				opts = append(opts, kinspect.WithDefaultModules())
			}
			if !noMain {
				opts = append(opts, kinspect.WithMainKernel())
			}

			indexer := discover.NewMemoryIndexer()
			if err := kinspect.Discover(prog, indexer, opts...); err != nil {
				return err
			}
			for _, rec := range indexer.Records() {
				name := rec.Name
				if name == "" {
					name = "-"
				}
				fmt.Printf("%-24s %#018x-%#018x %s\n", name, rec.Start, rec.End, rec.Path)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&noDefault, "no-default-modules", false, "Do not search the standard locations for loaded modules.")
	cmd.Flags().BoolVar(&noMain, "no-main-kernel", false, "Do not search the standard locations for vmlinux.")
	return cmd
}

func newKallsymsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "kallsyms <symbol>",
		Short: "Look up a kernel symbol address in /proc/kallsyms.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := kallsyms.SymbolAddr(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%#x\n", addr)
			return nil
		},
	}
}

func main() {
	if err := newCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
