// cmd/ark/main.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// ark is a small local backup tool: it archives a directory tree into a
// single compressed, optionally encrypted artifact, and restores or
// verifies such artifacts.  The sched subcommand supervises recurring
// backup tasks.

package main

import (
	"fmt"
	"os"

	"github.com/mmp/ark/compress"
	"github.com/mmp/ark/engine"
	"github.com/mmp/ark/rdso"
	"github.com/mmp/ark/util"
	"github.com/mmp/ark/walk"
	"github.com/spf13/cobra"
)

var log *util.Logger

var (
	flagVerbose bool
	flagDebug   bool

	flagAlgorithm string
	flagPassword  string
	flagRecovery  bool

	flagKeywords []string
	flagRegex    string
	flagSuffixes []string
	flagMinSize  uint64
	flagMaxSize  uint64
	flagUser     string
)

func main() {
	root := &cobra.Command{
		Use:           "ark",
		Short:         "local directory backup with compression and encryption",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log = util.NewLogger(flagVerbose, flagDebug)
		},
	}
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "verbose output")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "debugging output")

	root.AddCommand(backupCmd(), restoreCmd(), verifyCmd(), repairCmd(), schedCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ark: %v\n", err)
		os.Exit(1)
	}
}

func addPipelineFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&flagAlgorithm, "algorithm", "a", "lzss",
		"compression algorithm (huffman, lzss, joined)")
	cmd.Flags().StringVarP(&flagPassword, "password", "p", "",
		"encryption password (empty disables encryption)")
}

func parseAlgorithm(name string) (compress.Algorithm, error) {
	switch name {
	case "huffman":
		return compress.Huffman, nil
	case "lzss":
		return compress.LZSS, nil
	case "joined":
		return compress.Joined, nil
	}
	return 0, fmt.Errorf("%s: %w", name, compress.ErrUnknownAlgorithm)
}

func newEngine() (*engine.Engine, error) {
	algo, err := parseAlgorithm(flagAlgorithm)
	if err != nil {
		return nil, err
	}

	e := engine.New(log)
	e.SetCompressionAlgorithm(int(algo))
	e.SetPassword(flagPassword)
	if flagRecovery {
		e.SetRecoveryShards(rdso.DefaultDataShards, rdso.DefaultParityShards)
	}

	if len(flagKeywords) > 0 || flagRegex != "" || len(flagSuffixes) > 0 ||
		flagMinSize > 0 || flagMaxSize > 0 || flagUser != "" {
		e.SetFilter(walk.Filter{
			NameKeywords: flagKeywords,
			NameRegex:    flagRegex,
			Suffixes:     flagSuffixes,
			MinSize:      flagMinSize,
			MaxSize:      flagMaxSize,
			UserName:     flagUser,
		})
	}
	return e, nil
}

func backupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup <srcdir> [dst]",
		Short: "archive a directory tree into a single artifact",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dst := ""
			if len(args) == 2 {
				dst = args[1]
			}

			e, err := newEngine()
			if err != nil {
				return err
			}
			target, err := e.Backup(args[0], dst)
			if err != nil {
				return err
			}
			log.Print("backed up %s to %s", args[0], target)
			return nil
		},
	}
	addPipelineFlags(cmd)
	cmd.Flags().BoolVar(&flagRecovery, "recovery", false,
		"write a Reed-Solomon .rs sidecar next to the artifact")
	cmd.Flags().StringSliceVar(&flagKeywords, "keyword", nil,
		"only include paths containing this literal (repeatable)")
	cmd.Flags().StringVar(&flagRegex, "regex", "",
		"only include paths matching this regexp (ignored if keywords given)")
	cmd.Flags().StringSliceVar(&flagSuffixes, "suffix", nil,
		"only include paths with this suffix (repeatable)")
	cmd.Flags().Uint64Var(&flagMinSize, "min-size", 0, "minimum file size in bytes")
	cmd.Flags().Uint64Var(&flagMaxSize, "max-size", 0, "maximum file size in bytes")
	cmd.Flags().StringVar(&flagUser, "user", "", "only include files owned by this user")
	return cmd
}

func restoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore <artifact> <dstdir>",
		Short: "reconstruct the tree stored in an artifact",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e := engine.New(log)
			e.SetPassword(flagPassword)
			if err := e.Restore(args[0], args[1]); err != nil {
				return err
			}
			log.Print("restored %s to %s", args[0], args[1])
			return nil
		},
	}
	cmd.Flags().StringVarP(&flagPassword, "password", "p", "", "decryption password")
	return cmd
}

func verifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <artifact>",
		Short: "check that an artifact is structurally valid and decryptable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e := engine.New(log)
			e.SetPassword(flagPassword)
			if err := e.Verify(args[0]); err != nil {
				return err
			}
			log.Print("%s: ok", args[0])
			return nil
		},
	}
	cmd.Flags().StringVarP(&flagPassword, "password", "p", "", "decryption password")
	return cmd
}

func repairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repair <artifact>",
		Short: "reconstruct a damaged artifact from its .rs sidecar",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := rdso.Repair(args[0], args[0]+".rs", log)
			if err != nil {
				return err
			}
			if out == "" {
				log.Print("%s: no damage found", args[0])
			} else {
				log.Print("recovered to %s", out)
			}
			return nil
		},
	}
}
