// SPDX-FileCopyrightText: 2025 The nfstrace authors
// SPDX-License-Identifier: MIT

// Command nfstrace inspects NFS packet traces: it decodes pcap files
// (NFS over TCP, UDP or RDMA) and prints the packets, optionally
// filtered by a match expression.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nfstrace/nfstrace/trace"
)

var (
	flagLive    bool
	flagReplies bool
	flagMax     int
	flagVerbose bool
)

func main() {
	root := &cobra.Command{
		Use:          "nfstrace",
		Short:        "Decode and search NFS packet traces",
		SilenceUsage: true,
	}
	root.PersistentFlags().BoolVar(&flagLive, "live", false, "follow a growing capture (live tail)")
	root.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "log decode diagnostics")

	dump := &cobra.Command{
		Use:   "dump FILE...",
		Short: "Print every decoded packet",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return run(args, "")
		},
	}

	match := &cobra.Command{
		Use:   "match EXPR FILE...",
		Short: "Print packets satisfying a match expression",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return run(args[1:], args[0])
		},
	}
	match.Flags().BoolVar(&flagReplies, "replies", false, "also print RPC replies paired with matched calls")
	match.Flags().IntVar(&flagMax, "maxindex", -1, "stop scanning past this packet index")

	root.AddCommand(dump, match)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(paths []string, expr string) error {
	log := zap.NewNop()
	if flagVerbose {
		var err error
		if log, err = zap.NewDevelopment(); err != nil {
			return err
		}
	}
	t, err := trace.Open(paths,
		trace.WithLive(flagLive),
		trace.WithRPCReplies(flagReplies),
		trace.WithLogger(log))
	if err != nil {
		return err
	}
	defer t.Close()

	if expr == "" {
		for {
			p, err := t.Next()
			if err != nil {
				return nil
			}
			fmt.Println(p)
		}
	}

	opts := []trace.MatchOption{trace.NoRewind()}
	if flagMax >= 0 {
		opts = append(opts, trace.MaxIndex(flagMax))
	}
	for {
		p, err := t.Match(expr, opts...)
		if err != nil {
			return err
		}
		if p == nil {
			return nil
		}
		fmt.Println(p)
	}
}
