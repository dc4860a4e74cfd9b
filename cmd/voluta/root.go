package main

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/voluta-fs/voluta/pkg/elog"
)

var log elog.Logger = elog.Nop{}

var (
	flagVerbose bool
	flagDebug   bool
)

func commandInit() {
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "enable debug output")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cli := elog.NewCLI(flagDebug || flagVerbose)
		logrus.SetLevel(logrus.InfoLevel)
		log = cli
		return nil
	}

	rootCmd.AddCommand(mkfsCmd)
	rootCmd.AddCommand(mountCmd)
	rootCmd.AddCommand(umountCmd)
	rootCmd.AddCommand(fsckCmd)
}

var rootCmd = &cobra.Command{
	Use:   "voluta",
	Short: "voluta is an encrypted-at-rest, user-space POSIX filesystem",
	Long: `voluta formats, mounts and checks a single-file encrypted volume,
exposing it as a POSIX filesystem through FUSE.`,
}
