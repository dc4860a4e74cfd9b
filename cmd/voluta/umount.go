package main

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"
	"net"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/voluta-fs/voluta/pkg/fusebridge/ctlsock"
	"github.com/voluta-fs/voluta/pkg/vconf"
)

var umountCtlSock string

func init() {
	umountCmd.Flags().StringVar(&umountCtlSock, "ctlsock", "", "control-socket path (default from config)")
}

var umountCmd = &cobra.Command{
	Use:   "umount <mountpoint>",
	Short: "Unmount a voluta filesystem",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mountpoint := args[0]
		cfg := vconf.Load("", log)
		sockPath := umountCtlSock
		if sockPath == "" {
			sockPath = cfg.CtlSock
		}

		if err := umountViaCtlSock(sockPath, mountpoint); err == nil {
			log.Infof("unmounted %s", mountpoint)
			return nil
		} else {
			log.Debugf("umount: control socket unavailable (%v), falling back to fusermount", err)
		}
		return umountViaFusermount(mountpoint)
	},
}

func umountViaCtlSock(sockPath, mountpoint string) error {
	addr, err := net.ResolveUnixAddr("unix", sockPath)
	if err != nil {
		return err
	}
	conn, err := net.DialUnix("unix", nil, addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := ctlsock.WriteFrame(conn, ctlsock.Frame{Kind: ctlsock.KindUmount, Payload: mountpoint}); err != nil {
		return err
	}
	reply, _, err := ctlsock.ReadFrame(conn)
	if err != nil {
		return err
	}
	if !reply.OK {
		return fmt.Errorf("umount: %s", reply.Payload)
	}
	return nil
}

func umountViaFusermount(mountpoint string) error {
	out, err := exec.Command("fusermount", "-u", mountpoint).CombinedOutput()
	if err != nil {
		return fmt.Errorf("fusermount -u %s: %v: %s", mountpoint, err, out)
	}
	log.Infof("unmounted %s via fusermount", mountpoint)
	return nil
}
