package main

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	homedir "github.com/mitchellh/go-homedir"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/spf13/cobra"

	"github.com/voluta-fs/voluta/pkg/commit"
	"github.com/voluta-fs/voluta/pkg/cstore"
	"github.com/voluta-fs/voluta/pkg/dispatch"
	"github.com/voluta-fs/voluta/pkg/fusebridge"
	"github.com/voluta-fs/voluta/pkg/fusebridge/ctlsock"
	"github.com/voluta-fs/voluta/pkg/pstore"
	"github.com/voluta-fs/voluta/pkg/space"
	"github.com/voluta-fs/voluta/pkg/vconf"
	"github.com/voluta-fs/voluta/pkg/vcrypto"
	"github.com/voluta-fs/voluta/pkg/voperi"
)

var (
	mountVolume     string
	mountPoint      string
	mountPassphrase string
	mountAllowOther bool
	mountCtlSock    string
)

func init() {
	mountCmd.Flags().StringVar(&mountVolume, "volume", "", "path to the volume image to mount")
	mountCmd.Flags().StringVar(&mountPoint, "mount", "", "directory to mount the filesystem on")
	mountCmd.Flags().StringVar(&mountPassphrase, "passphrase", "", "passphrase unwrapping the volume's keys (prompted if omitted)")
	mountCmd.Flags().BoolVar(&mountAllowOther, "allow-other", false, "record allow_other in the saved config (the FUSE mount itself does not enable access for other users)")
	mountCmd.Flags().StringVar(&mountCtlSock, "ctlsock", "", "control-socket path (default from config)")
}

// mountDaemon answers control-socket requests for a single already-running
// mount. It does not support a second MOUNT request arriving over the
// socket: the mount this daemon serves was established once at startup.
type mountDaemon struct {
	mountpoint string
	server     *fuse.Server
}

func (d *mountDaemon) Status() (bool, string) {
	return true, d.mountpoint
}

func (d *mountDaemon) Mount(volume, mountpoint, passphrase string) (int, error) {
	return 0, fmt.Errorf("mount: already serving %s, remounting over the control socket is not supported", d.mountpoint)
}

func (d *mountDaemon) Umount(mountpoint string) error {
	return d.server.Unmount()
}

func (d *mountDaemon) Halt() error {
	return d.server.Unmount()
}

var mountCmd = &cobra.Command{
	Use:   "mount",
	Short: "Mount an encrypted volume as a POSIX filesystem",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := vconf.Load("", log)
		if mountCtlSock != "" {
			cfg.CtlSock = mountCtlSock
		}

		passphrase, err := resolvePassphrase(mountPassphrase)
		if err != nil {
			return err
		}
		iv, key, err := vcrypto.KDF([]byte(passphrase), superBlockSalt)
		if err != nil {
			return err
		}
		masterKeys := vcrypto.IVKeyPair{IV: iv, Key: key}

		ps, err := pstore.Open(mountVolume, pstore.Limits{AGSize: agPhysicalSize})
		if err != nil {
			return err
		}
		cs := cstore.New(ps)

		sbView, err := cs.LoadDecrypt(0, masterKeys)
		if err != nil {
			ps.Close()
			return fmt.Errorf("mount: wrong passphrase or corrupt volume: %w", err)
		}
		sb, err := space.DecodeSuperBlock(sbView)
		if err != nil {
			ps.Close()
			return err
		}

		engine := dispatch.NewEngine(sb, cs, masterKeys)
		commit.Bind(engine)
		if err := engine.LoadITable(); err != nil {
			ps.Close()
			return fmt.Errorf("mount: loading inode table: %w", err)
		}
		ops := voperi.New(engine)

		server, err := fusebridge.Mount(ops, mountPoint, uint32(os.Getuid()), uint32(os.Getgid()), flagDebug)
		if err != nil {
			ps.Close()
			return err
		}
		log.Infof("mounted %s on %s", mountVolume, mountPoint)

		cfg.Volume = mountVolume
		cfg.MountPoint = mountPoint
		cfg.AllowOther = mountAllowOther
		if home, herr := homedir.Dir(); herr == nil {
			if err := vconf.Save(filepath.Join(home, "voluta.yaml"), cfg); err != nil {
				log.Debugf("mount: saving config: %v", err)
			}
		}

		daemon := &mountDaemon{mountpoint: mountPoint, server: server}
		if ln, err := listenCtlSock(cfg.CtlSock); err == nil {
			go serveCtlSock(ln, daemon)
		} else {
			log.Warnf("mount: control socket unavailable: %v", err)
		}

		server.Wait()
		if err := persistAndClose(engine, cs, ps, masterKeys); err != nil {
			log.Warnf("mount: persisting inode table on unmount: %v", err)
		}
		return nil
	},
}

// persistAndClose flushes the inode table and super-block back to the
// volume and closes it, run once the kernel mount has been torn down.
func persistAndClose(engine *dispatch.Engine, cs *cstore.Store, ps *pstore.Store, masterKeys vcrypto.IVKeyPair) error {
	defer ps.Close()
	defer engine.Close()
	if err := engine.PersistITable(); err != nil {
		return err
	}
	sbView, err := engine.Super.Encode()
	if err != nil {
		return err
	}
	if err := cs.EncryptSave(0, masterKeys, sbView); err != nil {
		return err
	}
	return cs.Sync(true)
}

func listenCtlSock(path string) (*net.UnixListener, error) {
	_ = os.Remove(path)
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, err
	}
	return net.ListenUnix("unix", addr)
}

func serveCtlSock(ln *net.UnixListener, h ctlsock.Handler) {
	defer ln.Close()
	for {
		conn, err := ln.AcceptUnix()
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			if err := ctlsock.Serve(conn, h); err != nil {
				log.Debugf("ctlsock: %v", err)
			}
		}()
	}
}
