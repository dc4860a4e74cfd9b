package main

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"github.com/spf13/cobra"

	"github.com/voluta-fs/voluta/pkg/cstore"
	"github.com/voluta-fs/voluta/pkg/dispatch"
	"github.com/voluta-fs/voluta/pkg/pstore"
	"github.com/voluta-fs/voluta/pkg/space"
	"github.com/voluta-fs/voluta/pkg/vcrypto"
)

var (
	mkfsVolume     string
	mkfsSize       int64
	mkfsPassphrase string
)

func init() {
	mkfsCmd.Flags().StringVar(&mkfsVolume, "volume", "", "path to the volume image to create")
	mkfsCmd.Flags().Int64Var(&mkfsSize, "size", 0, "volume size in bytes (a multiple of the allocation group size)")
	mkfsCmd.Flags().StringVar(&mkfsPassphrase, "passphrase", "", "passphrase wrapping the volume's keys (prompted if omitted)")
}

var mkfsCmd = &cobra.Command{
	Use:   "mkfs",
	Short: "Format a fresh encrypted volume image",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		nag, err := nagForSize(mkfsSize)
		if err != nil {
			return err
		}
		passphrase, err := resolvePassphrase(mkfsPassphrase)
		if err != nil {
			return err
		}

		ps, err := pstore.Create(mkfsVolume, mkfsSize, pstore.Limits{AGSize: agPhysicalSize})
		if err != nil {
			return err
		}
		defer ps.Close()
		cs := cstore.New(ps)

		nusp := int((nag + space.AGsPerUspace - 1) / space.AGsPerUspace)
		sb, err := space.NewSuperBlock(mkfsSize, nag, nusp)
		if err != nil {
			return err
		}

		for i := 1; i <= nusp; i++ {
			baseAG := int64(i-1) * space.AGsPerUspace
			count := space.AGsPerUspace
			if remaining := nag - baseAG; remaining < int64(count) {
				count = int(remaining)
			}
			u := space.NewUspaceMap(i, baseAG, count)
			view, err := u.Encode()
			if err != nil {
				return err
			}
			keys, _ := sb.UspaceKeyFor(i)
			lba := int64(dispatch.UspaceRegionAG)*space.BlocksPerAG + int64(i-1)
			if err := cs.EncryptSave(lba, keys, view); err != nil {
				return err
			}
		}

		iv, key, err := vcrypto.KDF([]byte(passphrase), superBlockSalt)
		if err != nil {
			return err
		}
		masterKeys := vcrypto.IVKeyPair{IV: iv, Key: key}

		sbView, err := sb.Encode()
		if err != nil {
			return err
		}
		if err := cs.EncryptSave(0, masterKeys, sbView); err != nil {
			return err
		}
		if err := cs.Sync(true); err != nil {
			return err
		}

		log.Infof("formatted %s: %d bytes, %d allocation groups, %d uspace-map slots", mkfsVolume, mkfsSize, nag, nusp)
		return nil
	},
}
