package main

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"
	"os"

	"golang.org/x/term"

	"github.com/voluta-fs/voluta/pkg/cstore"
	"github.com/voluta-fs/voluta/pkg/space"
)

// superBlockSalt is the fixed KDF salt used to derive the key that wraps
// the super-block itself (LBA 0). Every other key in the three-level
// hierarchy is random and lives inside the super-block once it can be
// decrypted, so this is the one key with nowhere else to keep a per-volume
// salt; fixed and documented rather than invented per volume.
var superBlockSalt = []byte("voluta-super-block-v1")

// agPhysicalSize is the physical, on-disk byte footprint of one
// allocation group once every block's cells have grown by their GCM tags.
var agPhysicalSize = space.BlocksPerAG * int64(cstore.PhysicalBlockSize)

func nagForSize(size int64) (int64, error) {
	if size <= 0 || size%agPhysicalSize != 0 {
		return 0, fmt.Errorf("size %d must be a positive multiple of the allocation group size %d bytes", size, agPhysicalSize)
	}
	nag := size / agPhysicalSize
	if nag < 2 {
		return 0, fmt.Errorf("size %d yields %d allocation groups, need at least 2 (super-block + uspace-map region)", size, nag)
	}
	return nag, nil
}

// resolvePassphrase returns flagValue if set, otherwise prompts on the
// controlling terminal, falling back to an error when stdin is not a TTY
// (e.g. running under a script without --passphrase).
func resolvePassphrase(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("--passphrase not given and stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, "passphrase: ")
	data, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(data), nil
}
