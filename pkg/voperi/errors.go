package voperi

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import "github.com/pkg/errors"

// Sentinel error kinds the operation layer surfaces on top of
// pkg/verrors's closed storage-engine set: namei/VFS-level conditions
// pkg/fusebridge translates into the matching errno, not storage-core
// failures.
var (
	ErrExist       = errors.New("already-exists")
	ErrNotEmpty    = errors.New("directory-not-empty")
	ErrNotDir      = errors.New("not-a-directory")
	ErrIsDir       = errors.New("is-a-directory")
	ErrNameTooLong = errors.New("name-too-long")
	ErrNoData      = errors.New("no-such-attribute")
)
