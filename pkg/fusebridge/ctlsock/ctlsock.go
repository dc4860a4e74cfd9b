// Package ctlsock implements the length-prefixed mount-control protocol
// voluta's CLI speaks to a running mount over a Unix domain socket: a
// small {STATUS,MOUNT,UMOUNT,HALT} request/response exchange, with a
// MOUNT reply passing the mounted /dev/fuse descriptor back to the
// caller via SCM_RIGHTS so `voluta mount` can daemonize while the kernel
// handle stays open in the child.
package ctlsock

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"encoding/binary"
	"net"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/voluta-fs/voluta/pkg/verrors"
)

// Kind identifies a control-protocol request or response.
type Kind byte

const (
	KindStatus Kind = iota + 1
	KindMount
	KindUmount
	KindHalt
)

// Frame is a single length-prefixed message on the wire: a 4-byte
// big-endian length, a kind byte, an ok byte (meaningful on responses
// only) and a payload. MOUNT responses additionally carry the mounted
// fd out-of-band via SCM_RIGHTS in the same sendmsg/recvmsg call.
type Frame struct {
	Kind    Kind
	OK      bool
	Payload string
}

const maxFrameBody = 4096

// WriteFrame serializes f onto conn, attaching fds via SCM_RIGHTS when
// given (used for a MOUNT response carrying the /dev/fuse descriptor).
func WriteFrame(conn *net.UnixConn, f Frame, fds ...int) error {
	body := make([]byte, 0, 2+len(f.Payload))
	body = append(body, byte(f.Kind))
	if f.OK {
		body = append(body, 1)
	} else {
		body = append(body, 0)
	}
	body = append(body, []byte(f.Payload)...)

	msg := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(msg[:4], uint32(len(body)))
	copy(msg[4:], body)

	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}
	if _, _, err := conn.WriteMsgUnix(msg, oob, nil); err != nil {
		return verrors.Wrapf(verrors.ErrIO, "ctlsock: write frame: %v", err)
	}
	return nil
}

// ReadFrame reads one frame from conn, along with any file descriptors
// passed alongside it. A whole frame (header, body and any ancillary
// data) is assumed to arrive in a single recvmsg — adequate for the
// short fixed-shape messages this protocol exchanges.
func ReadFrame(conn *net.UnixConn) (Frame, []int, error) {
	buf := make([]byte, 4+maxFrameBody)
	oob := make([]byte, unix.CmsgSpace(4*4))

	n, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return Frame{}, nil, verrors.Wrapf(verrors.ErrIO, "ctlsock: read frame: %v", err)
	}
	if n < 6 {
		return Frame{}, nil, verrors.Wrap(verrors.ErrInvalidArgument, "ctlsock: short frame")
	}
	length := binary.BigEndian.Uint32(buf[:4])
	body := buf[4:n]
	if uint32(len(body)) != length {
		return Frame{}, nil, verrors.Wrap(verrors.ErrInvalidArgument, "ctlsock: frame length mismatch")
	}

	f := Frame{Kind: Kind(body[0]), OK: body[1] != 0, Payload: string(body[2:])}

	var fds []int
	if oobn > 0 {
		cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err == nil {
			for _, cmsg := range cmsgs {
				if parsed, err := unix.ParseUnixRights(&cmsg); err == nil {
					fds = append(fds, parsed...)
				}
			}
		}
	}
	return f, fds, nil
}

// MountRequest packs a MOUNT request's three fields into a single
// newline-separated payload.
func MountRequest(volume, mountpoint, passphrase string) string {
	return strings.Join([]string{volume, mountpoint, passphrase}, "\n")
}

// ParseMountRequest is the inverse of MountRequest.
func ParseMountRequest(payload string) (volume, mountpoint, passphrase string, err error) {
	parts := strings.SplitN(payload, "\n", 3)
	if len(parts) != 3 {
		return "", "", "", verrors.Wrap(verrors.ErrInvalidArgument, "ctlsock: malformed mount request")
	}
	return parts[0], parts[1], parts[2], nil
}

// Handler is implemented by whatever process owns the mount: usually
// the voluta mount daemon itself, answering requests from `voluta
// umount` running as a separate, short-lived process.
type Handler interface {
	Status() (mounted bool, mountpoint string)
	Mount(volume, mountpoint, passphrase string) (fuseFd int, err error)
	Umount(mountpoint string) error
	Halt() error
}

// Serve answers requests on conn until a HALT request succeeds or the
// connection is closed.
func Serve(conn *net.UnixConn, h Handler) error {
	for {
		req, _, err := ReadFrame(conn)
		if err != nil {
			return err
		}
		switch req.Kind {
		case KindStatus:
			mounted, mp := h.Status()
			if err := WriteFrame(conn, Frame{Kind: KindStatus, OK: mounted, Payload: mp}); err != nil {
				return err
			}
		case KindMount:
			volume, mountpoint, passphrase, perr := ParseMountRequest(req.Payload)
			if perr != nil {
				_ = WriteFrame(conn, Frame{Kind: KindMount, OK: false, Payload: perr.Error()})
				continue
			}
			fd, merr := h.Mount(volume, mountpoint, passphrase)
			if merr != nil {
				if err := WriteFrame(conn, Frame{Kind: KindMount, OK: false, Payload: merr.Error()}); err != nil {
					return err
				}
				continue
			}
			if err := WriteFrame(conn, Frame{Kind: KindMount, OK: true}, fd); err != nil {
				return err
			}
		case KindUmount:
			uerr := h.Umount(req.Payload)
			payload := ""
			if uerr != nil {
				payload = uerr.Error()
			}
			if err := WriteFrame(conn, Frame{Kind: KindUmount, OK: uerr == nil, Payload: payload}); err != nil {
				return err
			}
		case KindHalt:
			herr := h.Halt()
			if err := WriteFrame(conn, Frame{Kind: KindHalt, OK: herr == nil}); err != nil {
				return err
			}
			if herr == nil {
				return nil
			}
		default:
			_ = WriteFrame(conn, Frame{Kind: req.Kind, OK: false, Payload: "unknown request kind"})
		}
	}
}
