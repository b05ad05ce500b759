// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package dispatch

import (
	"net"

	"golang.org/x/sys/unix"
)

// peerCredentials reads SO_PEERCRED from a unix socket connection.
// Returns false for other transports or when the kernel refuses.
func peerCredentials(conn net.Conn) (PeerCredentials, bool) {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return PeerCredentials{}, false
	}
	raw, err := unixConn.SyscallConn()
	if err != nil {
		return PeerCredentials{}, false
	}
	var credentials *unix.Ucred
	var credentialsErr error
	if err := raw.Control(func(fd uintptr) {
		credentials, credentialsErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil || credentialsErr != nil {
		return PeerCredentials{}, false
	}
	return PeerCredentials{PID: credentials.Pid, UID: credentials.Uid, GID: credentials.Gid}, true
}
