// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package asock

import "errors"

var (
	// ErrCallbackNotFound is returned by RemoveCallback when no registered
	// callback matches.
	ErrCallbackNotFound = errors.New("accept callback not found")

	// ErrAlreadyOwnsSockets is returned by Adopt when the listener already
	// holds listening sockets.
	ErrAlreadyOwnsSockets = errors.New("listener already owns sockets")

	// ErrNoAddresses is returned by BindAddrs when the address list is
	// empty.
	ErrNoAddresses = errors.New("no addresses were provided")

	// ErrFamilyMismatch is returned when binding an address whose family
	// differs from the already-created socket's.
	ErrFamilyMismatch = errors.New("address family differs from existing socket")

	// ErrMultipleSockets is returned when single-address Bind is called on a
	// listener that already owns more than one socket.
	ErrMultipleSockets = errors.New("cannot bind a single address to multiple sockets")
)
