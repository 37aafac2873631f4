// SPDX-FileCopyrightText: 2025 The nfstrace authors
// SPDX-License-Identifier: MIT

package packet

import "errors"

var (
	errUnknownProtocol = errors.New("packet: unknown next protocol")
	errTruncated       = errors.New("packet: truncated header")
	errBadVersion      = errors.New("packet: unexpected protocol version")
)
