// Copyright (C) 2026 dirsrvd contributors
// This file is part of dirsrvd
//
// dirsrvd is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// dirsrvd is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with dirsrvd.  If not, see <https://www.gnu.org/licenses/>.

package replication

import (
	"github.com/go-ldap/ldap/v3"
)

// ReplResponse is the protocol-level result of an acquire attempt
// against the consumer replica.
type ReplResponse int

const (
	ReplReplicaReady            ReplResponse = 0x00
	ReplReplicaBusy             ReplResponse = 0x01
	ReplExcessiveClockSkew      ReplResponse = 0x02
	ReplPermissionDenied        ReplResponse = 0x03
	ReplDecodingError           ReplResponse = 0x04
	ReplUnknownUpdateProtocol   ReplResponse = 0x05
	ReplNoSuchReplica           ReplResponse = 0x06
	ReplBelowPurgePoint         ReplResponse = 0x07
	ReplInternalError           ReplResponse = 0x08
	ReplReplicaReleaseSucceeded ReplResponse = 0x09
	ReplLegacyConsumer          ReplResponse = 0x0A
	ReplReplicaIDError          ReplResponse = 0x0B
	ReplDisabled                ReplResponse = 0x0C
	ReplUpToDate                ReplResponse = 0x0D
	ReplBackoff                 ReplResponse = 0x0E
	ReplTransientError          ReplResponse = 0x0F
)

var replResponseText = map[ReplResponse]string{
	ReplReplicaReady:            "replica acquired",
	ReplReplicaBusy:             "replica busy",
	ReplExcessiveClockSkew:      "excessive clock skew",
	ReplPermissionDenied:        "permission denied",
	ReplDecodingError:           "decoding error",
	ReplUnknownUpdateProtocol:   "unknown update protocol",
	ReplNoSuchReplica:           "no such replica",
	ReplBelowPurgePoint:         "csn below purge point",
	ReplInternalError:           "internal error",
	ReplReplicaReleaseSucceeded: "replica released",
	ReplLegacyConsumer:          "replica is a legacy consumer",
	ReplReplicaIDError:          "duplicate replica ID detected",
	ReplDisabled:                "replication disabled",
	ReplUpToDate:                "no change to send",
	ReplBackoff:                 "begin backoff",
}

// String renders the response for status lines. Unrecognized codes
// render as "unknown error", which the status builder relies on to
// suppress them next to a known LDAP error.
func (r ReplResponse) String() string {
	if s, ok := replResponseText[r]; ok {
		return s
	}
	return "unknown error"
}

// ConnResult is the outcome of a connection-level operation against the
// consumer.
type ConnResult int

const (
	ConnOperationSuccess ConnResult = 0
	ConnOperationFailed  ConnResult = 1
	ConnNotConnected     ConnResult = 2
	ConnSSLNotEnabled    ConnResult = 3
	ConnTimeout          ConnResult = 4
	ConnBusy             ConnResult = 5
	ConnLocalError       ConnResult = 6
	ConnBadData          ConnResult = 7
)

var connResultText = map[ConnResult]string{
	ConnOperationSuccess: "operation success",
	ConnOperationFailed:  "operation failure",
	ConnNotConnected:     "not connected",
	ConnSSLNotEnabled:    "SSL not enabled",
	ConnTimeout:          "time out",
	ConnBusy:             "busy",
	ConnLocalError:       "local error",
	ConnBadData:          "bad data",
}

// text returns the known table entry, or "" for unknown codes. The
// status builder substitutes "Unknown connection error (%d)" for those.
func (c ConnResult) text() string {
	return connResultText[c]
}

// ldapResultText renders the textual form of an LDAP result code using
// the protocol's standard table.
func ldapResultText(rc int) string {
	if s, ok := ldap.LDAPResultCodeMap[uint16(rc)]; ok {
		return s
	}
	return "Unknown error"
}
