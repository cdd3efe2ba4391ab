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
	"time"

	"github.com/go-ldap/ldap/v3"
)

// Protocol is the running replication state machine owned by a started
// agreement. The engine starts it, stops it, and pokes it; it never
// looks inside.
type Protocol interface {
	Start()
	// Stop blocks until the protocol threads have wound down.
	Stop()
	// NotifyUpdate signals that a replicable change was committed under
	// the agreement's replicated area.
	NotifyUpdate()
	// NotifyAgmtChanged signals that the agreement configuration was
	// modified while the protocol was running.
	NotifyAgmtChanged()
	NotifyWindowOpened()
	NotifyWindowClosed()
	// UpdateNow requests an immediate incremental session.
	UpdateNow()
}

// ProtocolFactory builds a fresh protocol instance for an agreement.
// A new instance is built on every start so stale state never leaks
// across stop/start cycles.
type ProtocolFactory func(a *Agreement) Protocol

// Schedule answers whether replication is currently allowed and calls
// back when a window boundary is crossed.
type Schedule interface {
	// SetStartTimeAndInterval replaces the schedule from the entry's
	// schedule strings.
	Update(values []string) error
	InWindowNow() bool
	// NotifyWindowChange registers the callback invoked with true when
	// a window opens and false when it closes.
	NotifyWindowChange(fn func(opened bool))
	Close()
}

// ScheduleFactory builds the schedule for a new agreement.
type ScheduleFactory func() Schedule

// Directory is the local directory server the engine reads agreement
// state from and persists status into.
type Directory interface {
	// SearchEntry returns the entry at dn, restricted to attrs when
	// non-empty. A uniqueID other than "" selects a tombstone entry.
	SearchEntry(dn string, uniqueID string, attrs ...string) (*ldap.Entry, error)
	// Modify applies changes to the entry at dn. Delete of an absent
	// attribute returns an error satisfying
	// ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchAttribute).
	Modify(dn string, uniqueID string, changes []ldap.Change) error
	// BackendFlavor reports the storage flavor ("lmdb" or "bdb") of the
	// backend holding suffix.
	BackendFlavor(suffix string) string
}

// Connection is an open session to the consumer, used for the few reads
// the engine performs against the remote side.
type Connection interface {
	// ReadEntryAttribute reads a single attribute value from the
	// consumer's copy of dn.
	ReadEntryAttribute(dn string, attr string) (string, error)
}

// RUV is an opaque replica update vector. The engine only persists its
// serialized form and extracts replica ids from it.
type RUV interface {
	// Values returns the serialized vector elements for persistence.
	Values() []string
	// LastModified returns the per-replica last modified companion
	// values.
	LastModified() []string
}

// CSN is an opaque change sequence number.
type CSN interface {
	String() string
	ReplicaID() uint16
	Time() time.Time
}
