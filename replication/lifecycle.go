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
	"fmt"
	"strconv"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// Start creates and starts the protocol worker for this agreement. The
// RUV tombstone of the replicated subtree is searched first, before the
// agreement mutex is taken; the unique-id index path behind that search
// acquires higher-level locks. If a worker is already running the new
// protocol instance is discarded without transition.
func (a *Agreement) Start() error {
	a.mu.Lock()
	if !a.enabled {
		a.mu.Unlock()
		return nil
	}
	replarea := a.replareaRaw
	longName := a.longName
	a.mu.Unlock()

	prot := a.protoFactory(a)

	entry, err := a.dir.SearchEntry(replarea, RUVStorageEntryUniqueID, AttrAgmtMaxCSN)
	if err != nil {
		a.log.Errorf("%s: replica ruv tombstone entry for replica %s not found: %v",
			longName, replarea, err)
		entry = nil
	}

	a.mu.Lock()
	if a.protocol != nil {
		a.mu.Unlock()
		a.log.Infof("replication already started for agreement %s", longName)
		return nil
	}
	a.protocol = prot
	if entry != nil {
		for _, v := range entry.GetAttributeValues(AttrAgmtMaxCSN) {
			if a.matchesMaxCSN(v) {
				a.maxCSN = v
				a.consumerRID = maxcsnRID(v)
				a.ridTentative = true
				break
			}
		}
	}
	a.mu.Unlock()

	prot.Start()
	return nil
}

// Stop stops the protocol worker and blocks until it has wound down.
// Stop is idempotent and safe to call on a never-started agreement.
// The handle is used outside the mutex: the worker's shutdown path
// re-enters the agreement through the public getters.
func (a *Agreement) Stop() {
	a.mu.Lock()
	if a.stopInProgress {
		a.mu.Unlock()
		return
	}
	a.stopInProgress = true
	prot := a.protocol
	a.mu.Unlock()

	if prot != nil {
		prot.Stop()
	}

	a.mu.Lock()
	a.stopInProgress = false
	a.protocol = nil
	a.mu.Unlock()
}

// HasProtocol reports whether a protocol worker is currently attached.
func (a *Agreement) HasProtocol() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.protocol != nil
}

// Delete tears the agreement down: the worker is stopped, the schedule
// released, the consumer RUV and counters dropped, and the persisted
// maxcsn value stripped from the subtree's tombstone entry. The caller
// is expected to have removed the agreement from its registry already.
func (a *Agreement) Delete() {
	a.Stop()

	a.mu.Lock()
	sched := a.schedule
	a.schedule = nil
	a.consumerRUV = nil
	a.changeCounters = nil
	a.mu.Unlock()

	if sched != nil {
		sched.Close()
	}

	a.RemoveMaxCSN()
}

// NotifyChange offers a committed local change to this agreement. The
// change is dropped when a stop is in flight, when the target DN is not
// under the replicated subtree, and when a modify touches only
// attributes the fractional configuration excludes. Add, delete and
// modrdn always reach the worker, even on fractional agreements.
func (a *Agreement) NotifyChange(change Change) {
	a.mu.Lock()
	if a.stopInProgress {
		a.mu.Unlock()
		return
	}
	prot := a.protocol
	a.mu.Unlock()

	if prot == nil || !a.coversDN(change.TargetDN) {
		return
	}

	relevant := true
	if change.Op == OpModify {
		a.attrMu.RLock()
		if len(a.fracAttrs) > 0 {
			relevant = false
			for _, m := range change.ModifiedAttrs {
				if !a.fracAttrSet.Contains(strings.ToLower(m)) {
					relevant = true
					break
				}
			}
		}
		a.attrMu.RUnlock()
	}
	if relevant {
		prot.NotifyUpdate()
	}
}

// SetEnabledFromEntry applies the enabled flag from a modified
// agreement entry. Enabling starts the worker; disabling stops it, then
// persists the consumer RUV and init status and records the disabled
// state in the last-update slot.
func (a *Agreement) SetEnabledFromEntry(e *ldap.Entry) error {
	val := entryValue(e, AttrEnabled)
	if val == "" {
		return fmt.Errorf("%w: missing %s", ErrConfigConflict, AttrEnabled)
	}

	var enable bool
	switch {
	case strings.EqualFold(val, "on"):
		enable = true
	case strings.EqualFold(val, "off"):
		enable = false
	default:
		return fmt.Errorf("%w: invalid %s value %q, the value must be \"on\" or \"off\"",
			ErrConfigConflict, AttrEnabled, val)
	}

	a.mu.Lock()
	if enable == a.enabled {
		a.mu.Unlock()
		return nil
	}
	a.enabled = enable
	longName := a.longName
	a.mu.Unlock()

	if enable {
		a.log.Infof("agreement is now enabled (%s)", longName)
		return a.Start()
	}

	a.log.Infof("agreement is now disabled (%s)", longName)
	a.Stop()
	a.UpdateConsumerRUV()
	a.PersistInitStatus()
	a.SetLastUpdateStatus(0, 0, "agreement disabled")
	return nil
}

// windowStateChanged is registered with the schedule and relays window
// boundary crossings to the running worker.
func (a *Agreement) windowStateChanged(opened bool) {
	a.mu.Lock()
	prot := a.protocol
	a.mu.Unlock()

	if prot == nil {
		return
	}
	if opened {
		prot.NotifyWindowOpened()
	} else {
		prot.NotifyWindowClosed()
	}
}

// ReplicateNow is accepted for administrative compatibility but
// intentionally does nothing; immediate replication is requested
// through UpdateNow on the running worker instead.
func (a *Agreement) ReplicateNow() {
}

// UpdateNow asks the running worker for an immediate incremental
// session.
func (a *Agreement) UpdateNow() {
	a.mu.Lock()
	prot := a.protocol
	a.mu.Unlock()

	if prot != nil {
		prot.UpdateNow()
	}
}

// ReplicaInitDone removes the refresh sentinel from the agreement's
// configuration entry once a total init has completed, so a restart
// does not trigger another one. The absent-attribute diagnostic is
// expected when the sentinel was never persisted.
func (a *Agreement) ReplicaInitDone() {
	a.deleteEntryAttr(AttrBeginReplicaRefresh)
}

// ResetIgnoreMissing removes the ignore-missing-change attribute from
// the agreement's configuration entry, used after a one-shot skip has
// been consumed.
func (a *Agreement) ResetIgnoreMissing() {
	a.deleteEntryAttr(AttrIgnoreMissingChange)
}

func (a *Agreement) deleteEntryAttr(attr string) {
	a.mu.Lock()
	dn := a.dnRaw
	longName := a.longName
	a.mu.Unlock()

	change := ldap.Change{
		Operation:    ldap.DeleteAttribute,
		Modification: ldap.PartialAttribute{Type: attr},
	}
	if err := a.dir.Modify(dn, "", []ldap.Change{change}); err != nil && !isNoSuchAttribute(err) {
		a.log.Errorf("%s: failed to remove (%s) attribute from (%s) entry: %v",
			longName, attr, dn, err)
	}
}

// ConsumerRID returns the consumer's replica id, refreshing it over
// conn when it is unknown or was tentatively recovered from a persisted
// maxcsn value.
func (a *Agreement) ConsumerRID(conn Connection) uint16 {
	a.mu.Lock()
	rid := a.consumerRID
	tentative := a.ridTentative
	replarea := a.replareaRaw
	longName := a.longName
	a.mu.Unlock()

	if rid == 0 || tentative {
		dn := fmt.Sprintf("cn=replica,cn=%q,cn=mapping tree,cn=config", replarea)
		val, err := conn.ReadEntryAttribute(dn, AttrConsumerReplicaID)
		if err != nil {
			a.log.Errorf("%s: failed to read consumer replica id at %s: %v", longName, dn, err)
		} else if n, perr := strconv.ParseUint(val, 10, 16); perr == nil {
			rid = uint16(n)
		}
	}

	a.mu.Lock()
	a.consumerRID = rid
	a.ridTentative = false
	a.mu.Unlock()

	return rid
}

// SetConsumerRID records the replica id learned from an established
// session and clears the tentative flag.
func (a *Agreement) SetConsumerRID(rid uint16) {
	a.mu.Lock()
	a.consumerRID = rid
	a.ridTentative = false
	a.mu.Unlock()
}

// UpdateDone is called by the worker when an update pass, total or
// incremental, has completed. Pending per-session state is flushed so
// the next run starts clean.
func (a *Agreement) UpdateDone(isTotal bool) {
	a.mu.Lock()
	a.updateInProgress = false
	if isTotal {
		a.autoInitialize = false
	}
	a.mu.Unlock()
}
