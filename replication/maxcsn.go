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

// maxcsnUnavailable is the rid slot placeholder used before the first
// session has told us the consumer's replica id.
const maxcsnUnavailable = "unavailable"

// formatMaxCSN renders the persisted per-agreement maxcsn value:
//
//	<subtree>;<rdn>;<host>;<port>;<rid-or-unavailable>;<csn>
//
// rid 0 means the consumer has not been contacted yet.
func formatMaxCSN(subtree, rdn, host string, port int, rid uint16, csn string) string {
	if rid == 0 {
		return fmt.Sprintf("%s;%s;%s;%d;%s;%s", subtree, rdn, host, port, maxcsnUnavailable, csn)
	}
	return fmt.Sprintf("%s;%s;%s;%d;%d;%s", subtree, rdn, host, port, rid, csn)
}

// parseMaxCSN splits a persisted maxcsn value into its six fields.
func parseMaxCSN(value string) (subtree, rdn, host string, port int, rid uint16, csn string, err error) {
	fields := strings.Split(value, ";")
	if len(fields) != 6 {
		err = fmt.Errorf("malformed maxcsn value %q: %d fields", value, len(fields))
		return
	}
	port, err = strconv.Atoi(fields[3])
	if err != nil {
		err = fmt.Errorf("malformed maxcsn port in %q: %v", value, err)
		return
	}
	subtree, rdn, host, csn = fields[0], fields[1], fields[2], fields[5]
	rid = maxcsnRID(value)
	return
}

// maxcsnRID extracts the consumer replica id from a maxcsn value.
// The unavailable placeholder and anything non-numeric parse as 0.
func maxcsnRID(value string) uint16 {
	fields := strings.Split(value, ";")
	if len(fields) < 5 {
		return 0
	}
	rid, err := strconv.ParseUint(fields[4], 10, 16)
	if err != nil {
		return 0
	}
	return uint16(rid)
}

// maxcsnPrefixes returns the two prefixes that identify this
// agreement's value among the tombstone's maxcsns: the plain
// "<subtree>;<rdn>;<host>;<port>;" form and the variant with the
// unavailable placeholder in the rid slot. Callers must hold a.mu.
func (a *Agreement) maxcsnPrefixes() (string, string) {
	prefix := fmt.Sprintf("%s;%s;%s;%d;", a.replareaRaw, a.rdnValue, a.hostname, a.port)
	return prefix, prefix + maxcsnUnavailable
}

// matchesMaxCSN reports whether value belongs to this agreement.
// Callers must hold a.mu.
func (a *Agreement) matchesMaxCSN(value string) bool {
	prefix, unavail := a.maxcsnPrefixes()
	return strings.Contains(value, prefix) || strings.Contains(value, unavail)
}

// MaxCSN returns the current in-memory maxcsn value, or "" when no
// update has been recorded since start.
func (a *Agreement) MaxCSN() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.maxCSN
}

// UpdateMaxCSN records a freshly applied local change into the
// agreement maxcsn. localRID is the replica id of the local supplier;
// dn, op and mods describe the applied operation and csn its change
// sequence number.
//
// A modify whose attributes are all covered by the fractional exclude
// set or the strip set never reaches the consumer, so it must not
// advance the maxcsn either. The rid slot stays unavailable until the
// first session reveals the consumer's id, and a known rid is only
// rewritten for changes that originated locally.
func (a *Agreement) UpdateMaxCSN(localRID uint16, dn string, op OpType, mods []string, csn CSN) {
	a.mu.Lock()
	enabled := a.enabled
	typ := a.typ
	a.mu.Unlock()
	if !enabled || typ == TypeWindows || !a.coversDN(dn) {
		return
	}

	modCount, excludedCount := 0, 0
	if op == OpModify {
		a.attrMu.RLock()
		for _, m := range mods {
			modCount++
			if a.fracAttrSet.Contains(strings.ToLower(m)) || a.stripAttrSet.Contains(strings.ToLower(m)) {
				excludedCount++
			}
		}
		a.attrMu.RUnlock()
	}
	if excludedCount != 0 && excludedCount == modCount {
		return
	}

	a.mu.Lock()
	switch {
	case a.consumerRID == 0:
		a.maxCSN = formatMaxCSN(a.replareaRaw, a.rdnValue, a.hostname, a.port, 0, csn.String())
	case localRID == csn.ReplicaID():
		a.maxCSN = formatMaxCSN(a.replareaRaw, a.rdnValue, a.hostname, a.port, a.consumerRID, csn.String())
	}
	a.mu.Unlock()
}

// RemoveMaxCSN strips this agreement's maxcsn value from the RUV
// tombstone entry of the replicated subtree. Called on agreement
// deletion, after the worker has been stopped.
func (a *Agreement) RemoveMaxCSN() {
	a.mu.Lock()
	a.maxCSN = ""
	replarea := a.replareaRaw
	longName := a.longName
	a.mu.Unlock()

	entry, err := a.dir.SearchEntry(replarea, RUVStorageEntryUniqueID, AttrAgmtMaxCSN)
	if err != nil {
		a.log.Errorf("%s: replica ruv tombstone entry for replica %s not found: %v", longName, replarea, err)
		return
	}

	var match string
	a.mu.Lock()
	for _, v := range entry.GetAttributeValues(AttrAgmtMaxCSN) {
		if a.matchesMaxCSN(v) {
			match = v
			break
		}
	}
	a.mu.Unlock()
	if match == "" {
		return
	}

	change := ldap.Change{
		Operation:    ldap.DeleteAttribute,
		Modification: ldap.PartialAttribute{Type: AttrAgmtMaxCSN, Vals: []string{match}},
	}
	if err := a.dir.Modify(replarea, RUVStorageEntryUniqueID, []ldap.Change{change}); err != nil {
		a.log.Errorf("%s: failed to remove agmt maxcsn (%s): %v", longName, match, err)
	}
}
