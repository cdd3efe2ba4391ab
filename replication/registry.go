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
	"strings"

	"github.com/algorand/go-deadlock"

	"github.com/dirsrvd/dirsrvd/logging"
)

// Registry holds every live agreement, keyed by the agreement entry's
// DN. The registry lock is above the per-agreement mutex in the lock
// order: enumeration snapshots the list and releases the lock before
// calling into any agreement.
type Registry struct {
	mu         deadlock.Mutex
	agreements map[string]*Agreement
	log        logging.Logger
}

// NewRegistry returns an empty agreement registry.
func NewRegistry(log logging.Logger) *Registry {
	return &Registry{
		agreements: make(map[string]*Agreement),
		log:        log,
	}
}

func registryKey(dn string) string {
	return strings.ToLower(strings.TrimSpace(dn))
}

// Add registers a new agreement. A second agreement with the same DN is
// rejected.
func (r *Registry) Add(a *Agreement) error {
	key := registryKey(a.DN())
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agreements[key]; ok {
		return fmt.Errorf("agreement %s already exists", a.DN())
	}
	r.agreements[key] = a
	return nil
}

// Remove unregisters the agreement named by dn and returns it, or nil
// when no such agreement exists. The caller owns the returned
// agreement's teardown.
func (r *Registry) Remove(dn string) *Agreement {
	key := registryKey(dn)
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.agreements[key]
	delete(r.agreements, key)
	return a
}

// Get returns the agreement named by dn, or nil.
func (r *Registry) Get(dn string) *Agreement {
	r.mu.Lock()
	a := r.agreements[registryKey(dn)]
	r.mu.Unlock()
	if a != nil {
		return a
	}
	// Fall back to a structural DN comparison for callers that hand in
	// a differently formatted but equivalent name.
	for _, cand := range r.All() {
		if cand.MatchesName(dn) {
			return cand
		}
	}
	return nil
}

// All returns a snapshot of every registered agreement.
func (r *Registry) All() []*Agreement {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Agreement, 0, len(r.agreements))
	for _, a := range r.agreements {
		out = append(out, a)
	}
	return out
}

// Len returns the number of registered agreements.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.agreements)
}

// StartAll starts every enabled agreement. Individual start failures
// are logged and do not stop the sweep.
func (r *Registry) StartAll() {
	for _, a := range r.All() {
		if !a.IsEnabled() {
			continue
		}
		if err := a.Start(); err != nil {
			r.log.Errorf("%s: failed to start agreement: %v", a.LongName(), err)
		}
	}
}

// StopAll stops every agreement.
func (r *Registry) StopAll() {
	for _, a := range r.All() {
		a.Stop()
	}
}

// NotifyAllChange fans a committed local change out to every
// agreement. Each agreement applies its own subtree and fractional
// filtering.
func (r *Registry) NotifyAllChange(change Change) {
	for _, a := range r.All() {
		a.NotifyChange(change)
	}
}

// UpdateMaxCSNAll records a freshly applied local change into the
// maxcsn of every agreement whose subtree covers the change's DN.
func (r *Registry) UpdateMaxCSNAll(localRID uint16, dn string, op OpType, mods []string, csn CSN) {
	for _, a := range r.All() {
		a.UpdateMaxCSN(localRID, dn, op, mods, csn)
	}
}

// MaxCSNsForTombstone collects the in-memory maxcsn values of every
// enabled, non-windows agreement replicating subtree, in the form the
// RUV tombstone entry persists them.
func (r *Registry) MaxCSNsForTombstone(subtree string) []string {
	var out []string
	for _, a := range r.All() {
		if !a.IsEnabled() || a.Type() == TypeWindows || !a.ReplareaMatches(subtree) {
			continue
		}
		if v := a.MaxCSN(); v != "" {
			out = append(out, v)
		}
	}
	return out
}
