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
)

// MaxSuppliers is the initial capacity of the per-rid change counter
// list. The list grows past this when more replica ids show up.
const MaxSuppliers = 16

// changeCounter tracks how many changes originating at one remote
// replica id were replayed to or skipped for this peer.
type changeCounter struct {
	rid      uint16
	replayed uint32
	skipped  uint32
}

// IncChangeCounter bumps the replayed or skipped count for rid,
// allocating a new record when rid is new. At most one record exists
// per rid.
func (a *Agreement) IncChangeCounter(rid uint16, skipped bool) {
	a.mu.Lock()
	var cc *changeCounter
	for _, c := range a.changeCounters {
		if c.rid == rid {
			cc = c
			break
		}
	}
	if cc == nil {
		cc = &changeCounter{rid: rid}
		a.changeCounters = append(a.changeCounters, cc)
	}
	if skipped {
		cc.skipped++
	} else {
		cc.replayed++
	}
	longName := a.longName
	a.mu.Unlock()

	if skipped {
		changesSkipped.WithLabelValues(longName).Inc()
	} else {
		changesReplayed.WithLabelValues(longName).Inc()
	}
}

// ChangeCountString renders the counters as "rid:replayed/skipped"
// tokens, matching the value served for changes-sent-since-startup.
func (a *Agreement) ChangeCountString() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return renderChangeCounters(a.changeCounters)
}

func renderChangeCounters(counters []*changeCounter) string {
	var b strings.Builder
	for _, c := range counters {
		fmt.Fprintf(&b, "%d:%d/%d ", c.rid, c.replayed, c.skipped)
	}
	return b.String()
}
