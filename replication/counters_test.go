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
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/dirsrvd/dirsrvd/testpartitioning"
)

func TestIncChangeCounter(t *testing.T) {
	testpartitioning.PartitionTest(t)

	f := newFixture(t)
	a := f.agreement(t, nil)

	require.Equal(t, "", a.ChangeCountString())

	a.IncChangeCounter(5, false)
	a.IncChangeCounter(5, false)
	a.IncChangeCounter(5, true)
	a.IncChangeCounter(9, true)

	require.Equal(t, "5:2/1 9:0/1 ", a.ChangeCountString())
}

func TestChangeCounterOneRecordPerRID(t *testing.T) {
	testpartitioning.PartitionTest(t)

	rapid.Check(t, func(rt *rapid.T) {
		f := newFixture(t)
		a := f.agreement(t, nil)

		replayed := make(map[uint16]int)
		skipped := make(map[uint16]int)
		n := rapid.IntRange(0, 50).Draw(rt, "ops")
		for i := 0; i < n; i++ {
			rid := uint16(rapid.IntRange(1, 5).Draw(rt, "rid"))
			skip := rapid.Bool().Draw(rt, "skip")
			a.IncChangeCounter(rid, skip)
			if skip {
				skipped[rid]++
			} else {
				replayed[rid]++
			}
		}

		rendered := a.ChangeCountString()
		tokens := strings.Fields(rendered)

		rids := make(map[string]bool)
		for _, tok := range tokens {
			rid := tok[:strings.IndexByte(tok, ':')]
			require.False(t, rids[rid], "rid %s appears twice in %q", rid, rendered)
			rids[rid] = true
		}

		for rid := range replayed {
			require.Contains(t, rendered, fmt.Sprintf("%d:%d/%d ", rid, replayed[rid], skipped[rid]))
		}
		for rid := range skipped {
			require.Contains(t, rendered, fmt.Sprintf("%d:%d/%d ", rid, replayed[rid], skipped[rid]))
		}
	})
}
