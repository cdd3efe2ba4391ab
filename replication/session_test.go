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

func TestSessionPrefixDeterministic(t *testing.T) {
	testpartitioning.PartitionTest(t)
	t.Parallel()

	p1 := computeSessionPrefix("dc=example,dc=com", "host1.example.com", 389, 636)
	p2 := computeSessionPrefix("dc=example,dc=com", "host1.example.com", 389, 636)
	require.Equal(t, p1, p2)

	require.NotEqual(t, p1, computeSessionPrefix("dc=example,dc=com", "host2.example.com", 389, 636))
	require.NotEqual(t, p1, computeSessionPrefix("dc=other,dc=com", "host1.example.com", 389, 636))
	require.NotEqual(t, p1, computeSessionPrefix("dc=example,dc=com", "host1.example.com", 1389, 636))
}

func TestSessionPrefixFallback(t *testing.T) {
	testpartitioning.PartitionTest(t)
	t.Parallel()

	require.Equal(t, sessionFallbackPrefix, computeSessionPrefix("", "host1.example.com", 389, 636))
	require.Equal(t, sessionFallbackPrefix, computeSessionPrefix("dc=example,dc=com", "", 389, 636))
}

func TestSessionPrefixFitsTag(t *testing.T) {
	testpartitioning.PartitionTest(t)
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		root := rapid.StringMatching(`dc=[a-z]{1,20},dc=com`).Draw(t, "root")
		host := rapid.StringMatching(`[a-z]{1,30}\.example\.com`).Draw(t, "host")
		port := rapid.IntRange(1, 65535).Draw(t, "port")
		securePort := rapid.IntRange(1, 65535).Draw(t, "securePort")

		prefix := computeSessionPrefix(root, host, port, securePort)
		require.LessOrEqual(t, len(prefix), SessionIDSize-4)
		require.LessOrEqual(t, len(sessionTag(prefix, 999)), SessionIDSize)
	})
}

func TestSessionTagFormat(t *testing.T) {
	testpartitioning.PartitionTest(t)
	t.Parallel()

	require.Equal(t, "prefix   5", sessionTag("prefix", 5))
	require.Equal(t, "prefix  42", sessionTag("prefix", 42))
	require.Equal(t, "prefix 999", sessionTag("prefix", 999))
	require.Equal(t, "prefix ---", initialSessionTag("prefix"))
}

func TestNextSessionCounterCycle(t *testing.T) {
	testpartitioning.PartitionTest(t)
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		n := uint32(rapid.IntRange(0, 2000).Draw(t, "n"))
		next := nextSessionCounter(n)
		require.GreaterOrEqual(t, next, uint32(1))
		require.LessOrEqual(t, next, uint32(999))
		if n >= 1 && n < 999 {
			require.Equal(t, n+1, next)
		}
		if n >= 999 {
			require.Equal(t, uint32(1), next)
		}
	})
}

func TestBumpSessionID(t *testing.T) {
	testpartitioning.PartitionTest(t)

	f := newFixture(t)
	a := f.agreement(t, nil)

	initial := a.SessionID()
	require.True(t, strings.HasSuffix(initial, " ---"))

	first := a.BumpSessionID()
	require.Equal(t, first, a.SessionID())
	prefix := strings.TrimSuffix(initial, " ---")
	require.Equal(t, fmt.Sprintf("%s %3d", prefix, 2), first)

	// Counter 999 wraps back to 1, never to 0 or 1000.
	seen := map[string]bool{first: true}
	for i := 0; i < 1100; i++ {
		id := a.BumpSessionID()
		require.LessOrEqual(t, len(id), SessionIDSize)
		seen[id] = true
	}
	require.Len(t, seen, 999)
}
