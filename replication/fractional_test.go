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
	"strings"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/dirsrvd/dirsrvd/config"
	"github.com/dirsrvd/dirsrvd/testpartitioning"
)

func agreementDefaultsEntry(excludeVal string) *ldap.Entry {
	return ldap.NewEntry(config.PluginDefaultConfigDN, map[string][]string{
		AttrFractionalList: {excludeVal},
	})
}

func TestParseExcludeList(t *testing.T) {
	testpartitioning.PartitionTest(t)
	t.Parallel()

	attrs, err := parseExcludeList("(objectclass=*) $ EXCLUDE telephoneNumber roomNumber")
	require.NoError(t, err)
	require.Equal(t, []string{"telephoneNumber", "roomNumber"}, attrs)

	// Keyword is case-insensitive and whitespace is forgiving.
	attrs, err = parseExcludeList("  (objectclass=*)$exclude memberOf  ")
	require.NoError(t, err)
	require.Equal(t, []string{"memberOf"}, attrs)

	// Duplicate names collapse, first spelling wins.
	attrs, err = parseExcludeList("(objectclass=*) $ EXCLUDE memberOf MEMBEROF jpegPhoto")
	require.NoError(t, err)
	require.Equal(t, []string{"memberOf", "jpegPhoto"}, attrs)

	// An empty exclude list is legal.
	attrs, err = parseExcludeList("(objectclass=*) $ EXCLUDE")
	require.NoError(t, err)
	require.Empty(t, attrs)
}

func TestParseExcludeListErrors(t *testing.T) {
	testpartitioning.PartitionTest(t)
	t.Parallel()

	for _, bad := range []string{
		"(objectClass=person) $ EXCLUDE memberOf",
		"(objectclass=*) EXCLUDE memberOf",
		"(objectclass=*) $ INCLUDE memberOf",
		"(objectclass=*) $",
		"EXCLUDE memberOf",
		"",
	} {
		_, err := parseExcludeList(bad)
		require.Error(t, err, "value %q", bad)
	}
}

func TestFilterForbiddenAttrs(t *testing.T) {
	testpartitioning.PartitionTest(t)
	t.Parallel()

	kept, denied := filterForbiddenAttrs([]string{"memberOf", "nsUniqueID", "jpegPhoto", "objectClass"})
	require.Equal(t, []string{"memberOf", "jpegPhoto"}, kept)
	require.Equal(t, []string{"nsUniqueID", "objectClass"}, denied)

	kept, denied = filterForbiddenAttrs(nil)
	require.Empty(t, kept)
	require.Empty(t, denied)
}

func TestMergeAttrsNoDup(t *testing.T) {
	testpartitioning.PartitionTest(t)
	t.Parallel()

	merged := mergeAttrsNoDup([]string{"a", "b"}, []string{"B", "c", "A"})
	require.Equal(t, []string{"a", "b", "c"}, merged)

	rapid.Check(t, func(t *rapid.T) {
		gen := rapid.SliceOfN(rapid.StringMatching(`[a-zA-Z]{1,8}`), 0, 10)
		attrs := gen.Draw(t, "attrs")
		extra := gen.Draw(t, "extra")

		merged := mergeAttrsNoDup(attrs, extra)

		seen := make(map[string]bool)
		for _, m := range merged {
			lc := strings.ToLower(m)
			require.False(t, seen[lc], "duplicate %q in %v", m, merged)
			seen[lc] = true
		}
		for _, in := range append(append([]string{}, attrs...), extra...) {
			require.True(t, seen[strings.ToLower(in)], "missing %q", in)
		}
	})
}

func TestFractionalConfigFromEntry(t *testing.T) {
	testpartitioning.PartitionTest(t)

	f := newFixture(t)
	a := f.agreement(t, map[string][]string{
		AttrFractionalList: {"(objectclass=*) $ EXCLUDE telephoneNumber memberOf"},
	})

	require.True(t, a.IsFractional())
	require.Equal(t, []string{"telephoneNumber", "memberOf"}, a.FractionalAttrs())
	require.True(t, a.IsFractionalAttr("MEMBEROF"))
	require.False(t, a.IsFractionalAttr("sn"))

	// With no total list defined, the incremental list covers total
	// refreshes too.
	require.Equal(t, []string{"telephoneNumber", "memberOf"}, a.FractionalAttrsTotal())
	require.True(t, a.IsFractionalAttrTotal("memberof"))

	plain := f.agreement(t, nil)
	require.False(t, plain.IsFractional())
	require.Nil(t, plain.FractionalAttrs())
}

func TestFractionalTotalListOverrides(t *testing.T) {
	testpartitioning.PartitionTest(t)

	f := newFixture(t)
	a := f.agreement(t, map[string][]string{
		AttrFractionalList:      {"(objectclass=*) $ EXCLUDE telephoneNumber memberOf"},
		AttrFractionalListTotal: {"(objectclass=*) $ EXCLUDE jpegPhoto"},
	})

	require.Equal(t, []string{"jpegPhoto"}, a.FractionalAttrsTotal())
	require.True(t, a.IsFractionalAttrTotal("jpegphoto"))
	require.False(t, a.IsFractionalAttrTotal("memberOf"))
	require.True(t, a.IsFractionalAttr("memberOf"))
}

func TestFractionalForbiddenAttrsRejected(t *testing.T) {
	testpartitioning.PartitionTest(t)

	f := newFixture(t)
	_, err := NewFromEntry(agreementEntry(map[string][]string{
		AttrFractionalList: {"(objectclass=*) $ EXCLUDE nsuniqueid memberOf"},
	}), f.env)
	require.ErrorIs(t, err, ErrConfigInvalid)
}

func TestFractionalDefaultsMerged(t *testing.T) {
	testpartitioning.PartitionTest(t)

	f := newFixture(t)
	f.dir.put(config.PluginDefaultConfigDN, "", agreementDefaultsEntry(
		"(objectclass=*) $ EXCLUDE jpegPhoto memberOf"))

	a := f.agreement(t, map[string][]string{
		AttrFractionalList: {"(objectclass=*) $ EXCLUDE telephoneNumber memberOf"},
	})

	// The process-wide default exclude list folds in behind the
	// agreement's own names.
	require.Equal(t, []string{"telephoneNumber", "memberOf", "jpegPhoto"}, a.FractionalAttrs())
}
