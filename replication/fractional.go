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

	"github.com/dirsrvd/dirsrvd/util"
)

// fractionalFilterPrefix is the only filter the exclude grammar admits.
const fractionalFilterPrefix = "(objectclass=*)"

// forbiddenFractionalAttrs may never be excluded from replication.
// Excluding them breaks tombstone handling and naming.
var forbiddenFractionalAttrs = util.MakeSet(
	"nsuniqueid",
	"modifiersname",
	"lastmodifiedtime",
	"dc",
	"o",
	"ou",
	"cn",
	"objectclass",
)

// parseExcludeList parses a fractional replication value of the form
//
//	(objectclass=*) $ EXCLUDE attr1 attr2 ...
//
// returning the de-duplicated attribute names. The filter must match
// exactly and the EXCLUDE keyword is mandatory.
func parseExcludeList(value string) ([]string, error) {
	s := strings.TrimSpace(value)
	if !strings.HasPrefix(s, fractionalFilterPrefix) {
		return nil, fmt.Errorf("fractional list %q must begin with %q", value, fractionalFilterPrefix)
	}
	s = strings.TrimSpace(s[len(fractionalFilterPrefix):])
	if !strings.HasPrefix(s, "$") {
		return nil, fmt.Errorf("fractional list %q is missing the $ separator", value)
	}
	s = strings.TrimSpace(s[1:])
	fields := strings.Fields(s)
	if len(fields) == 0 || !strings.EqualFold(fields[0], "EXCLUDE") {
		return nil, fmt.Errorf("fractional list %q is missing the EXCLUDE keyword", value)
	}
	return dedupAttrs(fields[1:]), nil
}

// filterForbiddenAttrs splits attrs into the kept list and the denied
// list. Denied names are returned for the caller to log.
func filterForbiddenAttrs(attrs []string) (kept, denied []string) {
	for _, attr := range attrs {
		if forbiddenFractionalAttrs.Contains(strings.ToLower(attr)) {
			denied = append(denied, attr)
		} else {
			kept = append(kept, attr)
		}
	}
	return kept, denied
}

// mergeAttrsNoDup appends the members of extra not already present in
// attrs, comparing case-insensitively and preserving order.
func mergeAttrsNoDup(attrs, extra []string) []string {
	seen := make(util.Set[string], len(attrs))
	out := make([]string, 0, len(attrs)+len(extra))
	for _, attr := range attrs {
		if !seen.Contains(strings.ToLower(attr)) {
			seen.Add(strings.ToLower(attr))
			out = append(out, attr)
		}
	}
	for _, attr := range extra {
		if !seen.Contains(strings.ToLower(attr)) {
			seen.Add(strings.ToLower(attr))
			out = append(out, attr)
		}
	}
	return out
}

func dedupAttrs(attrs []string) []string {
	return mergeAttrsNoDup(attrs, nil)
}

// attrSet builds the case-folded membership set used on the filtering
// hot path.
func attrSet(attrs []string) util.Set[string] {
	s := make(util.Set[string], len(attrs))
	for _, attr := range attrs {
		s.Add(strings.ToLower(attr))
	}
	return s
}
