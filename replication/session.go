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
	"crypto/sha1"
	"encoding/base64"
	"fmt"
)

// sessionFallbackPrefix is used when the inputs of the prefix hash are
// incomplete.
const sessionFallbackPrefix = "dummyID"

// computeSessionPrefix derives the stable per-agreement session tag
// prefix: SHA-1 over subtree, host and both ports, base64 encoded and
// truncated so that "<prefix> NNN" fits in SessionIDSize bytes.
func computeSessionPrefix(root, host string, port, securePort int) string {
	if root == "" || host == "" {
		return sessionFallbackPrefix
	}
	sum := sha1.Sum([]byte(fmt.Sprintf("%s%s%d%d", root, host, port, securePort)))
	enc := base64.StdEncoding.EncodeToString(sum[:])
	if len(enc) > SessionIDSize-4 {
		enc = enc[:SessionIDSize-4]
	}
	return enc
}

// nextSessionCounter advances the 1..999 session counter, wrapping from
// 999 back to 1.
func nextSessionCounter(n uint32) uint32 {
	if n >= 999 {
		return 1
	}
	return n + 1
}

// sessionTag renders the composite session identifier logged on every
// per-session line.
func sessionTag(prefix string, counter uint32) string {
	return fmt.Sprintf("%s %3d", prefix, counter)
}

// initialSessionTag is the tag before any session has started.
func initialSessionTag(prefix string) string {
	return fmt.Sprintf("%s ---", prefix)
}
