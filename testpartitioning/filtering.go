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

// Package testpartitioning spreads the suite across CI shards. With
// DIRSRVD_TEST_SHARDS=N and DIRSRVD_TEST_SHARD=i in the environment,
// each test runs on exactly one of the N shards, chosen by hashing its
// name. Without them every test runs, so local `go test` is unaffected.
package testpartitioning

import (
	"hash/crc32"
	"os"
	"strconv"
	"testing"
)

// PartitionTest skips t unless its name hashes onto the shard this
// process was assigned.
func PartitionTest(t *testing.T) {
	total, ok := shardEnv("DIRSRVD_TEST_SHARDS")
	if !ok || total < 2 {
		return
	}
	mine, ok := shardEnv("DIRSRVD_TEST_SHARD")
	if !ok || mine >= total {
		return
	}
	assigned := int(crc32.ChecksumIEEE([]byte(t.Name())) % uint32(total))
	if assigned != mine {
		t.Skipf("test belongs to shard %d of %d", assigned, total)
	}
}

func shardEnv(key string) (int, bool) {
	v, found := os.LookupEnv(key)
	if !found {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
