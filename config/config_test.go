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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dirsrvd/dirsrvd/testpartitioning"
)

func TestLoadMissingConfigReturnsDefaults(t *testing.T) {
	testpartitioning.PartitionTest(t)
	t.Parallel()

	c, err := LoadConfigFromDisk(t.TempDir())
	require.NoError(t, err)
	require.Equal(t, GetDefaultLocal(), c)
	require.Equal(t, 389, c.Port)
	require.Equal(t, 636, c.SecurePort)
	require.Equal(t, "dirsrvd.sqlite", c.DirectoryPath)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	testpartitioning.PartitionTest(t)
	t.Parallel()

	dir := t.TempDir()

	c := GetDefaultLocal()
	c.Port = 10389
	c.Hostname = "supplier.example.com"
	c.LogFileDir = "/var/log/dirsrvd"
	require.NoError(t, c.SaveConfigToDisk(dir))

	loaded, err := LoadConfigFromDisk(dir)
	require.NoError(t, err)
	require.Equal(t, c, loaded)
}

func TestLoadPartialConfigMergesDefaults(t *testing.T) {
	testpartitioning.PartitionTest(t)
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, ConfigFilename),
		[]byte(`{"Port": 1389}`), 0o644))

	c, err := LoadConfigFromDisk(dir)
	require.NoError(t, err)
	require.Equal(t, 1389, c.Port)
	require.Equal(t, GetDefaultLocal().SecurePort, c.SecurePort)
	require.Equal(t, GetDefaultLocal().DirectoryPath, c.DirectoryPath)
}

func TestLoadMalformedConfig(t *testing.T) {
	testpartitioning.PartitionTest(t)
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, ConfigFilename),
		[]byte("not json"), 0o644))

	_, err := LoadConfigFromDisk(dir)
	require.Error(t, err)
}
