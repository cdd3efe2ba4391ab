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

// Package config holds the per-instance configuration settings for dirsrvd.
package config

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
)

// ConfigFilename is the name of the config.json file where we store per-instance settings.
const ConfigFilename = "config.json"

// PluginDefaultConfigDN is the entry carrying the process-wide default
// fractional exclude list, merged into every agreement.
const PluginDefaultConfigDN = "cn=plugin default config,cn=config"

// Local holds the per-instance configuration settings for a dirsrvd supplier.
type Local struct {
	// Port is the plain LDAP listener port of this instance.
	Port int `json:"Port"`

	// SecurePort is the LDAPS listener port of this instance, 0 when disabled.
	SecurePort int `json:"SecurePort"`

	// Hostname overrides the DNS name used when deriving per-agreement
	// session identifiers. Empty means ask the OS.
	Hostname string `json:"Hostname"`

	// DirectoryPath is the path of the sqlite file backing the directory store.
	DirectoryPath string `json:"DirectoryPath"`

	// BaseLoggerDebugLevel is the logrus level the base logger runs at.
	BaseLoggerDebugLevel uint32 `json:"BaseLoggerDebugLevel"`

	// LogFileDir is the directory log files are written to, empty for stderr.
	LogFileDir string `json:"LogFileDir"`
}

var defaultLocal = Local{
	Port:                 389,
	SecurePort:           636,
	DirectoryPath:        "dirsrvd.sqlite",
	BaseLoggerDebugLevel: 4, // logging.Info
}

// GetDefaultLocal returns a copy of the default Local configuration.
func GetDefaultLocal() Local {
	return defaultLocal
}

// LoadConfigFromDisk loads the Local configuration from rootDir, merging
// values from config.json over the defaults. A missing file is not an
// error; the defaults are returned.
func LoadConfigFromDisk(rootDir string) (Local, error) {
	c := defaultLocal
	configPath := filepath.Join(rootDir, ConfigFilename)
	f, err := os.Open(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return c, err
	}
	defer f.Close()
	err = loadConfig(f, &c)
	return c, err
}

func loadConfig(reader io.Reader, config *Local) error {
	dec := json.NewDecoder(reader)
	return dec.Decode(config)
}

// SaveConfigToDisk writes the Local configuration to rootDir/config.json.
func (cfg Local) SaveConfigToDisk(rootDir string) error {
	configPath := filepath.Join(rootDir, ConfigFilename)
	f, err := os.Create(configPath)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "\t")
	return enc.Encode(cfg)
}
