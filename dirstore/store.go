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

package dirstore

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"

	"github.com/dirsrvd/dirsrvd/logging"
)

// Store is a sqlite-backed directory. Entries are keyed by a
// case-folded DN plus an optional tombstone unique id, so regular
// entries and the RUV tombstone under the same DN coexist.
type Store struct {
	db  *sql.DB
	log logging.Logger
}

var storeSchema = []string{
	`CREATE TABLE IF NOT EXISTS entries (
		dn TEXT NOT NULL,
		dn_lc TEXT NOT NULL,
		uniqueid TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (dn_lc, uniqueid))`,
	`CREATE TABLE IF NOT EXISTS entry_attrs (
		dn_lc TEXT NOT NULL,
		uniqueid TEXT NOT NULL DEFAULT '',
		attr TEXT NOT NULL,
		attr_lc TEXT NOT NULL,
		value TEXT NOT NULL)`,
	`CREATE INDEX IF NOT EXISTS entry_attrs_key ON entry_attrs (dn_lc, uniqueid, attr_lc)`,
	`CREATE TABLE IF NOT EXISTS backends (
		suffix_lc TEXT NOT NULL PRIMARY KEY,
		flavor TEXT NOT NULL)`,
}

// MakeStore opens (creating if needed) the directory database at
// dbfilename. inMemory is for tests.
func MakeStore(dbfilename string, inMemory bool, log logging.Logger) (*Store, error) {
	db, err := openDatabase(dbfilename, inMemory)
	if err != nil {
		return nil, fmt.Errorf("dirstore: open %s: %v", dbfilename, err)
	}

	s := &Store{db: db, log: log}
	err = s.transact("init schema", func(tx *sql.Tx) error {
		for _, stmt := range storeSchema {
			if _, err := tx.Exec(stmt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("dirstore: init schema: %v", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() {
	s.db.Close()
}

func foldDN(dn string) string {
	return strings.ToLower(strings.TrimSpace(dn))
}

// AddEntry stores a new entry. Adding a DN/uniqueID pair that already
// exists returns an entryAlreadyExists diagnostic.
func (s *Store) AddEntry(dn string, uniqueID string, attrs []*ldap.EntryAttribute) error {
	dnLC := foldDN(dn)
	return s.transact("add entry", func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`INSERT OR IGNORE INTO entries (dn, dn_lc, uniqueid) VALUES (?, ?, ?)`,
			dn, dnLC, uniqueID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ldap.NewError(ldap.LDAPResultEntryAlreadyExists,
				fmt.Errorf("entry %s already exists", dn))
		}
		for _, a := range attrs {
			for _, v := range a.Values {
				if _, err := tx.Exec(
					`INSERT INTO entry_attrs (dn_lc, uniqueid, attr, attr_lc, value) VALUES (?, ?, ?, ?, ?)`,
					dnLC, uniqueID, a.Name, strings.ToLower(a.Name), v); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// DeleteEntry removes an entry and all its attribute values.
func (s *Store) DeleteEntry(dn string, uniqueID string) error {
	dnLC := foldDN(dn)
	return s.transact("delete entry", func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM entries WHERE dn_lc = ? AND uniqueid = ?`, dnLC, uniqueID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ldap.NewError(ldap.LDAPResultNoSuchObject,
				fmt.Errorf("entry %s does not exist", dn))
		}
		_, err = tx.Exec(`DELETE FROM entry_attrs WHERE dn_lc = ? AND uniqueid = ?`, dnLC, uniqueID)
		return err
	})
}

// SearchEntry returns the entry at dn, restricted to attrs when
// non-empty. A uniqueID other than "" selects a tombstone entry. A
// missing entry reports noSuchObject.
func (s *Store) SearchEntry(dn string, uniqueID string, attrs ...string) (*ldap.Entry, error) {
	dnLC := foldDN(dn)
	var entry *ldap.Entry
	err := s.transact("search entry", func(tx *sql.Tx) error {
		var storedDN string
		err := tx.QueryRow(
			`SELECT dn FROM entries WHERE dn_lc = ? AND uniqueid = ?`,
			dnLC, uniqueID).Scan(&storedDN)
		if err == sql.ErrNoRows {
			return ldap.NewError(ldap.LDAPResultNoSuchObject,
				fmt.Errorf("entry %s does not exist", dn))
		}
		if err != nil {
			return err
		}

		query := `SELECT attr, value FROM entry_attrs WHERE dn_lc = ? AND uniqueid = ?`
		args := []interface{}{dnLC, uniqueID}
		if len(attrs) > 0 {
			placeholders := make([]string, len(attrs))
			for i, a := range attrs {
				placeholders[i] = "?"
				args = append(args, strings.ToLower(a))
			}
			query += ` AND attr_lc IN (` + strings.Join(placeholders, ", ") + `)`
		}
		query += ` ORDER BY rowid`

		rows, err := tx.Query(query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		e := ldap.NewEntry(storedDN, nil)
		for rows.Next() {
			var attr, value string
			if err := rows.Scan(&attr, &value); err != nil {
				return err
			}
			addEntryValue(e, attr, value)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		entry = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func addEntryValue(e *ldap.Entry, attr, value string) {
	for _, ea := range e.Attributes {
		if strings.EqualFold(ea.Name, attr) {
			ea.Values = append(ea.Values, value)
			ea.ByteValues = append(ea.ByteValues, []byte(value))
			return
		}
	}
	e.Attributes = append(e.Attributes, ldap.NewEntryAttribute(attr, []string{value}))
}

// Modify applies changes to the entry at dn. Deleting an attribute or
// value that is not present reports noSuchAttribute, which callers in
// the engine tolerate.
func (s *Store) Modify(dn string, uniqueID string, changes []ldap.Change) error {
	dnLC := foldDN(dn)
	return s.transact("modify entry", func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRow(
			`SELECT 1 FROM entries WHERE dn_lc = ? AND uniqueid = ?`,
			dnLC, uniqueID).Scan(&one)
		if err == sql.ErrNoRows {
			return ldap.NewError(ldap.LDAPResultNoSuchObject,
				fmt.Errorf("entry %s does not exist", dn))
		}
		if err != nil {
			return err
		}

		for _, change := range changes {
			if err := applyChange(tx, dnLC, uniqueID, change); err != nil {
				return err
			}
		}
		return nil
	})
}

func applyChange(tx *sql.Tx, dnLC string, uniqueID string, change ldap.Change) error {
	attr := change.Modification.Type
	attrLC := strings.ToLower(attr)

	insert := func(vals []string) error {
		for _, v := range vals {
			if _, err := tx.Exec(
				`INSERT INTO entry_attrs (dn_lc, uniqueid, attr, attr_lc, value) VALUES (?, ?, ?, ?, ?)`,
				dnLC, uniqueID, attr, attrLC, v); err != nil {
				return err
			}
		}
		return nil
	}

	switch change.Operation {
	case ldap.AddAttribute:
		return insert(change.Modification.Vals)

	case ldap.ReplaceAttribute:
		if _, err := tx.Exec(
			`DELETE FROM entry_attrs WHERE dn_lc = ? AND uniqueid = ? AND attr_lc = ?`,
			dnLC, uniqueID, attrLC); err != nil {
			return err
		}
		return insert(change.Modification.Vals)

	case ldap.DeleteAttribute:
		if len(change.Modification.Vals) == 0 {
			res, err := tx.Exec(
				`DELETE FROM entry_attrs WHERE dn_lc = ? AND uniqueid = ? AND attr_lc = ?`,
				dnLC, uniqueID, attrLC)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				return ldap.NewError(ldap.LDAPResultNoSuchAttribute,
					fmt.Errorf("attribute %s does not exist", attr))
			}
			return nil
		}
		for _, v := range change.Modification.Vals {
			res, err := tx.Exec(
				`DELETE FROM entry_attrs WHERE dn_lc = ? AND uniqueid = ? AND attr_lc = ? AND value = ?`,
				dnLC, uniqueID, attrLC, v)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				return ldap.NewError(ldap.LDAPResultNoSuchAttribute,
					fmt.Errorf("attribute %s value %q does not exist", attr, v))
			}
		}
		return nil

	default:
		return fmt.Errorf("dirstore: unsupported modify operation %d", change.Operation)
	}
}

// EntriesWithObjectClass returns every non-tombstone entry carrying the
// given objectclass value, in insertion order.
func (s *Store) EntriesWithObjectClass(class string) ([]*ldap.Entry, error) {
	var dns []string
	err := s.transact("list entries", func(tx *sql.Tx) error {
		rows, err := tx.Query(
			`SELECT e.dn FROM entries e
			 JOIN entry_attrs a ON a.dn_lc = e.dn_lc AND a.uniqueid = e.uniqueid
			 WHERE e.uniqueid = '' AND a.attr_lc = 'objectclass' AND a.value = ? COLLATE NOCASE
			 ORDER BY e.rowid`, class)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var dn string
			if err := rows.Scan(&dn); err != nil {
				return err
			}
			dns = append(dns, dn)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	entries := make([]*ldap.Entry, 0, len(dns))
	for _, dn := range dns {
		e, err := s.SearchEntry(dn, "")
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// SetBackendFlavor records the storage flavor of the backend holding
// suffix.
func (s *Store) SetBackendFlavor(suffix string, flavor string) error {
	return s.transact("set backend flavor", func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO backends (suffix_lc, flavor) VALUES (?, ?)
			 ON CONFLICT (suffix_lc) DO UPDATE SET flavor = excluded.flavor`,
			foldDN(suffix), flavor)
		return err
	})
}

// BackendFlavor reports the storage flavor of the backend holding
// suffix. Suffixes with no recorded backend report "bdb".
func (s *Store) BackendFlavor(suffix string) string {
	var flavor string
	err := s.transact("backend flavor", func(tx *sql.Tx) error {
		err := tx.QueryRow(
			`SELECT flavor FROM backends WHERE suffix_lc = ?`,
			foldDN(suffix)).Scan(&flavor)
		if err == sql.ErrNoRows {
			flavor = "bdb"
			return nil
		}
		return err
	})
	if err != nil {
		s.log.Warnf("dirstore: backend flavor lookup for %s: %v", suffix, err)
		return "bdb"
	}
	return flavor
}
