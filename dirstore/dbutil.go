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

// Package dirstore persists directory entries in a sqlite database and
// serves them to the replication engine through its Directory
// collaborator surface.
package dirstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

const (
	// busyTimeoutMS is how long sqlite itself waits on another
	// process's lock before surfacing SQLITE_BUSY.
	busyTimeoutMS = 500

	maxTxAttempts = 25
	txRetryPause  = 10 * time.Millisecond
)

// openDatabase opens (creating if needed) the sqlite database at
// filename. The store is always a writer, so the handle takes
// immediate write locks and keeps concurrent readers off them with
// WAL. inMemory gives each name its own shared-cache memory database.
func openDatabase(filename string, inMemory bool) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_synchronous=full&_journal_mode=wal&_txlock=immediate",
		filename, busyTimeoutMS)
	if inMemory {
		dsn += "&mode=memory&cache=shared"
	}
	return sql.Open("sqlite3", dsn)
}

// transact runs fn inside a serializable transaction. Contention
// (SQLITE_BUSY, SQLITE_LOCKED) is retried a bounded number of times
// with a short pause; any other error aborts immediately.
func (s *Store) transact(op string, fn func(tx *sql.Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		if attempt > 1 {
			time.Sleep(txRetryPause)
		}
		err = s.tryTransact(fn)
		if !contended(err) {
			return err
		}
		s.log.With("op", op).Debugf("dirstore: tx attempt %d: %v", attempt, err)
	}
	s.log.With("op", op).Warnf("dirstore: tx abandoned after %d attempts: %v", maxTxAttempts, err)
	return err
}

func (s *Store) tryTransact(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(context.Background(), &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func contended(err error) bool {
	var serr sqlite3.Error
	return errors.As(err, &serr) && (serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked)
}
