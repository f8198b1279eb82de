// Copyright 2020-2021 The OS-NVR Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; version 2.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package log

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

const dbAPIversion = "1"

// DefaultMaxKeys the database usually lives on tmpfs.
const DefaultMaxKeys = 10000

// DB log database. Logs are keyed by their timestamp, the oldest
// logs are deleted once the database holds maxKeys entries.
type DB struct {
	dbPath  string
	maxKeys int

	db   *bolt.DB
	keyN int // Number of stored logs, only touched by SaveLogs.

	wg *sync.WaitGroup

	// Wait for last log to be saved before losing db.
	saveWG *sync.WaitGroup
}

// NewDB new log database, zero maxKeys selects DefaultMaxKeys.
func NewDB(dbPath string, maxKeys int, wg *sync.WaitGroup) *DB {
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	return &DB{
		dbPath:  dbPath,
		maxKeys: maxKeys,

		wg:     wg,
		saveWG: &sync.WaitGroup{},
	}
}

// Init creates the parent directory and opens the database. The
// database is closed when the context is canceled.
func (logDB *DB) Init(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(logDB.dbPath), 0o755); err != nil {
		return fmt.Errorf("could not create log directory: %w", err)
	}

	db, err := bolt.Open(logDB.dbPath, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return fmt.Errorf("could not open database: %w: %v", err, logDB.dbPath)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(dbAPIversion))
		if err != nil {
			return err
		}
		logDB.keyN = b.Stats().KeyN
		return nil
	})
	if err != nil {
		db.Close()
		return fmt.Errorf("could not create bucket: %v, %w", dbAPIversion, err)
	}

	logDB.db = db

	logDB.wg.Add(1)
	go func() {
		<-ctx.Done()
		logDB.saveWG.Wait()
		db.Close()
		logDB.wg.Done()
	}()

	return nil
}

// SaveLogs saves logs from the logger into the database.
func (logDB *DB) SaveLogs(ctx context.Context, l *Logger) {
	feed, cancel := l.Subscribe()
	defer cancel()

	logDB.saveWG.Add(1)
	defer logDB.saveWG.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case log, ok := <-feed:
			if !ok {
				return
			}
			if err := logDB.saveLog(log); err != nil {
				// Logging the failure through l would feed it back here.
				fmt.Fprintf(os.Stderr, "could not save log: %v %v\n", log.Msg, err)
			}
		}
	}
}

func (logDB *DB) saveLog(log Log) error {
	value, err := json.Marshal(log)
	if err != nil {
		return err
	}

	return logDB.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(dbAPIversion))

		// Bursts can share a timestamp, the next free microsecond is used.
		key := uint64(log.Time)
		for b.Get(encodeKey(key)) != nil {
			key++
		}

		for logDB.keyN >= logDB.maxKeys {
			k, _ := b.Cursor().First()
			if k == nil {
				logDB.keyN = 0
				break
			}
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("could not delete first key: %w", err)
			}
			logDB.keyN--
		}

		if err := b.Put(encodeKey(key), value); err != nil {
			return err
		}
		logDB.keyN++
		return nil
	})
}

// Query database query. Nil filters match everything.
type Query struct {
	Levels  []Level
	Time    UnixMicro // Only logs older than Time, zero is now.
	Sources []string
	Streams []string
	Limit   int
}

// Match reports whether the log passes the level, source and stream filters.
func (q Query) Match(log Log) bool {
	return (q.Levels == nil || slices.Contains(q.Levels, log.Level)) &&
		(q.Sources == nil || slices.Contains(q.Sources, log.Src)) &&
		(q.Streams == nil || slices.Contains(q.Streams, log.Stream))
}

// Query returns matching logs, newest first.
func (logDB *DB) Query(q Query) (*[]Log, error) {
	limit := q.Limit
	if limit == 0 {
		limit = logDB.maxKeys
	}

	logs := []Log{}
	err := logDB.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(dbAPIversion)).Cursor()

		var key, value []byte
		if q.Time == 0 {
			key, value = c.Last()
		} else {
			c.Seek(encodeKey(uint64(q.Time)))
			key, value = c.Prev()
		}

		for ; key != nil && len(logs) < limit; key, value = c.Prev() {
			var log Log
			if err := json.Unmarshal(value, &log); err != nil {
				return fmt.Errorf("could not unmarshal log: %w", err)
			}
			if q.Match(log) {
				logs = append(logs, log)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &logs, nil
}

func encodeKey(key uint64) []byte {
	return binary.BigEndian.AppendUint64(make([]byte, 0, 8), key)
}
