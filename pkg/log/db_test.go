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
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func newTestDB(t *testing.T) (*DB, func()) {
	dbPath := filepath.Join(t.TempDir(), "logs.db")

	logDB := NewDB(dbPath, 0, &sync.WaitGroup{})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, logDB.Init(ctx))

	return logDB, cancel
}

func TestQuery(t *testing.T) {
	t.Run("working", func(t *testing.T) {
		msg1 := Log{
			Level:  LevelError,
			Time:   4000,
			Src:    "demux",
			Stream: "high",
			Msg:    "msg1",
		}
		msg2 := Log{
			Level: LevelWarning,
			Time:  3000,
			Src:   "demux",
			Msg:   "msg2",
		}
		msg3 := Log{
			Level:  LevelInfo,
			Time:   2000,
			Src:    "relay",
			Stream: "low",
			Msg:    "msg3",
		}

		logDB, cancel := newTestDB(t)
		defer cancel()

		require.NoError(t, logDB.saveLog(msg1))
		require.NoError(t, logDB.saveLog(msg2))
		require.NoError(t, logDB.saveLog(msg3))

		cases := []struct {
			name     string
			input    Query
			expected *[]Log
		}{
			{
				name: "singleLevel",
				input: Query{
					Levels:  []Level{LevelWarning},
					Sources: []string{"demux"},
				},
				expected: &[]Log{msg2},
			},
			{
				name: "multipleLevels",
				input: Query{
					Levels:  []Level{LevelError, LevelWarning},
					Sources: []string{"demux"},
				},
				expected: &[]Log{msg1, msg2},
			},
			{
				name: "multipleSources",
				input: Query{
					Levels:  []Level{LevelError, LevelInfo},
					Sources: []string{"demux", "relay"},
				},
				expected: &[]Log{msg1, msg3},
			},
			{
				name: "singleStream",
				input: Query{
					Streams: []string{"high"},
				},
				expected: &[]Log{msg1},
			},
			{
				name: "multipleStreams",
				input: Query{
					Streams: []string{"high", "low"},
				},
				expected: &[]Log{msg1, msg3},
			},
			{
				name:     "all",
				input:    Query{},
				expected: &[]Log{msg1, msg2, msg3},
			},
			{
				name: "limit",
				input: Query{
					Limit: 2,
				},
				expected: &[]Log{msg1, msg2},
			},
			{
				name: "exactTime",
				input: Query{
					Time: 4000,
				},
				expected: &[]Log{msg2, msg3},
			},
			{
				name: "time",
				input: Query{
					Time: 3500,
				},
				expected: &[]Log{msg2, msg3},
			},
		}

		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				logs, err := logDB.Query(tc.input)
				require.NoError(t, err)
				require.Equal(t, tc.expected, logs)
			})
		}
	})
	t.Run("empty", func(t *testing.T) {
		logDB, cancel := newTestDB(t)
		defer cancel()

		logs, err := logDB.Query(Query{})
		require.NoError(t, err)
		require.Empty(t, *logs)
	})
	t.Run("unmarshalErr", func(t *testing.T) {
		logDB, cancel := newTestDB(t)
		defer cancel()

		err := logDB.db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket([]byte(dbAPIversion))
			return b.Put([]byte("invalid"), []byte("nil"))
		})
		require.NoError(t, err)

		_, err = logDB.Query(Query{})
		require.Error(t, err)
	})
}

func TestQueryMatch(t *testing.T) {
	entry := Log{Level: LevelWarning, Src: "demux", Stream: "high"}
	cases := map[string]struct {
		query Query
		match bool
	}{
		"empty":       {Query{}, true},
		"level":       {Query{Levels: []Level{LevelWarning}}, true},
		"wrongLevel":  {Query{Levels: []Level{LevelError}}, false},
		"source":      {Query{Sources: []string{"rtsp", "demux"}}, true},
		"wrongSource": {Query{Sources: []string{"rtsp"}}, false},
		"wrongStream": {Query{Streams: []string{"low"}}, false},
		"all": {
			Query{
				Levels:  []Level{LevelWarning},
				Sources: []string{"demux"},
				Streams: []string{"high"},
			},
			true,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, tc.match, tc.query.Match(entry))
		})
	}
}

func TestDB(t *testing.T) {
	t.Run("maxKeys", func(t *testing.T) {
		logDB, cancel := newTestDB(t)
		defer cancel()

		logDB.maxKeys = 3

		for i := 1; i <= 5; i++ {
			require.NoError(t, logDB.saveLog(Log{Time: UnixMicro(i)}))
		}

		err := logDB.db.View(func(tx *bolt.Tx) error {
			keyN := tx.Bucket([]byte(dbAPIversion)).Stats().KeyN
			require.Equal(t, logDB.maxKeys, keyN)
			return nil
		})
		require.NoError(t, err)

		logs, err := logDB.Query(Query{})
		require.NoError(t, err)
		require.Equal(t, &[]Log{{Time: 5}, {Time: 4}, {Time: 3}}, logs)
	})
	t.Run("sameTime", func(t *testing.T) {
		logDB, cancel := newTestDB(t)
		defer cancel()

		require.NoError(t, logDB.saveLog(Log{Time: 10, Msg: "a"}))
		require.NoError(t, logDB.saveLog(Log{Time: 10, Msg: "b"}))

		logs, err := logDB.Query(Query{})
		require.NoError(t, err)
		require.Equal(t, &[]Log{{Time: 10, Msg: "b"}, {Time: 10, Msg: "a"}}, logs)
	})
	t.Run("reopen", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "logs", "logs.db")

		ctx, cancel := context.WithCancel(context.Background())
		wg := &sync.WaitGroup{}
		logDB := NewDB(dbPath, 2, wg)
		require.NoError(t, logDB.Init(ctx))
		require.NoError(t, logDB.saveLog(Log{Time: 1}))
		require.NoError(t, logDB.saveLog(Log{Time: 2}))
		cancel()
		wg.Wait()

		ctx2, cancel2 := context.WithCancel(context.Background())
		defer cancel2()
		logDB = NewDB(dbPath, 2, &sync.WaitGroup{})
		require.NoError(t, logDB.Init(ctx2))
		require.Equal(t, 2, logDB.keyN)

		require.NoError(t, logDB.saveLog(Log{Time: 3}))
		logs, err := logDB.Query(Query{})
		require.NoError(t, err)
		require.Equal(t, &[]Log{{Time: 3}, {Time: 2}}, logs)
	})
	t.Run("saveLogs", func(t *testing.T) {
		logDB, cancel := newTestDB(t)
		defer cancel()

		ctx, cancel2 := context.WithCancel(context.Background())
		defer cancel2()
		logger := NewMockLogger()
		logger.Start(ctx)

		saved := make(chan struct{})
		go func() {
			logDB.SaveLogs(ctx, logger)
			close(saved)
		}()

		require.Eventually(t, func() bool {
			logger.Warn().Src("demux").Msg("sync lost")
			logs, err := logDB.Query(Query{})
			return err == nil && len(*logs) != 0
		}, time.Second, 10*time.Millisecond)

		cancel2()
		<-saved
	})
	t.Run("openDBerr", func(t *testing.T) {
		logDB := &DB{
			dbPath: "/dev/null",
		}
		require.Error(t, logDB.Init(context.Background()))
	})
}
