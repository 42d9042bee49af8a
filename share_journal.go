package main

import (
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

const (
	shareJournalQueueSize     = 4096
	shareJournalFlushInterval = 2 * time.Second
	shareJournalBatchSize     = 256
)

// shareJournalEntry records the outcome of one downstream share.
type shareJournalEntry struct {
	At            time.Time
	User          string
	ChannelID     uint32
	Sequence      uint32
	V2JobID       uint32
	UpstreamJobID string
	UpstreamID    uint64
	Difficulty    float64
	Status        string // "accepted" or the SV2 error code
}

// shareJournal appends share outcomes to a sqlite table on a background
// goroutine. Entries are dropped when the queue is full.
type shareJournal struct {
	db      *sql.DB
	ch      chan shareJournalEntry
	stop    chan struct{}
	wg      sync.WaitGroup
	dropped atomic.Uint64
	once    sync.Once
}

func openShareJournal(path string) (*shareJournal, error) {
	if path == "" {
		return nil, os.ErrInvalid
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path+"?_journal=WAL")
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS shares (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			at_unix_ms INTEGER NOT NULL,
			user TEXT NOT NULL,
			channel_id INTEGER NOT NULL,
			sequence INTEGER NOT NULL,
			v2_job_id INTEGER NOT NULL,
			upstream_job_id TEXT NOT NULL,
			upstream_id INTEGER NOT NULL,
			difficulty REAL NOT NULL,
			status TEXT NOT NULL
		)
	`); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS shares_user_at_idx ON shares (user, at_unix_ms)`); err != nil {
		_ = db.Close()
		return nil, err
	}

	j := &shareJournal{
		db:   db,
		ch:   make(chan shareJournalEntry, shareJournalQueueSize),
		stop: make(chan struct{}),
	}
	j.wg.Add(1)
	go j.run()
	return j, nil
}

// Record queues e without blocking.
func (j *shareJournal) Record(e shareJournalEntry) {
	if j == nil {
		return
	}
	select {
	case j.ch <- e:
	default:
		if j.dropped.Add(1)%1000 == 1 {
			logger.Warn("share journal queue full; dropping entries", "component", "journal", "kind", "queue", "dropped", j.dropped.Load())
		}
	}
}

func (j *shareJournal) run() {
	defer j.wg.Done()
	ticker := time.NewTicker(shareJournalFlushInterval)
	defer ticker.Stop()
	batch := make([]shareJournalEntry, 0, shareJournalBatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := j.insert(batch); err != nil {
			logger.Warn("share journal write failed", "component", "journal", "kind", "write", "entries", len(batch), "error", err)
		}
		batch = batch[:0]
	}
	for {
		select {
		case e := <-j.ch:
			batch = append(batch, e)
			if len(batch) >= shareJournalBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-j.stop:
			for {
				select {
				case e := <-j.ch:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (j *shareJournal) insert(entries []shareJournalEntry) error {
	tx, err := j.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO shares (at_unix_ms, user, channel_id, sequence, v2_job_id, upstream_job_id, upstream_id, difficulty, status) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, e := range entries {
		if _, err := stmt.Exec(e.At.UnixMilli(), e.User, e.ChannelID, e.Sequence, e.V2JobID, e.UpstreamJobID, e.UpstreamID, e.Difficulty, e.Status); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Totals returns the number of journaled shares per status since the given time.
func (j *shareJournal) Totals(since time.Time) (map[string]uint64, error) {
	if j == nil {
		return nil, nil
	}
	rows, err := j.db.Query("SELECT status, COUNT(*) FROM shares WHERE at_unix_ms >= ? GROUP BY status", since.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]uint64)
	for rows.Next() {
		var (
			status string
			n      uint64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

// Recent returns up to limit entries, newest first.
func (j *shareJournal) Recent(limit int) ([]shareJournalEntry, error) {
	if j == nil || limit <= 0 {
		return nil, nil
	}
	rows, err := j.db.Query("SELECT at_unix_ms, user, channel_id, sequence, v2_job_id, upstream_job_id, upstream_id, difficulty, status FROM shares ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []shareJournalEntry
	for rows.Next() {
		var (
			e  shareJournalEntry
			ms int64
		)
		if err := rows.Scan(&ms, &e.User, &e.ChannelID, &e.Sequence, &e.V2JobID, &e.UpstreamJobID, &e.UpstreamID, &e.Difficulty, &e.Status); err != nil {
			return nil, err
		}
		e.At = time.UnixMilli(ms)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close flushes queued entries and closes the database.
func (j *shareJournal) Close() error {
	if j == nil {
		return nil
	}
	var err error
	j.once.Do(func() {
		close(j.stop)
		j.wg.Wait()
		err = j.db.Close()
	})
	return err
}
