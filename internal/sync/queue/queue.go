// Package queue turns the sync log into upload work: it coalesces the
// pending entries of each record into one batch and schedules retries of
// failed pushes with exponential backoff.
package queue

import (
	"fmt"
	"time"

	"github.com/kimhsiao/docsync/internal/models"
)

// Batch is the coalesced upload work for one record.
type Batch struct {
	Table     string
	RecordID  int64
	Operation models.Operation
	// Entries are the log entries the batch stands for, oldest first.
	Entries []*models.SyncLogEntry
	// Skip is set when the record was created and deleted before it ever
	// reached the remote. Nothing needs to be pushed.
	Skip bool
}

// Key identifies the record of the batch.
func (b *Batch) Key() string {
	return key(b.Table, b.RecordID)
}

// Latest returns the newest entry. Its snapshot is the state to push.
func (b *Batch) Latest() *models.SyncLogEntry {
	return b.Entries[len(b.Entries)-1]
}

// EntryIDs returns the ids of every entry in the batch.
func (b *Batch) EntryIDs() []int64 {
	ids := make([]int64, len(b.Entries))
	for i, e := range b.Entries {
		ids[i] = e.ID
	}
	return ids
}

// RetryCount returns the highest retry count among the entries.
func (b *Batch) RetryCount() int {
	n := 0
	for _, e := range b.Entries {
		if e.RetryCount > n {
			n = e.RetryCount
		}
	}
	return n
}

func key(table string, id int64) string {
	return fmt.Sprintf("%s/%d", table, id)
}

// Coalesce groups entries by record, keeping the order in which records were
// first seen. Entries must already be ordered oldest first.
//
// The batch operation is the latest one, except that a create followed by
// updates is still a create, and a create followed eventually by a delete is
// skipped entirely.
func Coalesce(entries []*models.SyncLogEntry) []*Batch {
	index := make(map[string]*Batch)
	var batches []*Batch

	for _, e := range entries {
		k := key(e.TableName, e.RecordID)
		b, ok := index[k]
		if !ok {
			b = &Batch{Table: e.TableName, RecordID: e.RecordID}
			index[k] = b
			batches = append(batches, b)
		}
		b.Entries = append(b.Entries, e)
	}

	for _, b := range batches {
		first := b.Entries[0].OperationType
		last := b.Latest().OperationType
		b.Operation = last

		if first == models.OperationCreate {
			switch last {
			case models.OperationUpdate:
				b.Operation = models.OperationCreate
			case models.OperationDelete:
				b.Skip = true
			}
		}
	}
	return batches
}

// Policy controls retries of failed pushes.
type Policy struct {
	Base time.Duration
	Max  time.Duration
	// MaxAttempts parks an entry as a dead letter after that many failures.
	// Zero retries forever.
	MaxAttempts int
}

// DefaultPolicy returns the retry policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		Base:        30 * time.Second,
		Max:         time.Hour,
		MaxAttempts: 10,
	}
}

// NextAttempt returns when an entry that has failed retry times may be pushed again.
func (p Policy) NextAttempt(now time.Time, retry int) time.Time {
	return now.Add(Backoff(retry, p.Base, p.Max))
}

// Backoff returns the exponential delay before retry number retry:
// base * 2^retry, capped at max.
func Backoff(retry int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if retry < 0 {
		retry = 0
	}
	delay := base
	for i := 0; i < retry; i++ {
		delay *= 2
		if max > 0 && delay >= max {
			return max
		}
		// overflow
		if delay <= 0 {
			return max
		}
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}
