// Package storage provides embedded persistence for data that outlives
// a single runtime process without being used to reconstruct live DAG
// state on restart: a resource-topology snapshot for fast warm start,
// and an append-only audit log of completed tasks for operator
// inspection. Outstanding tasks, the DAG, and in-flight transfers are
// never recovered from disk; a crash stops the application.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/alexbarcelo/compss/internal/datamodel"
	"github.com/alexbarcelo/compss/internal/resource"
)

var (
	bucketTopology = []byte("topology")
	bucketAudit    = []byte("audit")
)

// AuditRecord is one completed-task entry in the audit log.
type AuditRecord struct {
	TaskId     datamodel.TaskId `json:"taskId"`
	AppId      datamodel.AppId  `json:"appId"`
	Resource   string           `json:"resource"`
	Succeeded  bool             `json:"succeeded"`
	Error      string           `json:"error,omitempty"`
	FinishedAt time.Time        `json:"finishedAt"`
}

// Store is the bbolt-backed persistence layer.
type Store struct {
	db  *bbolt.DB
	log *slog.Logger

	writeLatency metric.Float64Histogram
	auditWrites  metric.Int64Counter
}

// Open opens (creating if absent) the bbolt file at path and ensures
// its buckets exist.
func Open(path string, meter metric.Meter, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketTopology, bucketAudit} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	writeLatency, _ := meter.Float64Histogram("compss_storage_write_ms")
	auditWrites, _ := meter.Int64Counter("compss_storage_audit_writes_total")

	return &Store{db: db, log: log.With("component", "storage"), writeLatency: writeLatency, auditWrites: auditWrites}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveTopology overwrites the persisted mount table with topo's current
// contents, for recovery of shared-disk wiring on restart.
func (s *Store) SaveTopology(ctx context.Context, topo *resource.Topology) error {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("op", "save_topology")))
	}()

	data, err := json.Marshal(topo.Snapshot())
	if err != nil {
		return fmt.Errorf("marshal topology: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTopology).Put([]byte("current"), data)
	})
}

// LoadTopology restores topo from the last SaveTopology, a no-op if
// nothing was ever persisted.
func (s *Store) LoadTopology(topo *resource.Topology) error {
	var mounts []resource.Mount
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketTopology).Get([]byte("current"))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &mounts)
	})
	if err != nil {
		return fmt.Errorf("load topology: %w", err)
	}
	topo.Restore(mounts)
	return nil
}

// AppendAudit records a completed task, keyed so iteration order is
// chronological (nanosecond timestamp prefix).
func (s *Store) AppendAudit(ctx context.Context, rec AuditRecord) error {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("op", "append_audit")))
	}()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	key := fmt.Sprintf("%020d:%d", rec.FinishedAt.UnixNano(), rec.TaskId)
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAudit).Put([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	s.auditWrites.Add(ctx, 1)
	return nil
}

// RecentAudit returns up to limit audit records, most recent first.
func (s *Store) RecentAudit(limit int) ([]AuditRecord, error) {
	out := make([]AuditRecord, 0, limit)
	err := s.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketAudit).Cursor()
		count := 0
		for k, v := cursor.Last(); k != nil && count < limit; k, v = cursor.Prev() {
			var rec AuditRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			out = append(out, rec)
			count++
		}
		return nil
	})
	return out, err
}
