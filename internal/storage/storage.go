// Package storage provides an optional BadgerDB-backed snapshot cache for
// the operator status endpoint (SPEC_FULL §4.12). It is a write-through
// cache of the last known registry snapshot only: it is never consulted
// to restore discovery state across restarts, which stays out of scope
// (spec §1 non-goals). Grounded in the teacher's
// internal/database/badger_db.go DatabaseManager, trimmed from its full
// device/profile/meta key-space to a single device-snapshot prefix.
package storage

import (
	"encoding/json"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/jandersen-uva/mocap-coordinator/internal/logger"
	"github.com/jandersen-uva/mocap-coordinator/internal/registry"
	"github.com/jandersen-uva/mocap-coordinator/internal/xerrors"
)

const devicePrefix = "device:"

// SnapshotStore persists the most recently observed state of each device.
// The operator status endpoint reads the live registry, not this store.
type SnapshotStore struct {
	db  *badger.DB
	log *logger.Logger
}

// Open opens (or creates) a BadgerDB store at path.
func Open(path string) (*SnapshotStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, xerrors.Wrap(err, "open snapshot store at %s", path)
	}
	return &SnapshotStore{db: db, log: logger.NewComponentLogger("SnapshotStore")}, nil
}

// Close closes the underlying database.
func (s *SnapshotStore) Close() error {
	return xerrors.SafeCloseWithError(s.db, "snapshot store")
}

// deviceRecord is the JSON shape persisted per device.
type deviceRecord struct {
	AttachedName          string    `json:"attached_name"`
	Hostname              string    `json:"hostname"`
	IP                    string    `json:"ip"`
	Port                  int       `json:"port"`
	SubIP                 string    `json:"sub_ip"`
	Resolved              bool      `json:"resolved"`
	Reachable             bool      `json:"reachable"`
	Checked               bool      `json:"checked"`
	LastHealthResponseAt  time.Time `json:"last_health_response_at"`
	LastSeenSource        string    `json:"last_seen_source"`
}

// PutDevice write-through caches a single device snapshot.
func (s *SnapshotStore) PutDevice(d registry.Device) error {
	rec := deviceRecord{
		AttachedName:         d.AttachedName,
		Hostname:             d.Hostname,
		IP:                   d.IP,
		Port:                 d.Port,
		SubIP:                d.SubIP,
		Resolved:             d.Resolved,
		Reachable:            d.Reachable,
		Checked:              d.Checked,
		LastHealthResponseAt: d.LastHealthResponseAt,
		LastSeenSource:       d.LastSeenSource,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return xerrors.Wrap(err, "marshal device %s", d.AttachedName)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(devicePrefix+d.AttachedName), data)
	})
	if err != nil {
		s.log.Warn("failed to persist snapshot for %s: %v", d.AttachedName, err)
		return xerrors.Wrap(err, "put device %s", d.AttachedName)
	}
	return nil
}

// ListDevices returns every persisted device snapshot.
func (s *SnapshotStore) ListDevices() ([]registry.Device, error) {
	var out []registry.Device
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(devicePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				var rec deviceRecord
				if err := json.Unmarshal(val, &rec); err != nil {
					return err
				}
				out = append(out, registry.Device{
					AttachedName:         rec.AttachedName,
					Hostname:             rec.Hostname,
					IP:                   rec.IP,
					Port:                 rec.Port,
					SubIP:                rec.SubIP,
					Resolved:             rec.Resolved,
					Reachable:            rec.Reachable,
					Checked:              rec.Checked,
					LastHealthResponseAt: rec.LastHealthResponseAt,
					LastSeenSource:       rec.LastSeenSource,
				})
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, xerrors.Wrap(err, "list devices")
	}
	return out, nil
}

// SyncLoop periodically write-through caches the registry's full
// snapshot, so the store never drifts far behind live state.
func (s *SnapshotStore) SyncLoop(done <-chan struct{}, interval time.Duration, reg *registry.Registry) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			for _, d := range reg.Snapshot() {
				if err := s.PutDevice(d); err != nil {
					s.log.Warn("sync failed for %s: %v", d.AttachedName, err)
				}
			}
		}
	}
}
