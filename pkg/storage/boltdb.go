package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/tovfikur/infra-controlplane/pkg/ctlerr"
	"github.com/tovfikur/infra-controlplane/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketHosts      = []byte("hosts")
	bucketTasks      = []byte("tasks")
	bucketPlacements = []byte("placements")
	bucketMappings   = []byte("domain_mappings")
	bucketAlerts     = []byte("alerts")
	bucketAudit      = []byte("audit")
	bucketCreds      = []byte("credentials")
)

// BoltStore implements Store on an embedded BoltDB file, one bucket per
// entity, values JSON-encoded. There is exactly one process writing this
// file (the control plane is single-process, see spec.md §5), so a plain
// bbolt.DB with an optimistic version counter per aggregate replaces what a
// clustered store would need Raft for.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) the control-plane database
// file under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "controlplane.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{
			bucketHosts, bucketTasks, bucketPlacements,
			bucketMappings, bucketAlerts, bucketAudit, bucketCreds,
		} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

// checkVersion compares the version on the incoming row against the stored
// one, returning a VersionConflict error if the writer is behind. Pass
// storedVersion=0 for inserts where no prior row exists.
func checkVersion(kind string, expected, stored int) error {
	if expected != stored {
		return ctlerr.New(ctlerr.VersionConflict,
			fmt.Sprintf("%s: expected version %d, store has %d", kind, expected, stored))
	}
	return nil
}

// --- Hosts ---

func (s *BoltStore) CreateHost(h *types.Host) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHosts)
		if b.Get([]byte(h.ID)) != nil {
			return ctlerr.New(ctlerr.AlreadyExists, "host "+h.ID)
		}
		h.Version = 1
		data, err := json.Marshal(h)
		if err != nil {
			return err
		}
		return b.Put([]byte(h.ID), data)
	})
}

func (s *BoltStore) GetHost(id string) (*types.Host, error) {
	var h types.Host
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketHosts).Get([]byte(id))
		if data == nil {
			return ctlerr.New(ctlerr.NotFound, "host "+id)
		}
		return json.Unmarshal(data, &h)
	})
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (s *BoltStore) GetHostByName(name string) (*types.Host, error) {
	var found *types.Host
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHosts).ForEach(func(k, v []byte) error {
			var h types.Host
			if err := json.Unmarshal(v, &h); err != nil {
				return err
			}
			if h.Name == name {
				found = &h
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ctlerr.New(ctlerr.NotFound, "host "+name)
	}
	return found, nil
}

func (s *BoltStore) ListHosts() ([]*types.Host, error) {
	var out []*types.Host
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHosts).ForEach(func(k, v []byte) error {
			var h types.Host
			if err := json.Unmarshal(v, &h); err != nil {
				return err
			}
			out = append(out, &h)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) UpdateHost(h *types.Host) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHosts)
		data := b.Get([]byte(h.ID))
		if data == nil {
			return ctlerr.New(ctlerr.NotFound, "host "+h.ID)
		}
		var existing types.Host
		if err := json.Unmarshal(data, &existing); err != nil {
			return err
		}
		if err := checkVersion("host", h.Version, existing.Version); err != nil {
			return err
		}
		h.Version = existing.Version + 1
		out, err := json.Marshal(h)
		if err != nil {
			return err
		}
		return b.Put([]byte(h.ID), out)
	})
}

func (s *BoltStore) DeleteHost(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHosts).Delete([]byte(id))
	})
}

// --- DeploymentTasks ---

func (s *BoltStore) CreateTask(t *types.DeploymentTask) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		t.Version = 1
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		return b.Put([]byte(t.ID), data)
	})
}

func (s *BoltStore) GetTask(id string) (*types.DeploymentTask, error) {
	var t types.DeploymentTask
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get([]byte(id))
		if data == nil {
			return ctlerr.New(ctlerr.NotFound, "task "+id)
		}
		return json.Unmarshal(data, &t)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *BoltStore) ListTasks() ([]*types.DeploymentTask, error) {
	var out []*types.DeploymentTask
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var t types.DeploymentTask
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			out = append(out, &t)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ListTasksByStatus(status types.TaskStatus) ([]*types.DeploymentTask, error) {
	all, err := s.ListTasks()
	if err != nil {
		return nil, err
	}
	var out []*types.DeploymentTask
	for _, t := range all {
		if t.Status == status {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *BoltStore) UpdateTask(t *types.DeploymentTask) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get([]byte(t.ID))
		if data == nil {
			return ctlerr.New(ctlerr.NotFound, "task "+t.ID)
		}
		var existing types.DeploymentTask
		if err := json.Unmarshal(data, &existing); err != nil {
			return err
		}
		if err := checkVersion("task", t.Version, existing.Version); err != nil {
			return err
		}
		t.Version = existing.Version + 1
		out, err := json.Marshal(t)
		if err != nil {
			return err
		}
		return b.Put([]byte(t.ID), out)
	})
}

// --- ServicePlacements ---

func (s *BoltStore) CreatePlacement(p *types.ServicePlacement) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPlacements)
		if err := s.checkPlacementUniqueness(tx, p, ""); err != nil {
			return err
		}
		p.Version = 1
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return b.Put([]byte(p.ID), data)
	})
}

// checkPlacementUniqueness enforces spec.md's "(host id, port) unique among
// non-stopped placements" invariant, excluding the row identified by
// excludeID (used when updating a placement in place).
func (s *BoltStore) checkPlacementUniqueness(tx *bolt.Tx, p *types.ServicePlacement, excludeID string) error {
	if p.Status == types.PlacementStopped {
		return nil
	}
	b := tx.Bucket(bucketPlacements)
	return b.ForEach(func(k, v []byte) error {
		if string(k) == excludeID {
			return nil
		}
		var other types.ServicePlacement
		if err := json.Unmarshal(v, &other); err != nil {
			return err
		}
		if other.Status == types.PlacementStopped {
			return nil
		}
		if other.HostID == p.HostID && other.Port == p.Port {
			return ctlerr.New(ctlerr.AlreadyExists,
				fmt.Sprintf("placement on host %s port %d", p.HostID, p.Port))
		}
		if other.Name == p.Name && string(k) != p.ID {
			return ctlerr.New(ctlerr.AlreadyExists, "placement name "+p.Name)
		}
		return nil
	})
}

func (s *BoltStore) GetPlacement(id string) (*types.ServicePlacement, error) {
	var p types.ServicePlacement
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPlacements).Get([]byte(id))
		if data == nil {
			return ctlerr.New(ctlerr.NotFound, "placement "+id)
		}
		return json.Unmarshal(data, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *BoltStore) GetPlacementByName(name string) (*types.ServicePlacement, error) {
	var found *types.ServicePlacement
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPlacements).ForEach(func(k, v []byte) error {
			var p types.ServicePlacement
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if p.Name == name {
				found = &p
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ctlerr.New(ctlerr.NotFound, "placement "+name)
	}
	return found, nil
}

func (s *BoltStore) ListPlacements() ([]*types.ServicePlacement, error) {
	var out []*types.ServicePlacement
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPlacements).ForEach(func(k, v []byte) error {
			var p types.ServicePlacement
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			out = append(out, &p)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ListPlacementsByHost(hostID string) ([]*types.ServicePlacement, error) {
	all, err := s.ListPlacements()
	if err != nil {
		return nil, err
	}
	var out []*types.ServicePlacement
	for _, p := range all {
		if p.HostID == hostID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *BoltStore) UpdatePlacement(p *types.ServicePlacement) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPlacements)
		data := b.Get([]byte(p.ID))
		if data == nil {
			return ctlerr.New(ctlerr.NotFound, "placement "+p.ID)
		}
		var existing types.ServicePlacement
		if err := json.Unmarshal(data, &existing); err != nil {
			return err
		}
		if err := checkVersion("placement", p.Version, existing.Version); err != nil {
			return err
		}
		if err := s.checkPlacementUniqueness(tx, p, p.ID); err != nil {
			return err
		}
		p.Version = existing.Version + 1
		out, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return b.Put([]byte(p.ID), out)
	})
}

func (s *BoltStore) DeletePlacement(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPlacements).Delete([]byte(id))
	})
}

// --- DomainMappings ---

func (s *BoltStore) CreateDomainMapping(m *types.DomainMapping) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMappings)
		if err := b.ForEach(func(k, v []byte) error {
			var other types.DomainMapping
			if err := json.Unmarshal(v, &other); err != nil {
				return err
			}
			if other.Domain == m.Domain {
				return ctlerr.New(ctlerr.AlreadyExists, "domain "+m.Domain)
			}
			return nil
		}); err != nil {
			return err
		}
		m.Version = 1
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		return b.Put([]byte(m.ID), data)
	})
}

func (s *BoltStore) GetDomainMapping(id string) (*types.DomainMapping, error) {
	var m types.DomainMapping
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMappings).Get([]byte(id))
		if data == nil {
			return ctlerr.New(ctlerr.NotFound, "domain mapping "+id)
		}
		return json.Unmarshal(data, &m)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *BoltStore) GetDomainMappingByDomain(domain string) (*types.DomainMapping, error) {
	var found *types.DomainMapping
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMappings).ForEach(func(k, v []byte) error {
			var m types.DomainMapping
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if m.Domain == domain {
				found = &m
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ctlerr.New(ctlerr.NotFound, "domain "+domain)
	}
	return found, nil
}

func (s *BoltStore) ListDomainMappings() ([]*types.DomainMapping, error) {
	var out []*types.DomainMapping
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMappings).ForEach(func(k, v []byte) error {
			var m types.DomainMapping
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			out = append(out, &m)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) UpdateDomainMapping(m *types.DomainMapping) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMappings)
		data := b.Get([]byte(m.ID))
		if data == nil {
			return ctlerr.New(ctlerr.NotFound, "domain mapping "+m.ID)
		}
		var existing types.DomainMapping
		if err := json.Unmarshal(data, &existing); err != nil {
			return err
		}
		if err := checkVersion("domain mapping", m.Version, existing.Version); err != nil {
			return err
		}
		m.Version = existing.Version + 1
		out, err := json.Marshal(m)
		if err != nil {
			return err
		}
		return b.Put([]byte(m.ID), out)
	})
}

func (s *BoltStore) DeleteDomainMapping(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMappings).Delete([]byte(id))
	})
}

// --- Alerts ---

func (s *BoltStore) CreateAlert(a *types.Alert) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAlerts)
		a.Version = 1
		data, err := json.Marshal(a)
		if err != nil {
			return err
		}
		return b.Put([]byte(a.ID), data)
	})
}

func (s *BoltStore) GetAlert(id string) (*types.Alert, error) {
	var a types.Alert
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAlerts).Get([]byte(id))
		if data == nil {
			return ctlerr.New(ctlerr.NotFound, "alert "+id)
		}
		return json.Unmarshal(data, &a)
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *BoltStore) GetActiveAlertByDedupKey(key string) (*types.Alert, error) {
	var found *types.Alert
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAlerts).ForEach(func(k, v []byte) error {
			var a types.Alert
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if a.Status == types.AlertActive && a.DedupKey() == key {
				found = &a
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ctlerr.New(ctlerr.NotFound, "active alert "+key)
	}
	return found, nil
}

func (s *BoltStore) ListAlerts() ([]*types.Alert, error) {
	var out []*types.Alert
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAlerts).ForEach(func(k, v []byte) error {
			var a types.Alert
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			out = append(out, &a)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ListActiveAlerts() ([]*types.Alert, error) {
	all, err := s.ListAlerts()
	if err != nil {
		return nil, err
	}
	var out []*types.Alert
	for _, a := range all {
		if a.Status == types.AlertActive {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *BoltStore) UpdateAlert(a *types.Alert) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAlerts)
		data := b.Get([]byte(a.ID))
		if data == nil {
			return ctlerr.New(ctlerr.NotFound, "alert "+a.ID)
		}
		var existing types.Alert
		if err := json.Unmarshal(data, &existing); err != nil {
			return err
		}
		if err := checkVersion("alert", a.Version, existing.Version); err != nil {
			return err
		}
		a.Version = existing.Version + 1
		out, err := json.Marshal(a)
		if err != nil {
			return err
		}
		return b.Put([]byte(a.ID), out)
	})
}

// --- AuditEntries ---

// AppendAuditEntry writes e keyed by a monotonically increasing sequence so
// ListAuditEntries can return the most recent entries in order without
// parsing timestamps. Entries are never updated or deleted.
func (s *BoltStore) AppendAuditEntry(e *types.AuditEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudit)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), data)
	})
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

// ListAuditEntries returns the most recent limit entries, newest first. A
// non-positive limit returns every entry.
func (s *BoltStore) ListAuditEntries(limit int) ([]*types.AuditEntry, error) {
	var out []*types.AuditEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAudit).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var e types.AuditEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, &e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// --- Credentials ---

// PutCredential upserts the single credential row for a host (a host has
// exactly one authentication method at a time, per spec.md §3).
func (s *BoltStore) PutCredential(c *types.Credential) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCreds)
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return b.Put([]byte(c.HostID), data)
	})
}

func (s *BoltStore) GetCredentialByHost(hostID string) (*types.Credential, error) {
	var c types.Credential
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCreds).Get([]byte(hostID))
		if data == nil {
			return ctlerr.New(ctlerr.NotFound, "credential for host "+hostID)
		}
		return json.Unmarshal(data, &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *BoltStore) DeleteCredential(hostID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCreds).Delete([]byte(hostID))
	})
}
