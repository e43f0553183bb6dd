// Package registry is the durable record of every managed instance. It is
// the source of declared truth; live process state is owned by the
// supervisor and reconciled at read time, never persisted here.
package registry

import (
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/pbfleet/pbfleet-agent/internal/domain"
	domainerrors "github.com/pbfleet/pbfleet-agent/internal/domain/errors"
)

const (
	instancePrefix = "instance:"
	nameIndex      = "name:"
	portIndex      = "port:"
)

// Registry stores Instance rows in Badger with uniqueness indexes for name
// and port maintained in the same transaction as the row.
type Registry struct {
	db *badger.DB

	// mu serializes writes so that a uniqueness check and the commit that
	// depends on it are atomic. Reads go straight to badger snapshots.
	mu sync.Mutex
}

// Open opens (or creates) the registry database at path.
func Open(path string) (*Registry, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	opts = opts.WithValueLogFileSize(1 << 20)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Registry{db: db}, nil
}

func (r *Registry) Close() error {
	return r.db.Close()
}

func instanceKey(id string) []byte { return []byte(instancePrefix + id) }
func nameKey(name string) []byte   { return []byte(nameIndex + name) }
func portKey(port int) []byte      { return []byte(portIndex + strconv.Itoa(port)) }

// Create commits a new row, assigning the id and timestamps. Exactly one of
// two racing creates for the same name or port wins; the loser observes
// NameConflict or PortConflict and no state is mutated.
func (r *Registry) Create(inst domain.Instance) (domain.Instance, error) {
	if inst.Name == "" {
		return domain.Instance{}, domainerrors.ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if inst.Version == "" {
		return domain.Instance{}, domainerrors.ValidationError{Field: "version", Reason: "must not be empty"}
	}
	if inst.Port < 1 || inst.Port > 65535 {
		return domain.Instance{}, domainerrors.ValidationError{Field: "port", Reason: "out of range"}
	}

	inst.ID = uuid.New().String()
	now := time.Now().UTC()
	inst.CreatedAt = now
	inst.UpdatedAt = now

	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(nameKey(inst.Name)); err == nil {
			return domainerrors.NameConflict{Name: inst.Name}
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		if _, err := txn.Get(portKey(inst.Port)); err == nil {
			return domainerrors.PortConflict{Port: inst.Port}
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		data, err := json.Marshal(inst)
		if err != nil {
			return err
		}
		if err := txn.Set(instanceKey(inst.ID), data); err != nil {
			return err
		}
		if err := txn.Set(nameKey(inst.Name), []byte(inst.ID)); err != nil {
			return err
		}
		return txn.Set(portKey(inst.Port), []byte(inst.ID))
	})
	if err != nil {
		return domain.Instance{}, err
	}
	return inst, nil
}

// Get returns the row for id.
func (r *Registry) Get(id string) (domain.Instance, error) {
	var inst domain.Instance
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(instanceKey(id))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return domainerrors.NotFound{Kind: "instance", Ref: id}
			}
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &inst)
		})
	})
	if err != nil {
		return domain.Instance{}, err
	}
	return inst, nil
}

// GetByName returns the row registered under name.
func (r *Registry) GetByName(name string) (domain.Instance, error) {
	var id string
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(nameKey(name))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return domainerrors.NotFound{Kind: "instance", Ref: name}
			}
			return err
		}
		return item.Value(func(v []byte) error {
			id = string(v)
			return nil
		})
	})
	if err != nil {
		return domain.Instance{}, err
	}
	return r.Get(id)
}

// List returns every row, newest first.
func (r *Registry) List() ([]domain.Instance, error) {
	var out []domain.Instance
	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(instancePrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var inst domain.Instance
			err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &inst)
			})
			if err != nil {
				return err
			}
			out = append(out, inst)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// PortTaken reports whether any row currently claims port.
func (r *Registry) PortTaken(port int) (bool, error) {
	taken := false
	err := r.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(portKey(port))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		taken = true
		return nil
	})
	return taken, err
}

// Update applies mutate to the row for id and commits it with a fresh
// updated_at. Identity fields (id, name, port, created_at) are immutable;
// changes to them by mutate are discarded.
func (r *Registry) Update(id string, mutate func(*domain.Instance)) (domain.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var updated domain.Instance
	err := r.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(instanceKey(id))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return domainerrors.NotFound{Kind: "instance", Ref: id}
			}
			return err
		}
		var inst domain.Instance
		if err := item.Value(func(v []byte) error {
			return json.Unmarshal(v, &inst)
		}); err != nil {
			return err
		}

		prev := inst
		mutate(&inst)
		inst.ID = prev.ID
		inst.Name = prev.Name
		inst.Port = prev.Port
		inst.CreatedAt = prev.CreatedAt
		inst.UpdatedAt = time.Now().UTC()

		data, err := json.Marshal(inst)
		if err != nil {
			return err
		}
		if err := txn.Set(instanceKey(inst.ID), data); err != nil {
			return err
		}
		updated = inst
		return nil
	})
	if err != nil {
		return domain.Instance{}, err
	}
	return updated, nil
}

// Delete removes the row and its uniqueness indexes.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(instanceKey(id))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return domainerrors.NotFound{Kind: "instance", Ref: id}
			}
			return err
		}
		var inst domain.Instance
		if err := item.Value(func(v []byte) error {
			return json.Unmarshal(v, &inst)
		}); err != nil {
			return err
		}

		if err := txn.Delete(instanceKey(id)); err != nil {
			return err
		}
		if err := txn.Delete(nameKey(inst.Name)); err != nil {
			return err
		}
		return txn.Delete(portKey(inst.Port))
	})
}
