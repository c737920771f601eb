// Package store persists route table contacts between runs so that a node
// can bootstrap from peers it knew before instead of waiting for discovery.
package store

import (
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/opd-ai/limedht/dht"
	"github.com/opd-ai/limedht/routing"
)

// ErrClosed is returned by a closed store.
var ErrClosed = errors.New("contact store closed")

const keyPrefix = "contacts/"

// Config holds store parameters.
type Config struct {
	// Path is the database directory. An empty path keeps the data in
	// memory.
	Path string `yaml:"path"`
	// MaxContacts caps the contacts saved per mode.
	MaxContacts int `yaml:"max_contacts"`
	// SyncWrites fsyncs every write.
	SyncWrites bool `yaml:"sync_writes"`
}

// DefaultConfig returns an in-memory store keeping 40 contacts per mode.
func DefaultConfig() Config {
	return Config{MaxContacts: 40}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxContacts <= 0 {
		return errors.New("store: max_contacts must be positive")
	}
	return nil
}

// record is the stored form of a contact.
type record struct {
	ID         []byte    `msgpack:"id"`
	Addr       string    `msgpack:"addr"`
	Vendor     string    `msgpack:"vendor,omitempty"`
	Version    uint16    `msgpack:"version,omitempty"`
	Firewalled bool      `msgpack:"firewalled,omitempty"`
	Timestamp  time.Time `msgpack:"ts"`
}

func toRecord(c *routing.Contact) record {
	return record{
		ID:         c.ID.Bytes(),
		Addr:       c.Addr.String(),
		Vendor:     c.Vendor,
		Version:    c.Version,
		Firewalled: c.Firewalled,
		Timestamp:  c.Timestamp,
	}
}

func (r record) contact() (*routing.Contact, error) {
	id, err := routing.KUIDFromBytes(r.ID)
	if err != nil {
		return nil, err
	}
	addr, err := netip.ParseAddrPort(r.Addr)
	if err != nil {
		return nil, err
	}
	c := routing.NewContact(id, addr, r.Timestamp)
	c.Vendor = r.Vendor
	c.Version = r.Version
	c.Firewalled = r.Firewalled
	return c, nil
}

// ContactStore is a badger backed contact store keyed by mode.
type ContactStore struct {
	db     *badger.DB
	max    int
	closed atomic.Bool
}

// Open opens or creates the store.
func Open(cfg Config) (*ContactStore, error) {
	if cfg.MaxContacts <= 0 {
		cfg.MaxContacts = DefaultConfig().MaxContacts
	}
	opts := badger.DefaultOptions(cfg.Path).
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(logrus.WithField("component", "badger"))
	if cfg.Path == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open contact store: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "Open",
		"path":     cfg.Path,
		"memory":   cfg.Path == "",
	}).Debug("Opened contact store")
	return &ContactStore{db: db, max: cfg.MaxContacts}, nil
}

func modePrefix(mode dht.Mode) []byte {
	return []byte(keyPrefix + mode.String() + "/")
}

func contactKey(mode dht.Mode, id routing.KUID) []byte {
	return append(modePrefix(mode), id.String()...)
}

// Save replaces the contacts stored for mode with the most recently seen
// of contacts. Priority contacts are transient and never stored.
func (s *ContactStore) Save(mode dht.Mode, contacts []*routing.Contact) error {
	if s.closed.Load() {
		return ErrClosed
	}

	keep := make([]*routing.Contact, 0, len(contacts))
	for _, c := range contacts {
		if c != nil && !c.HasPriority() && c.IsAlive() {
			keep = append(keep, c)
		}
	}
	slices.SortStableFunc(keep, func(a, b *routing.Contact) int {
		return b.Timestamp.Compare(a.Timestamp)
	})
	if len(keep) > s.max {
		keep = keep[:s.max]
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		if err := deletePrefix(txn, modePrefix(mode)); err != nil {
			return err
		}
		for _, c := range keep {
			val, err := msgpack.Marshal(toRecord(c))
			if err != nil {
				return fmt.Errorf("encode contact %s: %w", c.ID.ShortString(), err)
			}
			if err := txn.Set(contactKey(mode, c.ID), val); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save %s contacts: %w", mode, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Save",
		"mode":     mode.String(),
		"count":    len(keep),
	}).Debug("Saved contacts")
	return nil
}

func deletePrefix(txn *badger.Txn, prefix []byte) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	var keys [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()

	for _, k := range keys {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// Load returns the contacts stored for mode, most recently seen first.
// Undecodable entries are skipped.
func (s *ContactStore) Load(mode dht.Mode) ([]*routing.Contact, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	var contacts []*routing.Contact
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = modePrefix(mode)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				var r record
				if err := msgpack.Unmarshal(val, &r); err != nil {
					return err
				}
				c, err := r.contact()
				if err != nil {
					return err
				}
				contacts = append(contacts, c)
				return nil
			})
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Load",
					"key":      string(item.Key()),
					"error":    err.Error(),
				}).Warn("Skipping corrupt contact record")
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load %s contacts: %w", mode, err)
	}

	slices.SortStableFunc(contacts, func(a, b *routing.Contact) int {
		return b.Timestamp.Compare(a.Timestamp)
	})
	return contacts, nil
}

// Close closes the database.
func (s *ContactStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}
