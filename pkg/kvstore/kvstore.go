// Package kvstore is a small Badger-backed KV wrapper used for engine state that should survive restarts
// (fill cursor, processed fill ids within the retention window).
package kvstore

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	pkgerrors "github.com/pkg/errors"
)

// ErrNotFound key does not exist (or has expired).
var ErrNotFound = errors.New("kvstore: key not found")

// Store wraps a Badger DB.
type Store struct {
	db *badger.DB
}

type OpenOptions struct {
	Path          string
	EncryptionKey []byte // 32 bytes; nil opens without encryption
	InMemory      bool   // tests / dry-run without a state dir
	ReadOnly      bool
}

func Open(opts OpenOptions) (*Store, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" && !opts.InMemory {
		return nil, errors.New("kvstore: path is required")
	}
	if opts.InMemory {
		path = ""
	}
	bopts := badger.DefaultOptions(path).
		WithLogger(nil).
		WithInMemory(opts.InMemory).
		WithReadOnly(opts.ReadOnly)
	if len(opts.EncryptionKey) > 0 {
		// Badger requires index cache for encrypted workloads
		bopts = bopts.
			WithEncryptionKey(opts.EncryptionKey).
			WithIndexCacheSize(100 << 20)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "kvstore: open %q", path)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func normKey(key string) ([]byte, error) {
	k := []byte(strings.TrimSpace(key))
	if len(k) == 0 {
		return nil, errors.New("kvstore: key is empty")
	}
	return k, nil
}

// Get returns ErrNotFound for missing keys.
func (s *Store) Get(key string) ([]byte, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("kvstore: not opened")
	}
	k, err := normKey(key)
	if err != nil {
		return nil, err
	}
	var out []byte
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return out, err
}

func (s *Store) GetString(key string) (string, bool, error) {
	v, err := s.Get(key)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(v), true, nil
}

// Set writes key; ttl <= 0 means no expiry.
func (s *Store) Set(key string, val []byte, ttl time.Duration) error {
	if s == nil || s.db == nil {
		return errors.New("kvstore: not opened")
	}
	k, err := normKey(key)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(entry(k, val, ttl))
	})
}

func (s *Store) SetString(key, val string) error {
	return s.Set(key, []byte(val), 0)
}

// SetIfAbsent writes key only when it is missing; returns whether it wrote.
func (s *Store) SetIfAbsent(key string, val []byte, ttl time.Duration) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("kvstore: not opened")
	}
	k, err := normKey(key)
	if err != nil {
		return false, err
	}
	written := false
	err = s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(k)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		written = true
		return txn.SetEntry(entry(k, val, ttl))
	})
	if err != nil {
		return false, err
	}
	return written, nil
}

func (s *Store) Delete(key string) error {
	if s == nil || s.db == nil {
		return errors.New("kvstore: not opened")
	}
	k, err := normKey(key)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error { return txn.Delete(k) })
}

// CountPrefix counts live keys under prefix.
func (s *Store) CountPrefix(prefix string) (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func entry(k, v []byte, ttl time.Duration) *badger.Entry {
	e := badger.NewEntry(k, v)
	if ttl > 0 {
		e = e.WithTTL(ttl)
	}
	return e
}

// ParseKey expects 32 bytes (base64 or hex). Returns nil if input is empty.
func ParseKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	rawHex := strings.TrimPrefix(raw, "0x")
	if b, err := hex.DecodeString(rawHex); err == nil {
		if len(b) != 32 {
			return nil, fmt.Errorf("decoded key length must be 32, got %d", len(b))
		}
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(raw); err == nil {
		if len(b) != 32 {
			return nil, fmt.Errorf("decoded key length must be 32, got %d", len(b))
		}
		return b, nil
	}
	return nil, errors.New("key must be base64(32 bytes) or hex(32 bytes)")
}
