package loader

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/Log-of-e/rewriter/internal/types"
	"github.com/Log-of-e/rewriter/pkg/ir"
	"github.com/Log-of-e/rewriter/pkg/irstore"
)

// prefixProgram keys cached decoded programs by binary digest.
var prefixProgram = []byte{0x01}

// CacheConfig configures the decode cache.
type CacheConfig struct {
	// Path is the cache database directory.
	Path string

	// InMemory runs the cache in memory (for testing).
	InMemory bool
}

// DefaultCacheConfig returns the default cache configuration.
func DefaultCacheConfig(path string) CacheConfig {
	return CacheConfig{Path: path}
}

// Cache stores decoded IR keyed by the digest of the source binary, so
// repeated runs over the same image skip disassembly.
type Cache struct {
	db *badger.DB
}

// OpenCache opens or creates the decode cache.
func OpenCache(cfg CacheConfig) (*Cache, error) {
	opts := badger.DefaultOptions(cfg.Path).WithLogger(nil)
	if cfg.InMemory {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open decode cache: %w", err)
	}
	return &Cache{db: db}, nil
}

// Close closes the cache database.
func (c *Cache) Close() error {
	return c.db.Close()
}

func programKey(d types.Digest) []byte {
	key := make([]byte, 1+types.DigestSize)
	key[0] = prefixProgram[0]
	copy(key[1:], d[:])
	return key
}

// Get returns the cached program for a binary digest, if present.
func (c *Cache) Get(d types.Digest) (*ir.Program, bool, error) {
	var prog *ir.Program
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(programKey(d))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			p, err := irstore.DecodeProgram(val)
			if err != nil {
				return err
			}
			prog = p
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("decode cache get %s: %w", d.Short(), err)
	}
	return prog, true, nil
}

// Put stores a decoded program under its binary digest.
func (c *Cache) Put(d types.Digest, p *ir.Program) error {
	data, err := irstore.EncodeProgram(p)
	if err != nil {
		return err
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(programKey(d), data)
	})
	if err != nil {
		return fmt.Errorf("decode cache put %s: %w", d.Short(), err)
	}
	return nil
}

// LoadFileCached is LoadFile through the decode cache: a hit skips
// disassembly, a miss decodes and populates the cache. A nil cache falls
// back to plain loading.
func LoadFileCached(path string, c *Cache) (*ir.Program, types.Digest, error) {
	if c == nil {
		return LoadFile(path)
	}

	data, err := readImage(path)
	if err != nil {
		return nil, types.Digest{}, err
	}
	digest := types.DigestOf(data)

	if prog, ok, err := c.Get(digest); err != nil {
		return nil, digest, err
	} else if ok {
		return prog, digest, nil
	}

	prog, err := FromELF(bytes.NewReader(data))
	if err != nil {
		return nil, digest, fmt.Errorf("load %s: %w", path, err)
	}
	if err := c.Put(digest, prog); err != nil {
		return nil, digest, err
	}
	return prog, digest, nil
}
