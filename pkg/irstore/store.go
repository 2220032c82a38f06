// Package irstore persists a rewriter IR to a BoltDB database.
//
// One database holds one program image: the serialized IR under a fixed
// key, plus metadata (format version, source binary digest) for
// auditing. Values are gob-encoded and zstd-compressed. Failures here
// are host errors in the transform's taxonomy: the driver logs them with
// the subject file and reports a failure status; they are never retried.
package irstore

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	bolt "go.etcd.io/bbolt"

	"github.com/Log-of-e/rewriter/internal/types"
	"github.com/Log-of-e/rewriter/pkg/ir"
)

// Current serialization format version.
const formatVersion = 1

var (
	// ErrNoProgram is returned when the database holds no program.
	ErrNoProgram = errors.New("no program in store")

	// ErrBadVersion is returned for an unsupported format version.
	ErrBadVersion = errors.New("unsupported store format version")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("store closed")
)

// Bucket names.
var (
	// bucketProgram holds the serialized IR.
	bucketProgram = []byte("program")

	// bucketMeta holds store metadata.
	bucketMeta = []byte("meta")
)

// Keys.
var (
	keyIR      = []byte("ir")
	keyVersion = []byte("version")
	keySource  = []byte("source_digest")
)

// Store is a BoltDB-backed program database.
type Store struct {
	db *bolt.DB

	mu     sync.Mutex
	closed bool
}

// Open opens or creates a store at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketProgram, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init store %s: %w", path, err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	return s.db.Close()
}

// SaveProgram serializes the program and records the source digest.
func (s *Store) SaveProgram(p *ir.Program, source types.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	data, err := EncodeProgram(p)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketProgram).Put(keyIR, data); err != nil {
			return fmt.Errorf("put program: %w", err)
		}
		meta := tx.Bucket(bucketMeta)
		ver := make([]byte, 8)
		binary.LittleEndian.PutUint64(ver, formatVersion)
		if err := meta.Put(keyVersion, ver); err != nil {
			return fmt.Errorf("put version: %w", err)
		}
		if err := meta.Put(keySource, source[:]); err != nil {
			return fmt.Errorf("put source digest: %w", err)
		}
		return nil
	})
}

// LoadProgram deserializes the stored program and its source digest.
func (s *Store) LoadProgram() (*ir.Program, types.Digest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var source types.Digest
	if s.closed {
		return nil, source, ErrClosed
	}

	var prog *ir.Program
	err := s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		ver := meta.Get(keyVersion)
		if ver == nil {
			return ErrNoProgram
		}
		if v := binary.LittleEndian.Uint64(ver); v != formatVersion {
			return fmt.Errorf("%w: %d", ErrBadVersion, v)
		}
		if src := meta.Get(keySource); len(src) == types.DigestSize {
			copy(source[:], src)
		}

		data := tx.Bucket(bucketProgram).Get(keyIR)
		if data == nil {
			return ErrNoProgram
		}
		p, err := DecodeProgram(data)
		if err != nil {
			return err
		}
		prog = p
		return nil
	})
	if err != nil {
		return nil, source, err
	}
	return prog, source, nil
}

// EncodeProgram renders a program as compressed bytes. Shared with the
// loader's decode cache so cached entries and store values use one
// format.
func EncodeProgram(p *ir.Program) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(p); err != nil {
		return nil, fmt.Errorf("encode program: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd writer: %w", err)
	}
	defer enc.Close()

	return enc.EncodeAll(buf.Bytes(), nil), nil
}

// DecodeProgram reverses EncodeProgram.
func DecodeProgram(data []byte) (*ir.Program, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer dec.Close()

	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress program: %w", err)
	}

	var p ir.Program
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&p); err != nil {
		return nil, fmt.Errorf("decode program: %w", err)
	}
	if p.Live == nil {
		p.Live = make(map[ir.UnwindID]bool)
	}
	return &p, nil
}
