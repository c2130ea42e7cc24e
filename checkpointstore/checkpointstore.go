// Package checkpointstore implements the Checkpoint Store (C5): immutable,
// append-only persistence of EnvironmentState snapshots, grounded on the
// teacher's content-addressed append-only blob stores (libvuln's update
// operation log writes one immutable record per update and never rewrites
// one in place).
package checkpointstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/quay/pyenvd"
	"github.com/quay/pyenvd/errs"
)

// compressThreshold is the minimum encoded size before a checkpoint record
// is zstd-compressed; below it the framing overhead isn't worth paying.
const compressThreshold = 4096

// Store persists Checkpoint values as one immutable file per id.
type Store struct {
	dir string
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// New constructs a Store rooted at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	const op = "checkpointstore.new"
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.Wrap(errs.IO, op, err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, op, err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, op, err)
	}
	return &Store{dir: dir, enc: enc, dec: dec}, nil
}

// Close releases the store's compressor/decompressor goroutines.
func (s *Store) Close() error {
	s.enc.Close()
	s.dec.Close()
	return nil
}

const (
	magicPlain      = 'P'
	magicCompressed = 'Z'
)

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".checkpoint")
}

// Create writes an immutable record for cp. It's an error to Create with an
// id that already exists, preserving the "immutable, append-only" property.
func (s *Store) Create(ctx context.Context, cp pyenvd.Checkpoint) error {
	const op = "checkpointstore.create"
	target := s.path(cp.ID)
	if _, err := os.Stat(target); err == nil {
		return errs.New(errs.AlreadyExists, op, "checkpoint already exists").WithContext("id", cp.ID)
	}

	body, err := json.Marshal(cp)
	if err != nil {
		return errs.Wrap(errs.Internal, op, err)
	}

	var out bytes.Buffer
	if len(body) >= compressThreshold {
		out.WriteByte(magicCompressed)
		out.Write(s.enc.EncodeAll(body, nil))
	} else {
		out.WriteByte(magicPlain)
		out.Write(body)
	}

	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, out.Bytes(), 0o644); err != nil {
		return errs.Wrap(errs.IO, op, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return errs.Wrap(errs.IO, op, err)
	}
	return nil
}

// Get reads back a single checkpoint by id.
func (s *Store) Get(ctx context.Context, id string) (pyenvd.Checkpoint, error) {
	const op = "checkpointstore.get"
	b, err := os.ReadFile(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return pyenvd.Checkpoint{}, errs.New(errs.NotFound, op, "no such checkpoint").WithContext("id", id)
	}
	if err != nil {
		return pyenvd.Checkpoint{}, errs.Wrap(errs.IO, op, err)
	}
	return s.decode(op, id, b)
}

func (s *Store) decode(op, id string, b []byte) (pyenvd.Checkpoint, error) {
	if len(b) == 0 {
		return pyenvd.Checkpoint{}, errs.New(errs.Corruption, op, "empty checkpoint file").WithContext("id", id)
	}
	magic, body := b[0], b[1:]
	switch magic {
	case magicCompressed:
		raw, err := s.dec.DecodeAll(body, nil)
		if err != nil {
			return pyenvd.Checkpoint{}, errs.Wrap(errs.Corruption, op, err).WithContext("id", id)
		}
		body = raw
	case magicPlain:
	default:
		return pyenvd.Checkpoint{}, errs.New(errs.Corruption, op, "unrecognized checkpoint framing").WithContext("id", id)
	}
	var cp pyenvd.Checkpoint
	if err := json.Unmarshal(body, &cp); err != nil {
		return pyenvd.Checkpoint{}, errs.Wrap(errs.Corruption, op, err).WithContext("id", id)
	}
	return cp, nil
}

// List returns every checkpoint, newest first. Each one is read and
// decoded in full, state snapshot included.
func (s *Store) List(ctx context.Context) ([]pyenvd.Checkpoint, error) {
	const op = "checkpointstore.list"
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errs.Wrap(errs.IO, op, err)
	}
	var out []pyenvd.Checkpoint
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".checkpoint" {
			continue
		}
		id := e.Name()[:len(e.Name())-len(".checkpoint")]
		cp, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// GC removes checkpoints older than maxAge, never removing the single most
// recent checkpoint even if it's older than maxAge (there must always be
// something to restore to).
func (s *Store) GC(ctx context.Context, now time.Time, maxAge time.Duration) (int, error) {
	const op = "checkpointstore.gc"
	all, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	if len(all) <= 1 {
		return 0, nil
	}
	var removed int
	for _, cp := range all[1:] { // all[0] is newest (List sorts descending)
		if now.Sub(cp.CreatedAt) <= maxAge {
			continue
		}
		if err := os.Remove(s.path(cp.ID)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, errs.Wrap(errs.IO, op, err)
		}
		removed++
	}
	return removed, nil
}

var _ io.Closer = (*Store)(nil)
