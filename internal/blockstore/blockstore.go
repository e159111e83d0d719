// Package blockstore keeps the array payloads of shaped sources in an
// object storage bucket. An array is a directory holding a metadata object
// and one object per written slot.
package blockstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"slices"
	"strconv"

	"github.com/hashicorp/go-msgpack/codec"
	"github.com/thanos-io/objstore"

	"github.com/tdm-project/tdmq/internal/metrics"
)

var (
	ErrArrayNotFound  = errors.New("array not found")
	ErrArrayExists    = errors.New("array already exists")
	ErrSlotOutOfRange = errors.New("slot out of range")
	ErrSlotEmpty      = errors.New("slot not written")
	ErrShapeMismatch  = errors.New("payload does not match array shape")
)

const metaObject = "meta"

// Meta describes an allocated array.
type Meta struct {
	Shape      []int    `codec:"shape"`
	Slots      int      `codec:"slots"`
	Properties []string `codec:"properties"`
}

// Size is the number of elements of one property in one slot.
func (m *Meta) Size() int {
	n := 1
	for _, d := range m.Shape {
		n *= d
	}
	return n
}

// Check reports whether b may be stored at slot: the slot must be allocated
// and every property must hold exactly one element of the array shape.
func (m *Meta) Check(slot int, b Block) error {
	if slot < 0 || slot >= m.Slots {
		return ErrSlotOutOfRange
	}
	for prop, vals := range b.Data {
		if len(m.Properties) > 0 && !slices.Contains(m.Properties, prop) {
			return fmt.Errorf("%w: unknown property %q", ErrShapeMismatch, prop)
		}
		if len(vals) != m.Size() {
			return fmt.Errorf("%w: %s has %d elements, want %d", ErrShapeMismatch, prop, len(vals), m.Size())
		}
	}
	return nil
}

// Block is the payload of one slot: a flat, row-major array per property.
type Block struct {
	Data map[string][]float64 `codec:"data"`
}

// Store reads and writes arrays in a bucket.
type Store struct {
	bucket objstore.Bucket
	logger *slog.Logger
}

// New creates a Store over bucket.
func New(bucket objstore.Bucket, logger *slog.Logger) *Store {
	return &Store{bucket: bucket, logger: logger}
}

func metaName(array string) string { return path.Join(array, metaObject) }

func slotName(array string, slot int) string {
	return path.Join(array, "block-"+strconv.Itoa(slot))
}

// Create allocates an array of slots slots, each holding one element of
// shape per property.
func (s *Store) Create(ctx context.Context, array string, shape []int, slots int, properties []string) error {
	if len(shape) == 0 || slots <= 0 {
		return fmt.Errorf("create array %s: %w: shape %v, slots %d", array, ErrShapeMismatch, shape, slots)
	}
	for _, d := range shape {
		if d <= 0 {
			return fmt.Errorf("create array %s: %w: shape %v", array, ErrShapeMismatch, shape)
		}
	}
	exists, err := s.bucket.Exists(ctx, metaName(array))
	if err != nil {
		return fmt.Errorf("create array %s: %w", array, err)
	}
	if exists {
		return fmt.Errorf("create array %s: %w", array, ErrArrayExists)
	}

	meta := Meta{Shape: slices.Clone(shape), Slots: slots, Properties: slices.Clone(properties)}
	if err := s.put(ctx, metaName(array), &meta); err != nil {
		return fmt.Errorf("create array %s: %w", array, err)
	}
	s.logger.Debug("array created", "array", array, "shape", shape, "slots", slots)
	return nil
}

// Meta returns the metadata of array.
func (s *Store) Meta(ctx context.Context, array string) (*Meta, error) {
	var meta Meta
	if err := s.get(ctx, metaName(array), &meta); err != nil {
		if s.bucket.IsObjNotFoundErr(err) {
			return nil, ErrArrayNotFound
		}
		return nil, fmt.Errorf("read array %s meta: %w", array, err)
	}
	return &meta, nil
}

// WriteBlock stores b at slot after checking it against the array Meta.
func (s *Store) WriteBlock(ctx context.Context, array string, slot int, b Block) error {
	meta, err := s.Meta(ctx, array)
	if err != nil {
		return err
	}
	if err := meta.Check(slot, b); err != nil {
		return fmt.Errorf("write %s[%d]: %w", array, slot, err)
	}
	if err := s.put(ctx, slotName(array, slot), &b); err != nil {
		return fmt.Errorf("write %s[%d]: %w", array, slot, err)
	}
	return nil
}

// ReadBlock returns the payload stored at slot.
func (s *Store) ReadBlock(ctx context.Context, array string, slot int) (*Block, error) {
	meta, err := s.Meta(ctx, array)
	if err != nil {
		return nil, err
	}
	if slot < 0 || slot >= meta.Slots {
		return nil, fmt.Errorf("read %s[%d]: %w", array, slot, ErrSlotOutOfRange)
	}
	var b Block
	if err := s.get(ctx, slotName(array, slot), &b); err != nil {
		if s.bucket.IsObjNotFoundErr(err) {
			return nil, fmt.Errorf("read %s[%d]: %w", array, slot, ErrSlotEmpty)
		}
		return nil, fmt.Errorf("read %s[%d]: %w", array, slot, err)
	}
	return &b, nil
}

// Delete removes array and every slot. Deleting a missing array is a no-op.
func (s *Store) Delete(ctx context.Context, array string) error {
	var names []string
	err := s.bucket.Iter(ctx, array+objstore.DirDelim, func(name string) error {
		names = append(names, name)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete array %s: %w", array, err)
	}
	for _, name := range names {
		if err := s.bucket.Delete(ctx, name); err != nil && !s.bucket.IsObjNotFoundErr(err) {
			return fmt.Errorf("delete array %s: %w", array, err)
		}
	}
	if len(names) > 0 {
		s.logger.Debug("array deleted", "array", array, "objects", len(names))
	}
	return nil
}

// Ping checks that the bucket answers.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.bucket.Exists(ctx, metaObject)
	return err
}

func (s *Store) put(ctx context.Context, name string, v any) error {
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, &codec.MsgpackHandle{}).Encode(v); err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	metrics.AddBlockBytes("write", buf.Len())
	return s.bucket.Upload(ctx, name, &buf)
}

func (s *Store) get(ctx context.Context, name string, v any) error {
	r, err := s.bucket.Get(ctx, name)
	if err != nil {
		return err
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	metrics.AddBlockBytes("read", len(data))
	if err := codec.NewDecoderBytes(data, &codec.MsgpackHandle{}).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}
