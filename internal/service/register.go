package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tdm-project/tdmq/internal/blockstore"
	"github.com/tdm-project/tdmq/internal/metrics"
	"github.com/tdm-project/tdmq/internal/source"
	"github.com/tdm-project/tdmq/internal/storage"
)

// RegisterRequest describes a new source. ExpectedSlots sizes the block
// array of shaped sources; zero picks a multi-year default.
type RegisterRequest struct {
	source.Registration
	ExpectedSlots int `json:"expected_slots,omitempty"`
}

// RegisterSource validates and stores a new source. Shaped sources also get
// a block array; if that allocation fails the source row is removed again.
func (s *Service) RegisterSource(ctx context.Context, caller Caller, req RegisterRequest) (*source.Source, error) {
	if !caller.Authorized {
		return nil, ErrUnauthorized
	}
	if req.ExpectedSlots < 0 {
		return nil, fmt.Errorf("%w: negative expected_slots", ErrValidation)
	}
	src, err := req.Build(s.taxonomy)
	if err != nil {
		return nil, err
	}

	if err := s.store.CreateSource(ctx, src); err != nil {
		if errors.Is(err, storage.ErrDuplicateSource) {
			return nil, fmt.Errorf("%w: source %q already registered", ErrDuplicateItem, src.ExternalID)
		}
		return nil, s.internal(ctx, "create source failed", err, "external_id", src.ExternalID)
	}

	if arr, ok := src.Variant().(source.ArraySource); ok {
		slots := req.ExpectedSlots
		if slots == 0 {
			slots = s.defaultSlots(src)
		}
		if err := s.blocks.Create(ctx, arr.ArrayName(), arr.Shape, slots, src.ControlledProperties()); err != nil {
			s.logger.ErrorContext(ctx, "block array allocation failed, rolling back source",
				"tdmq_id", src.ID, "shape", arr.Shape, "slots", slots, "error", err)
			if _, derr := s.store.DeleteSource(ctx, src.ID); derr != nil {
				s.logger.ErrorContext(ctx, "rollback of source failed", "tdmq_id", src.ID, "error", derr)
			}
			return nil, ErrInternal
		}
	}

	s.logger.InfoContext(ctx, "source registered",
		"tdmq_id", src.ID, "external_id", src.ExternalID, "public", src.Public)
	return src, nil
}

// defaultSlots covers DefaultArrayYears at the source's acquisition period.
func (s *Service) defaultSlots(src *source.Source) int {
	period := src.AcquisitionPeriod()
	if period <= 0 {
		period = defaultAcquisitionPeriod
	}
	span := time.Duration(s.opts.DefaultArrayYears) * 365 * 24 * time.Hour
	return max(1, int(span/period))
}

// DeleteSource removes a source, its records and its block array. Deleting
// an unknown id is a no-op.
func (s *Service) DeleteSource(ctx context.Context, caller Caller, id uuid.UUID) error {
	if !caller.Authorized {
		return ErrUnauthorized
	}
	src, err := s.store.GetSource(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrSourceNotFound) {
			return nil
		}
		return s.internal(ctx, "source lookup failed", err, "tdmq_id", id)
	}

	// Array before row: a failed array delete must leave the row for a retry.
	if src.HasShape() {
		if err := s.blocks.Delete(ctx, src.ArrayName()); err != nil {
			return s.internal(ctx, "delete block array failed", err, "tdmq_id", id)
		}
	}
	if _, err := s.store.DeleteSource(ctx, id); err != nil {
		return s.internal(ctx, "delete source failed", err, "tdmq_id", id)
	}
	s.logger.InfoContext(ctx, "source deleted", "tdmq_id", id)
	return nil
}

// IngestRequest is one observation. Scalar sources carry Data; array
// sources carry Slot and optionally the Payload to store there.
type IngestRequest struct {
	SourceID  uuid.UUID            `json:"tdmq_id"`
	Time      time.Time            `json:"time"`
	Footprint json.RawMessage      `json:"footprint,omitempty"`
	Data      json.RawMessage      `json:"data,omitempty"`
	Slot      *int                 `json:"slot,omitempty"`
	Payload   map[string][]float64 `json:"payload,omitempty"`
}

// Ingest appends one record.
func (s *Service) Ingest(ctx context.Context, caller Caller, req IngestRequest) error {
	return s.IngestBatch(ctx, caller, []IngestRequest{req})
}

// IngestBatch appends records in one store batch. Every request, block
// payloads included, is validated before anything is written; payloads are
// then uploaded and the records inserted last.
func (s *Service) IngestBatch(ctx context.Context, caller Caller, reqs []IngestRequest) error {
	if !caller.Authorized {
		return ErrUnauthorized
	}
	if len(reqs) == 0 {
		return nil
	}

	// per-batch lookup caches
	sources := make(map[uuid.UUID]*source.Source)
	metas := make(map[uuid.UUID]*blockstore.Meta)
	records := make([]source.Record, 0, len(reqs))
	var writes []blockWrite
	counts := map[string]int{}

	for i, req := range reqs {
		src, ok := sources[req.SourceID]
		if !ok {
			var err error
			if src, err = s.loadSource(ctx, req.SourceID); err != nil {
				return err
			}
			sources[req.SourceID] = src
		}

		rec, kind, err := s.buildRecord(ctx, src, req)
		if err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
		if req.Payload != nil {
			meta, ok := metas[src.ID]
			if !ok {
				if meta, err = s.blocks.Meta(ctx, src.ArrayName()); err != nil {
					return fmt.Errorf("record %d: %w", i, s.blockError(ctx, err, src.ID))
				}
				metas[src.ID] = meta
			}
			block := blockstore.Block{Data: req.Payload}
			if err := meta.Check(*req.Slot, block); err != nil {
				return fmt.Errorf("record %d: %w", i, s.blockError(ctx, err, src.ID))
			}
			writes = append(writes, blockWrite{source: src, slot: *req.Slot, block: block})
		}
		records = append(records, rec)
		counts[kind]++
	}

	for _, w := range writes {
		if err := s.blocks.WriteBlock(ctx, w.source.ArrayName(), w.slot, w.block); err != nil {
			return s.blockError(ctx, err, w.source.ID)
		}
	}
	if err := s.store.InsertRecords(ctx, records); err != nil {
		return s.internal(ctx, "insert records failed", err, "records", len(records), "blocks_written", len(writes))
	}
	for kind, n := range counts {
		metrics.AddRecordsIngested(kind, n)
	}
	return nil
}

type blockWrite struct {
	source *source.Source
	slot   int
	block  blockstore.Block
}

// buildRecord validates req against src and returns the record to insert.
// It writes nothing.
func (s *Service) buildRecord(ctx context.Context, src *source.Source, req IngestRequest) (source.Record, string, error) {
	if req.Time.IsZero() {
		return source.Record{}, "", fmt.Errorf("%w: missing time", ErrValidation)
	}
	rec := source.Record{Time: req.Time, SourceID: src.ID}
	if !src.Stationary && len(req.Footprint) > 0 {
		fp, err := source.ParseGeometry(req.Footprint)
		if err != nil {
			return source.Record{}, "", err
		}
		rec.Footprint = fp
	}

	switch v := src.Variant().(type) {
	case source.ScalarSource:
		if req.Slot != nil || req.Payload != nil {
			return source.Record{}, "", fmt.Errorf("%w: source %s is not array-valued", ErrValidation, src.ID)
		}
		if !isObject(req.Data) {
			return source.Record{}, "", fmt.Errorf("%w: data must be a JSON object", ErrValidation)
		}
		rec.Data = req.Data
		return rec, "scalar", nil

	case source.ArraySource:
		if req.Slot == nil {
			return source.Record{}, "", fmt.Errorf("%w: array source %s requires a slot", ErrValidation, src.ID)
		}
		ref, err := source.NewBlockRecord(v, req.Time, rec.Footprint, *req.Slot)
		if err != nil {
			return source.Record{}, "", s.internal(ctx, "encode block reference failed", err, "tdmq_id", src.ID)
		}
		return ref, "array", nil
	}
	return source.Record{}, "", ErrInternal
}

// ReadBlock returns the payload stored at slot for an array source.
func (s *Service) ReadBlock(ctx context.Context, caller Caller, id uuid.UUID, slot int) (*blockstore.Block, error) {
	src, err := s.loadSource(ctx, id)
	if err != nil {
		return nil, err
	}
	if !src.HasShape() {
		return nil, fmt.Errorf("%w: source %s is not array-valued", ErrValidation, id)
	}
	b, err := s.blocks.ReadBlock(ctx, src.ArrayName(), slot)
	if err != nil {
		return nil, s.blockError(ctx, err, id)
	}
	return b, nil
}

func (s *Service) blockError(ctx context.Context, err error, id uuid.UUID) error {
	switch {
	case errors.Is(err, blockstore.ErrSlotOutOfRange), errors.Is(err, blockstore.ErrShapeMismatch):
		return fmt.Errorf("%w: %v", ErrValidation, err)
	case errors.Is(err, blockstore.ErrSlotEmpty), errors.Is(err, blockstore.ErrArrayNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return s.internal(ctx, "block storage failed", err, "tdmq_id", id)
}

func isObject(data json.RawMessage) bool {
	var m map[string]json.RawMessage
	return len(data) > 0 && json.Unmarshal(data, &m) == nil && m != nil
}
