// Package payloadstore is the Redis tier behind the geometry cache. Payloads
// are msgpack encoded and zstd compressed; every key is also recorded in a
// per-layer set so a layer can be invalidated without scanning.
package payloadstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/mohammed-shakir/spatial-filter-engine/internal/cache/keys"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/cache/redisstore"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/model"
)

type PayloadStore interface {
	Get(ctx context.Context, fp model.Fingerprint) (model.GeometryPayload, bool, error)
	Put(ctx context.Context, p model.GeometryPayload, ttl time.Duration) error
	// InvalidateLayer drops one layer's payloads, or everything when layerID is empty.
	InvalidateLayer(ctx context.Context, layerID string) (int, error)
}

type record struct {
	WKB          []byte          `msgpack:"w"`
	Dialect      int             `msgpack:"d"`
	CRSAuth      string          `msgpack:"ca"`
	CRSCode      int             `msgpack:"cc"`
	LayerID      string          `msgpack:"l"`
	FeatureIDs   []string        `msgpack:"ids"`
	AllFeatures  bool            `msgpack:"all"`
	Buffer       float64         `msgpack:"b"`
	Centroids    bool            `msgpack:"c"`
	ServerRepair bool            `msgpack:"r"`
	Excluded     []string        `msgpack:"x,omitempty"`
	Warnings     []warningRecord `msgpack:"wn,omitempty"`
	Sum          uint64          `msgpack:"f"`
}

type warningRecord struct {
	Kind    string `msgpack:"k"`
	LayerID string `msgpack:"l,omitempty"`
	Message string `msgpack:"m"`
}

type redisPayloadStore struct {
	cli        *redisstore.Client
	defaultTTL time.Duration
	enc        *zstd.Encoder
	dec        *zstd.Decoder
}

func NewRedisStore(cli *redisstore.Client, defaultTTL time.Duration) (PayloadStore, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &redisPayloadStore{cli: cli, defaultTTL: defaultTTL, enc: enc, dec: dec}, nil
}

func (s *redisPayloadStore) Get(ctx context.Context, fp model.Fingerprint) (model.GeometryPayload, bool, error) {
	body, ok, err := s.cli.Get(ctx, fp.Text)
	if err != nil {
		return model.GeometryPayload{}, false, fmt.Errorf("payloadstore get %s: %w", fp, err)
	}
	if !ok {
		return model.GeometryPayload{}, false, nil
	}
	p, err := s.decode(body)
	if err != nil {
		return model.GeometryPayload{}, false, err
	}
	if p.Fingerprint.Sum != fp.Sum {
		// key text collided with a different canonical input
		return model.GeometryPayload{}, false, nil
	}
	p.Fingerprint = fp
	return p, true, nil
}

func (s *redisPayloadStore) Put(ctx context.Context, p model.GeometryPayload, ttl time.Duration) error {
	if p.Fingerprint.Text == "" {
		return errors.New("payloadstore put: payload has no fingerprint")
	}
	t := ttl
	if t <= 0 {
		t = s.defaultTTL
	}
	body, err := s.encode(p)
	if err != nil {
		return err
	}
	if err := s.cli.PutIndexed(ctx, p.Fingerprint.Text, body, t, keys.LayerIndex(p.Provenance.LayerID)); err != nil {
		return fmt.Errorf("payloadstore put %s: %w", p.Fingerprint, err)
	}
	return nil
}

func (s *redisPayloadStore) InvalidateLayer(ctx context.Context, layerID string) (int, error) {
	var (
		n   int
		err error
	)
	if layerID == "" {
		n, err = s.cli.Purge(ctx, "geom*")
	} else {
		n, err = s.cli.PurgeIndex(ctx, keys.LayerIndex(layerID))
	}
	if err != nil {
		return n, fmt.Errorf("payloadstore invalidate %q: %w", layerID, err)
	}
	return n, nil
}

func (s *redisPayloadStore) encode(p model.GeometryPayload) ([]byte, error) {
	rec := record{
		WKB:          p.WKB,
		Dialect:      int(p.Dialect),
		CRSAuth:      p.CRS.Authority,
		CRSCode:      p.CRS.Code,
		LayerID:      p.Provenance.LayerID,
		FeatureIDs:   p.Provenance.FeatureIDs,
		AllFeatures:  p.Provenance.FeatureIDs == nil,
		Buffer:       p.Provenance.Buffer,
		Centroids:    p.Provenance.Centroids,
		ServerRepair: p.ServerRepair,
		Excluded:     p.Excluded,
		Sum:          p.Fingerprint.Sum,
	}
	for _, w := range p.Warnings {
		rec.Warnings = append(rec.Warnings, warningRecord{Kind: string(w.Kind), LayerID: w.LayerID, Message: w.Message})
	}
	b, err := msgpack.Marshal(&rec)
	if err != nil {
		return nil, fmt.Errorf("payloadstore encode: %w", err)
	}
	return s.enc.EncodeAll(b, make([]byte, 0, len(b)/2)), nil
}

func (s *redisPayloadStore) decode(body []byte) (model.GeometryPayload, error) {
	b, err := s.dec.DecodeAll(body, nil)
	if err != nil {
		return model.GeometryPayload{}, fmt.Errorf("payloadstore decompress: %w", err)
	}
	var rec record
	if err := msgpack.Unmarshal(b, &rec); err != nil {
		return model.GeometryPayload{}, fmt.Errorf("payloadstore decode: %w", err)
	}
	ids := rec.FeatureIDs
	if rec.AllFeatures {
		ids = nil
	} else if ids == nil {
		ids = []string{}
	}
	crs := model.CRS{Authority: rec.CRSAuth, Code: rec.CRSCode}
	var warns []model.Warning
	for _, w := range rec.Warnings {
		warns = append(warns, model.Warning{Kind: model.WarningKind(w.Kind), LayerID: w.LayerID, Message: w.Message})
	}
	return model.GeometryPayload{
		WKB:     rec.WKB,
		Dialect: model.Dialect(rec.Dialect),
		CRS:     crs,
		Provenance: model.Provenance{
			LayerID:    rec.LayerID,
			FeatureIDs: ids,
			Buffer:     rec.Buffer,
			Centroids:  rec.Centroids,
			CRS:        crs,
		},
		Fingerprint:  model.Fingerprint{LayerID: rec.LayerID, Sum: rec.Sum},
		ServerRepair: rec.ServerRepair,
		Excluded:     rec.Excluded,
		Warnings:     warns,
	}, nil
}
