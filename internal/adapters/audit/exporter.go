// Package audit archives the retest history of a lot to blob storage.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"go.uber.org/zap"

	"labqc/internal/blob"
	"labqc/pkg/domain"
)

const (
	historyPrefix = "retests/"
	contentType   = "application/json"
	// keyTimeLayout is fixed width so keys sort chronologically.
	keyTimeLayout = "20060102T150405.000000000Z"
)

// HistorySource reads the lot and all of its retest requests, closed ones included.
type HistorySource interface {
	GetLot(ctx context.Context, id int64) (domain.Lot, error)
	ListRetests(ctx context.Context, lotID int64) ([]domain.RetestRequest, error)
}

// History is the archived document.
type History struct {
	LotID           int64                  `json:"lot_id"`
	ReferenceNumber string                 `json:"reference_number"`
	ExportedAt      time.Time              `json:"exported_at"`
	Releasable      bool                   `json:"releasable"`
	Retests         []domain.RetestRequest `json:"retests"`
}

// Exporter writes History documents to a blob store.
type Exporter struct {
	source HistorySource
	store  blob.Store
	logger *zap.Logger
	now    func() time.Time
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithLogger sets the exporter logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Exporter) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock overrides the export timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Exporter) {
		if now != nil {
			e.now = now
		}
	}
}

// NewExporter constructs an exporter.
func NewExporter(source HistorySource, store blob.Store, opts ...Option) *Exporter {
	e := &Exporter{
		source: source,
		store:  store,
		logger: zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// LotPrefix returns the key prefix holding the exports of a lot.
func LotPrefix(lotID int64) string {
	return historyPrefix + "lot-" + strconv.FormatInt(lotID, 10) + "/"
}

// HistoryKey returns the key of an export taken at the given time.
func HistoryKey(lotID int64, at time.Time) string {
	return LotPrefix(lotID) + at.UTC().Format(keyTimeLayout) + ".json"
}

// ExportLot snapshots every retest request of the lot and stores it under
// retests/lot-<id>/<timestamp>.json. Earlier exports are kept.
func (e *Exporter) ExportLot(ctx context.Context, lotID int64) (blob.Info, error) {
	lot, err := e.source.GetLot(ctx, lotID)
	if err != nil {
		return blob.Info{}, err
	}
	retests, err := e.source.ListRetests(ctx, lotID)
	if err != nil {
		return blob.Info{}, err
	}
	if retests == nil {
		retests = []domain.RetestRequest{}
	}
	doc := History{
		LotID:           lot.ID,
		ReferenceNumber: lot.ReferenceNumber,
		ExportedAt:      e.now().UTC(),
		Releasable:      domain.CanRelease(retests, lotID),
		Retests:         retests,
	}
	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return blob.Info{}, fmt.Errorf("encode history: %w", err)
	}
	key := HistoryKey(lotID, doc.ExportedAt)
	info, err := e.store.Put(ctx, key, bytes.NewReader(payload), blob.PutOptions{
		ContentType: contentType,
		Metadata: map[string]string{
			"lot_id":       strconv.FormatInt(lotID, 10),
			"reference":    lot.ReferenceNumber,
			"retest_count": strconv.Itoa(len(retests)),
		},
	})
	if err != nil {
		e.logger.Error("retest history export failed", zap.Int64("lot_id", lotID), zap.String("key", key), zap.Error(err))
		return blob.Info{}, fmt.Errorf("store history %s: %w", key, err)
	}
	e.logger.Info("retest history exported",
		zap.Int64("lot_id", lotID),
		zap.String("key", info.Key),
		zap.Int("retests", len(retests)),
		zap.String("driver", string(e.store.Driver())),
	)
	return info, nil
}

// ListExports returns the stored exports of a lot, oldest first.
func (e *Exporter) ListExports(ctx context.Context, lotID int64) ([]blob.Info, error) {
	return e.store.List(ctx, LotPrefix(lotID))
}

// Load reads an export back.
func (e *Exporter) Load(ctx context.Context, key string) (History, error) {
	_, rc, err := e.store.Get(ctx, key)
	if err != nil {
		return History{}, err
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return History{}, err
	}
	var doc History
	if err := json.Unmarshal(b, &doc); err != nil {
		return History{}, fmt.Errorf("decode history %s: %w", key, err)
	}
	return doc, nil
}
