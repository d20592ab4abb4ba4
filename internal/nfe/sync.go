package nfe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-recon/internal/procurement"
	"github.com/odyssey-erp/odyssey-recon/internal/shared"
)

// DefaultLockTTL bounds how long a crashed run keeps a company locked.
const DefaultLockTTL = 30 * time.Minute

// Fetcher downloads raw invoice documents for one destination company.
type Fetcher interface {
	Fetch(ctx context.Context, q Query) ([][]byte, error)
}

// Store persists invoices.
type Store interface {
	Exists(ctx context.Context, accessKey string) (bool, error)
	Save(ctx context.Context, inv Invoice) (int64, error)
}

// Locker serializes runs per destination company.
type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (*shared.Lock, bool, error)
}

// SyncRequest describes one synchronization window.
type SyncRequest struct {
	From  time.Time `validate:"required"`
	To    time.Time `validate:"required,gtefield=From"`
	CNPJs []string  `validate:"required,min=1,dive,len=14,numeric"`
}

// SyncSummary counts what a run did.
type SyncSummary struct {
	Companies int `json:"companies"`
	Fetched   int `json:"fetched"`
	Stored    int `json:"stored"`
	Skipped   int `json:"skipped"`
	Malformed int `json:"malformed"`
	Failed    int `json:"failed"`
	Busy      int `json:"busy"`
}

// Synchronizer pulls invoices from the fiscal API into the local store.
type Synchronizer struct {
	fetcher  Fetcher
	store    Store
	locker   Locker
	lockTTL  time.Duration
	logger   *slog.Logger
	validate *validator.Validate
}

// NewSynchronizer wires a Synchronizer.
func NewSynchronizer(fetcher Fetcher, store Store, logger *slog.Logger) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		fetcher:  fetcher,
		store:    store,
		logger:   logger.With(slog.String("component", "nfe.sync")),
		lockTTL:  DefaultLockTTL,
		validate: validator.New(),
	}
}

// WithLocker makes the synchronizer skip companies another run is serving.
func (s *Synchronizer) WithLocker(locker Locker, ttl time.Duration) *Synchronizer {
	s.locker = locker
	if ttl > 0 {
		s.lockTTL = ttl
	}
	return s
}

// Run synchronizes every destination company in req sequentially. Provider
// failures abort only the affected company; storage failures stop the run.
func (s *Synchronizer) Run(ctx context.Context, req SyncRequest) (SyncSummary, error) {
	var summary SyncSummary
	cnpjs := make([]string, 0, len(req.CNPJs))
	for _, c := range req.CNPJs {
		cnpjs = append(cnpjs, procurement.Digits(c))
	}
	req.CNPJs = cnpjs
	if err := s.validate.Struct(req); err != nil {
		return summary, fmt.Errorf("nfe: invalid sync request: %w", err)
	}

	for _, cnpj := range req.CNPJs {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		summary.Companies++
		if err := s.syncCompany(ctx, req, cnpj, &summary); err != nil {
			return summary, err
		}
	}

	s.logger.Info("nfe sync finished",
		slog.Int("companies", summary.Companies),
		slog.Int("fetched", summary.Fetched),
		slog.Int("stored", summary.Stored),
		slog.Int("skipped", summary.Skipped),
		slog.Int("malformed", summary.Malformed),
		slog.Int("failed", summary.Failed),
		slog.Int("busy", summary.Busy),
	)
	return summary, nil
}

func (s *Synchronizer) syncCompany(ctx context.Context, req SyncRequest, cnpj string, summary *SyncSummary) error {
	logger := s.logger.With(slog.String("cnpj_dest", cnpj))
	if s.locker != nil {
		lock, ok, err := s.locker.TryAcquire(ctx, shared.NFeSyncLockKey(cnpj), s.lockTTL)
		if err != nil {
			summary.Failed++
			logger.Error("acquire sync lock", slog.Any("error", err))
			return nil
		}
		if !ok {
			summary.Busy++
			logger.Warn("another run is synchronizing this company; skipping")
			return nil
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("release sync lock", slog.Any("error", err))
			}
		}()
	}

	docs, err := s.fetch(ctx, Query{From: req.From, To: req.To, DestCNPJ: cnpj}, logger)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		summary.Failed++
		logger.Error("fetch invoices failed", slog.Any("error", err))
		return nil
	}

	for _, doc := range docs {
		summary.Fetched++
		if err := s.storeDocument(ctx, doc, summary, logger); err != nil {
			return err
		}
	}
	logger.Info("company synchronized", slog.Int("documents", len(docs)))
	return nil
}

func (s *Synchronizer) fetch(ctx context.Context, q Query, logger *slog.Logger) ([][]byte, error) {
	docs, err := s.fetcher.Fetch(ctx, q)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.Code == http.StatusNotFound {
		q.From = q.From.AddDate(0, -1, 0)
		logger.Warn("provider returned 404, widening window",
			slog.String("from", q.From.Format(providerDateLayout)))
		return s.fetcher.Fetch(ctx, q)
	}
	return docs, err
}

func (s *Synchronizer) storeDocument(ctx context.Context, doc []byte, summary *SyncSummary, logger *slog.Logger) error {
	if len(doc) == 0 {
		summary.Malformed++
		logger.Warn("skipping undecodable document")
		return nil
	}
	key, err := AccessKey(doc)
	if err != nil {
		summary.Malformed++
		logger.Warn("skipping malformed invoice", slog.Any("error", err))
		return nil
	}
	exists, err := s.store.Exists(ctx, key)
	if err != nil {
		return err
	}
	if exists {
		summary.Skipped++
		return nil
	}
	inv, err := Parse(doc)
	if err != nil {
		summary.Malformed++
		logger.Warn("skipping malformed invoice", slog.String("access_key", key), slog.Any("error", err))
		return nil
	}
	if _, err := s.store.Save(ctx, inv); err != nil {
		if errors.Is(err, ErrDuplicate) {
			summary.Skipped++
			return nil
		}
		return err
	}
	summary.Stored++
	return nil
}
