package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/julienbonastre/haiti-shipping/internal/calculator"
	"github.com/julienbonastre/haiti-shipping/internal/database"
)

var (
	ErrNotFound    = errors.New("special item not found")
	ErrDuplicateID = errors.New("special item id already exists")
	ErrReadOnly    = errors.New("settings backend is read-only")
)

// SeedActor is recorded as updated_by for records written by InitializeSettings
const SeedActor = "system"

const defaultTimeout = 5 * time.Second

// Reader loads raw settings records. A nil record with a nil error means the
// key has never been written.
type Reader interface {
	GetSetting(ctx context.Context, key string) (*database.Setting, error)
}

// Writer persists raw settings records
type Writer interface {
	PutSetting(ctx context.Context, key, value, updatedBy string) error
	PutSettingIfAbsent(ctx context.Context, key, value, updatedBy string) (bool, error)
}

// ItemPatch holds the fields of a special item to change; nil fields are kept
type ItemPatch struct {
	Name     *string                  `json:"name,omitempty"`
	Price    *float64                 `json:"price,omitempty"`
	Category *calculator.ItemCategory `json:"category,omitempty"`
}

// Empty reports whether the patch changes nothing
func (p ItemPatch) Empty() bool {
	return p.Name == nil && p.Price == nil && p.Category == nil
}

// Merge overlays the non-nil fields of next onto p
func (p ItemPatch) Merge(next ItemPatch) ItemPatch {
	if next.Name != nil {
		p.Name = next.Name
	}
	if next.Price != nil {
		p.Price = next.Price
	}
	if next.Category != nil {
		p.Category = next.Category
	}
	return p
}

func (p ItemPatch) apply(item calculator.SpecialItem) calculator.SpecialItem {
	if p.Name != nil {
		item.Name = *p.Name
	}
	if p.Price != nil {
		item.Price = *p.Price
	}
	if p.Category != nil {
		item.Category = *p.Category
	}
	return item
}

// Store reads and writes the shipping rates and special items records.
// Reads never fail: anything short of a valid record yields the defaults.
// Mutations report failure as false and log the cause.
type Store struct {
	backend Reader
	timeout time.Duration
	logger  *zap.Logger

	reads singleflight.Group
	// serializes read-modify-write of the special items record in this process
	itemsMu sync.Mutex
}

// Option configures a Store
type Option func(*Store)

// WithTimeout bounds every backend call
func WithTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewStore creates a settings store on top of backend. Mutations need a
// backend that also implements Writer.
func NewStore(backend Reader, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		timeout: defaultTimeout,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// read collapses concurrent reads of the same key into one backend call.
// The shared call is bounded by the store timeout rather than by whichever
// caller started it; each caller still stops waiting when its own ctx ends.
func (s *Store) read(ctx context.Context, key string) (*database.Setting, error) {
	ch := s.reads.DoChan(key, func() (interface{}, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		return s.backend.GetSetting(rctx, key)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		setting, _ := res.Val.(*database.Setting)
		return setting, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Store) writer() (Writer, error) {
	w, ok := s.backend.(Writer)
	if !ok {
		return nil, ErrReadOnly
	}
	return w, nil
}

func (s *Store) put(ctx context.Context, key string, value interface{}, actorID string) error {
	w, err := s.writer()
	if err != nil {
		return err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	wctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := w.PutSetting(wctx, key, string(data), actorID); err != nil {
		return err
	}
	// reads that start from now on must not join a lookup begun before the write
	s.reads.Forget(key)
	return nil
}

// FetchShippingRates reads the rates record. A missing record yields the
// defaults; a failed read or a malformed record is returned as an error.
func (s *Store) FetchShippingRates(ctx context.Context) (calculator.ShippingRates, error) {
	setting, err := s.read(ctx, calculator.ShippingRatesKey)
	if err != nil {
		return calculator.ShippingRates{}, err
	}
	if setting == nil {
		return calculator.DefaultShippingRates(), nil
	}
	return decodeShippingRates(setting.Value)
}

// FetchSpecialItems reads the special items record, with the same contract
// as FetchShippingRates.
func (s *Store) FetchSpecialItems(ctx context.Context) (calculator.SpecialItemsConfig, error) {
	setting, err := s.read(ctx, calculator.SpecialItemsKey)
	if err != nil {
		return calculator.SpecialItemsConfig{}, err
	}
	if setting == nil {
		return calculator.DefaultSpecialItems(), nil
	}
	return decodeSpecialItems(setting.Value)
}

// GetShippingRates returns the persisted rates, or the defaults when they
// cannot be read.
func (s *Store) GetShippingRates(ctx context.Context) calculator.ShippingRates {
	rates, err := s.FetchShippingRates(ctx)
	if err != nil {
		s.logger.Warn("using default shipping rates", zap.Error(err))
		return calculator.DefaultShippingRates()
	}
	return rates
}

// GetSpecialItems returns the persisted catalog, or the default catalog when
// it cannot be read.
func (s *Store) GetSpecialItems(ctx context.Context) calculator.SpecialItemsConfig {
	items, err := s.FetchSpecialItems(ctx)
	if err != nil {
		s.logger.Warn("using default special items", zap.Error(err))
		return calculator.DefaultSpecialItems()
	}
	return items
}

// UpdateShippingRates replaces the rates record
func (s *Store) UpdateShippingRates(ctx context.Context, rates calculator.ShippingRates, actorID string) bool {
	return s.report("update shipping rates", actorID, s.UpdateShippingRatesE(ctx, rates, actorID))
}

// UpdateShippingRatesE is UpdateShippingRates returning the cause of failure
func (s *Store) UpdateShippingRatesE(ctx context.Context, rates calculator.ShippingRates, actorID string) error {
	if err := rates.Validate(); err != nil {
		return err
	}
	return s.put(ctx, calculator.ShippingRatesKey, rates, actorID)
}

// ReplaceSpecialItems replaces the whole catalog
func (s *Store) ReplaceSpecialItems(ctx context.Context, cfg calculator.SpecialItemsConfig, actorID string) bool {
	return s.report("replace special items", actorID, s.ReplaceSpecialItemsE(ctx, cfg, actorID))
}

// ReplaceSpecialItemsE is ReplaceSpecialItems returning the cause of failure
func (s *Store) ReplaceSpecialItemsE(ctx context.Context, cfg calculator.SpecialItemsConfig, actorID string) error {
	if cfg.Items == nil {
		cfg.Items = []calculator.SpecialItem{}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.itemsMu.Lock()
	defer s.itemsMu.Unlock()
	return s.put(ctx, calculator.SpecialItemsKey, cfg, actorID)
}

// AddSpecialItem appends an item to the catalog
func (s *Store) AddSpecialItem(ctx context.Context, item calculator.SpecialItem, actorID string) bool {
	_, err := s.AddSpecialItemE(ctx, item, actorID)
	return s.report("add special item", actorID, err)
}

// AddSpecialItemE appends an item and returns it as stored. An item without
// an id is given a random one.
func (s *Store) AddSpecialItemE(ctx context.Context, item calculator.SpecialItem, actorID string) (calculator.SpecialItem, error) {
	item.ID = strings.TrimSpace(item.ID)
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if err := item.Validate(); err != nil {
		return calculator.SpecialItem{}, err
	}

	err := s.modifyItems(ctx, actorID, func(cfg *calculator.SpecialItemsConfig) error {
		if cfg.Index(item.ID) >= 0 {
			return fmt.Errorf("%w: %s", ErrDuplicateID, item.ID)
		}
		cfg.Items = append(cfg.Items, item)
		return nil
	})
	if err != nil {
		return calculator.SpecialItem{}, err
	}
	return item, nil
}

// UpdateSpecialItem changes the given fields of one item, keyed by id
func (s *Store) UpdateSpecialItem(ctx context.Context, id string, patch ItemPatch, actorID string) bool {
	_, err := s.UpdateSpecialItemE(ctx, id, patch, actorID)
	return s.report("update special item "+id, actorID, err)
}

// UpdateSpecialItemE is UpdateSpecialItem returning the updated item
func (s *Store) UpdateSpecialItemE(ctx context.Context, id string, patch ItemPatch, actorID string) (calculator.SpecialItem, error) {
	var updated calculator.SpecialItem
	err := s.modifyItems(ctx, actorID, func(cfg *calculator.SpecialItemsConfig) error {
		i := cfg.Index(id)
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		updated = patch.apply(cfg.Items[i])
		if err := updated.Validate(); err != nil {
			return err
		}
		cfg.Items[i] = updated
		return nil
	})
	if err != nil {
		return calculator.SpecialItem{}, err
	}
	return updated, nil
}

// DeleteSpecialItem removes one item, keyed by id
func (s *Store) DeleteSpecialItem(ctx context.Context, id string, actorID string) bool {
	return s.report("delete special item "+id, actorID, s.DeleteSpecialItemE(ctx, id, actorID))
}

// DeleteSpecialItemE is DeleteSpecialItem returning the cause of failure
func (s *Store) DeleteSpecialItemE(ctx context.Context, id string, actorID string) error {
	return s.modifyItems(ctx, actorID, func(cfg *calculator.SpecialItemsConfig) error {
		i := cfg.Index(id)
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		cfg.Items = append(cfg.Items[:i], cfg.Items[i+1:]...)
		return nil
	})
}

// modifyItems loads the catalog, applies fn and writes the whole list back.
// A catalog that cannot be read is never overwritten.
func (s *Store) modifyItems(ctx context.Context, actorID string, fn func(*calculator.SpecialItemsConfig) error) error {
	if _, err := s.writer(); err != nil {
		return err
	}

	s.itemsMu.Lock()
	defer s.itemsMu.Unlock()

	// a concurrent singleflight read may predate the last write, so bypass it
	rctx, cancel := context.WithTimeout(ctx, s.timeout)
	setting, err := s.backend.GetSetting(rctx, calculator.SpecialItemsKey)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to load special items: %w", err)
	}

	cfg := calculator.DefaultSpecialItems()
	if setting != nil {
		if cfg, err = decodeSpecialItems(setting.Value); err != nil {
			return err
		}
	}
	cfg = cfg.Clone()

	if err := fn(&cfg); err != nil {
		return err
	}
	return s.put(ctx, calculator.SpecialItemsKey, cfg, actorID)
}

// InitializeSettings writes the default records for keys that have none.
// It returns true when both records exist afterwards.
func (s *Store) InitializeSettings(ctx context.Context) bool {
	if err := s.InitializeSettingsE(ctx); err != nil {
		s.logger.Error("failed to initialize settings", zap.Error(err))
		return false
	}
	return true
}

// InitializeSettingsE is InitializeSettings returning the cause of failure
func (s *Store) InitializeSettingsE(ctx context.Context) error {
	w, err := s.writer()
	if err != nil {
		return err
	}

	defaults := []struct {
		key   string
		value interface{}
	}{
		{calculator.ShippingRatesKey, calculator.DefaultShippingRates()},
		{calculator.SpecialItemsKey, calculator.DefaultSpecialItems()},
	}

	for _, d := range defaults {
		data, err := json.Marshal(d.value)
		if err != nil {
			return err
		}
		wctx, cancel := context.WithTimeout(ctx, s.timeout)
		written, err := w.PutSettingIfAbsent(wctx, d.key, string(data), SeedActor)
		cancel()
		if err != nil {
			return err
		}
		if written {
			s.reads.Forget(d.key)
			s.logger.Info("seeded default setting", zap.String("key", d.key))
		} else {
			s.logger.Debug("setting already present", zap.String("key", d.key))
		}
	}
	return nil
}

func (s *Store) report(op, actorID string, err error) bool {
	if err != nil {
		s.logger.Error("settings mutation failed",
			zap.String("op", op),
			zap.String("actor", actorID),
			zap.Error(err))
		return false
	}
	s.logger.Info("settings updated", zap.String("op", op), zap.String("actor", actorID))
	return true
}

// shippingRatesRecord detects missing fields, which a plain struct would zero
type shippingRatesRecord struct {
	ServiceFee       *float64 `json:"serviceFee"`
	RateCapHaitien   *float64 `json:"rateCapHaitien"`
	RatePortAuPrince *float64 `json:"ratePortAuPrince"`
}

func decodeShippingRates(value string) (calculator.ShippingRates, error) {
	var rec shippingRatesRecord
	if err := json.Unmarshal([]byte(value), &rec); err != nil {
		return calculator.ShippingRates{}, fmt.Errorf("malformed shipping rates: %w", err)
	}
	if rec.ServiceFee == nil || rec.RateCapHaitien == nil || rec.RatePortAuPrince == nil {
		return calculator.ShippingRates{}, errors.New("malformed shipping rates: missing field")
	}
	rates := calculator.ShippingRates{
		ServiceFee:       *rec.ServiceFee,
		RateCapHaitien:   *rec.RateCapHaitien,
		RatePortAuPrince: *rec.RatePortAuPrince,
	}
	if err := rates.Validate(); err != nil {
		return calculator.ShippingRates{}, fmt.Errorf("malformed shipping rates: %w", err)
	}
	return rates, nil
}

// decodeSpecialItems accepts {"items":[...]} as well as a bare array
func decodeSpecialItems(value string) (calculator.SpecialItemsConfig, error) {
	var cfg calculator.SpecialItemsConfig
	trimmed := strings.TrimSpace(value)
	var err error
	if strings.HasPrefix(trimmed, "[") {
		err = json.Unmarshal([]byte(trimmed), &cfg.Items)
	} else {
		var rec struct {
			Items *[]calculator.SpecialItem `json:"items"`
		}
		if err = json.Unmarshal([]byte(trimmed), &rec); err == nil {
			if rec.Items == nil {
				err = errors.New("missing items")
			} else {
				cfg.Items = *rec.Items
			}
		}
	}
	if err != nil {
		return calculator.SpecialItemsConfig{}, fmt.Errorf("malformed special items: %w", err)
	}
	if cfg.Items == nil {
		cfg.Items = []calculator.SpecialItem{}
	}
	if err := cfg.Validate(); err != nil {
		return calculator.SpecialItemsConfig{}, fmt.Errorf("malformed special items: %w", err)
	}
	return cfg, nil
}
