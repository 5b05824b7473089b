package calculator

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalid marks a rate or special item that fails validation
var ErrInvalid = errors.New("invalid settings value")

// Settings keys of the two persisted configuration records
const (
	ShippingRatesKey = "shipping_rates"
	SpecialItemsKey  = "special_items"
)

// ItemCategory groups special items for display and editing
type ItemCategory string

const (
	CategoryPhone    ItemCategory = "phone"
	CategoryComputer ItemCategory = "computer"
	CategoryOther    ItemCategory = "other"
)

// Valid reports whether c is one of the known categories
func (c ItemCategory) Valid() bool {
	switch c {
	case CategoryPhone, CategoryComputer, CategoryOther:
		return true
	}
	return false
}

// ShippingRates holds the service fee and the per-pound rates by destination bucket
type ShippingRates struct {
	ServiceFee       float64 `json:"serviceFee" yaml:"serviceFee"`
	RateCapHaitien   float64 `json:"rateCapHaitien" yaml:"rateCapHaitien"`
	RatePortAuPrince float64 `json:"ratePortAuPrince" yaml:"ratePortAuPrince"`
}

// Validate checks that every rate is a finite, non-negative amount
func (r ShippingRates) Validate() error {
	fields := []struct {
		name  string
		value float64
	}{
		{"serviceFee", r.ServiceFee},
		{"rateCapHaitien", r.RateCapHaitien},
		{"ratePortAuPrince", r.RatePortAuPrince},
	}
	for _, f := range fields {
		if math.IsNaN(f.value) || math.IsInf(f.value, 0) || f.value < 0 {
			return fmt.Errorf("%w: %s is %v", ErrInvalid, f.name, f.value)
		}
	}
	return nil
}

// SpecialItem is an operator-configured category with a flat price
type SpecialItem struct {
	ID       string       `json:"id" yaml:"id"`
	Name     string       `json:"name" yaml:"name"`
	Price    float64      `json:"price" yaml:"price"`
	Category ItemCategory `json:"category" yaml:"category"`
}

// Validate checks a single item in isolation
func (it SpecialItem) Validate() error {
	if it.ID == "" {
		return fmt.Errorf("%w: special item has no id", ErrInvalid)
	}
	if math.IsNaN(it.Price) || math.IsInf(it.Price, 0) || it.Price < 0 {
		return fmt.Errorf("%w: special item %s has price %v", ErrInvalid, it.ID, it.Price)
	}
	if !it.Category.Valid() {
		return fmt.Errorf("%w: special item %s has unknown category %q", ErrInvalid, it.ID, it.Category)
	}
	return nil
}

// SpecialItemsConfig is the ordered flat-rate catalog. Order is the match priority.
type SpecialItemsConfig struct {
	Items []SpecialItem `json:"items" yaml:"items"`
}

// Validate checks every item and that ids are unique
func (c SpecialItemsConfig) Validate() error {
	seen := make(map[string]struct{}, len(c.Items))
	for _, it := range c.Items {
		if err := it.Validate(); err != nil {
			return err
		}
		if _, dup := seen[it.ID]; dup {
			return fmt.Errorf("%w: duplicate special item id %s", ErrInvalid, it.ID)
		}
		seen[it.ID] = struct{}{}
	}
	return nil
}

// Index returns the position of the item with the given id, or -1
func (c SpecialItemsConfig) Index(id string) int {
	for i, it := range c.Items {
		if it.ID == id {
			return i
		}
	}
	return -1
}

// Clone returns a copy whose item slice can be modified freely
func (c SpecialItemsConfig) Clone() SpecialItemsConfig {
	items := make([]SpecialItem, len(c.Items))
	copy(items, c.Items)
	return SpecialItemsConfig{Items: items}
}

// DefaultShippingRates returns the rates used when nothing is persisted
func DefaultShippingRates() ShippingRates {
	return ShippingRates{
		ServiceFee:       10,
		RateCapHaitien:   4.5,
		RatePortAuPrince: 5,
	}
}

// DefaultSpecialItems returns a fresh copy of the built-in catalog
func DefaultSpecialItems() SpecialItemsConfig {
	return SpecialItemsConfig{Items: []SpecialItem{
		{ID: "iphone-xr-11pro", Name: "iPhone XR à 11 Pro Max", Price: 35, Category: CategoryPhone},
		{ID: "iphone-12-13pro", Name: "iPhone 12 à 13 Pro Max", Price: 50, Category: CategoryPhone},
		{ID: "iphone-14-15pro", Name: "iPhone 14 à 15 Pro Max", Price: 70, Category: CategoryPhone},
		{ID: "iphone-16-16pro", Name: "iPhone 16 à 16 Pro Max", Price: 100, Category: CategoryPhone},
		{ID: "iphone-17", Name: "iPhone 17", Price: 130, Category: CategoryPhone},
		{ID: "laptop", Name: "Ordinateurs Portables", Price: 90, Category: CategoryComputer},
		{ID: "starlink", Name: "Starlink", Price: 120, Category: CategoryOther},
	}}
}

// Shipment is the subset of a shipment record the calculator reads.
// Weight is kept string-encoded as it is in storage.
type Shipment struct {
	Weight      string `json:"weight"`
	Destination string `json:"destination"`
	Category    string `json:"category"`
}
