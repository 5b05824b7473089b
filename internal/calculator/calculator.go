package calculator

import (
	"math"
	"strconv"
	"strings"
)

// Quote is the computed cost of a shipment. It is never persisted.
type Quote struct {
	ShippingCost float64 `json:"shippingCost"`
	ServiceFee   float64 `json:"serviceFee"`
	TotalCost    float64 `json:"totalCost"`
	IsFixedRate  bool    `json:"isFixedRate"`
	// MatchedItemID is set when IsFixedRate is true
	MatchedItemID string `json:"matchedItemId,omitempty"`
}

const portAuPrinceKey = "portauprince"

// PerPoundRate returns the Port-au-Prince rate when the destination names it,
// and the Cap-Haïtien rate for everything else.
func PerPoundRate(destination string, rates ShippingRates) float64 {
	if strings.Contains(Normalize(destination), portAuPrinceKey) {
		return rates.RatePortAuPrince
	}
	return rates.RateCapHaitien
}

// Calculator computes quotes. The zero value uses FindMatch.
type Calculator struct {
	Match Matcher
}

// Quote prices a shipment from the given settings. A matched special item
// sets a flat shipping cost whatever the weight; otherwise the cost is
// weight × per-pound rate. The service fee is always added.
func (c Calculator) Quote(weight float64, destination, category string, rates ShippingRates, items []SpecialItem) Quote {
	match := c.Match
	if match == nil {
		match = FindMatch
	}

	if math.IsNaN(weight) || math.IsInf(weight, 0) || weight < 0 {
		weight = 0
	}

	q := Quote{ServiceFee: rates.ServiceFee}

	if item, ok := match(Normalize(category), items); ok {
		q.ShippingCost = item.Price
		q.IsFixedRate = true
		q.MatchedItemID = item.ID
	} else {
		q.ShippingCost = round2(weight * PerPoundRate(destination, rates))
	}

	q.TotalCost = q.ShippingCost + q.ServiceFee
	return q
}

// QuoteShipment prices a stored shipment record
func (c Calculator) QuoteShipment(s Shipment, rates ShippingRates, items []SpecialItem) Quote {
	return c.Quote(ParseWeight(s.Weight), s.Destination, s.Category, rates, items)
}

// CalculateQuote prices a shipment with the default matcher
func CalculateQuote(weight float64, destination, category string, rates ShippingRates, items []SpecialItem) Quote {
	return Calculator{}.Quote(weight, destination, category, rates, items)
}

// QuoteShipment prices a stored shipment record with the default matcher
func QuoteShipment(s Shipment, rates ShippingRates, items []SpecialItem) Quote {
	return Calculator{}.QuoteShipment(s, rates, items)
}

// ParseWeight reads a string-encoded weight in pounds. Empty, non-numeric,
// negative or non-finite input yields 0. A decimal comma is accepted.
func ParseWeight(raw string) float64 {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0
	}
	s = strings.Replace(s, ",", ".", 1)
	w, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
		return 0
	}
	return w
}

// round2 rounds to 2 decimal places
func round2(val float64) float64 {
	return math.Round(val*100) / 100
}
