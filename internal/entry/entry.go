// Package entry defines the procurement list produced by structured
// extraction. Field names match the frontend form contract.
package entry

// Item is one procurement line item. UnitPrice is always the price of the
// purchase unit (the denominator of Specification), so Total = Quantity *
// UnitPrice in purchase units, never in minimum units.
type Item struct {
	Name          string  `json:"name"`
	Specification string  `json:"specification"`
	Quantity      float64 `json:"quantity"`
	Unit          string  `json:"unit"`
	UnitPrice     float64 `json:"unitPrice"`
	Total         float64 `json:"total"`
}

// Result is one extracted procurement entry.
type Result struct {
	Supplier string `json:"supplier"`
	Notes    string `json:"notes"`
	Items    []Item `json:"items"`
}
