package client

import "math"

// FreshnessBand describes a prediction by its rounded day count.
// Halves round to even.
func FreshnessBand(days float64) string {
	switch d := math.RoundToEven(days); {
	case d <= 0:
		return "Item is spoiled or very close to spoiling!"
	case d <= 1:
		return "Item will spoil very soon (within 1 day)"
	case d <= 2:
		return "Item will spoil soon (within 2 days)"
	case d <= 3:
		return "Item has moderate freshness (2-3 days remaining)"
	default:
		return "Item is fresh! (3+ days remaining)"
	}
}
