package store

import (
	"fmt"

	"github.com/joao-fontenele/orderflow-dispatch/internal/domain"
)

// checkMutation rejects updates that rewrite immutable order data or history.
func checkMutation(before, after *domain.Order) error {
	if after.ID != before.ID || after.CustomerID != before.CustomerID || !after.CreatedAt.Equal(before.CreatedAt) {
		return fmt.Errorf("%w: identity of order %s changed", domain.ErrInvariant, before.ID)
	}
	if !after.TotalAmount.Equal(before.TotalAmount) || len(after.Products) != len(before.Products) {
		return fmt.Errorf("%w: line items of order %s changed", domain.ErrInvariant, before.ID)
	}
	for i := range before.Products {
		if after.Products[i] != before.Products[i] {
			return fmt.Errorf("%w: line items of order %s changed", domain.ErrInvariant, before.ID)
		}
	}
	if before.DeliveryPersonID != "" && after.DeliveryPersonID != before.DeliveryPersonID {
		return fmt.Errorf("%w: order %s reassigned", domain.ErrInvariant, before.ID)
	}
	if before.DeliveryRating != nil && !sameRating(before.DeliveryRating, after.DeliveryRating) {
		return fmt.Errorf("%w: rating of order %s changed", domain.ErrInvariant, before.ID)
	}
	if len(after.StatusHistory) < len(before.StatusHistory) {
		return fmt.Errorf("%w: history of order %s truncated", domain.ErrInvariant, before.ID)
	}
	for i, e := range before.StatusHistory {
		a := after.StatusHistory[i]
		if a.Status != e.Status || a.UpdatedBy != e.UpdatedBy || a.Note != e.Note || !a.Timestamp.Equal(e.Timestamp) {
			return fmt.Errorf("%w: history entry %d of order %s rewritten", domain.ErrInvariant, i, before.ID)
		}
	}
	if added := len(after.StatusHistory) - len(before.StatusHistory); added > 1 {
		return fmt.Errorf("%w: %d history entries appended to order %s in one update", domain.ErrInvariant, added, before.ID)
	}
	return after.CheckInvariants()
}

func sameRating(a, b *domain.DeliveryRating) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Rating == b.Rating && a.Comment == b.Comment && a.CreatedAt.Equal(b.CreatedAt)
}
