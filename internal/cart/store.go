// Package cart provides read and clear access to shopper carts for checkout.
package cart

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hanko-field/storefront/internal/domain"
)

// ErrEmptyCartID is returned when a cart operation is called without an ID.
var ErrEmptyCartID = errors.New("cart: cart id is required")

// document is the stored representation of a cart.
type document struct {
	Currency  string         `json:"currency"`
	Lines     []lineDocument `json:"lines"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

type lineDocument struct {
	ProductID       string            `json:"productId"`
	Name            string            `json:"name"`
	UnitPrice       decimal.Decimal   `json:"unitPrice"`
	Quantity        int               `json:"quantity"`
	SelectedOptions map[string]string `json:"selectedOptions,omitempty"`
}

func toDocument(snapshot domain.CartSnapshot) document {
	doc := document{
		Currency:  strings.ToUpper(strings.TrimSpace(snapshot.Currency)),
		Lines:     make([]lineDocument, 0, len(snapshot.Lines)),
		UpdatedAt: snapshot.UpdatedAt.UTC(),
	}
	for _, line := range snapshot.Freeze().Lines {
		doc.Lines = append(doc.Lines, lineDocument{
			ProductID:       line.ProductID,
			Name:            line.Name,
			UnitPrice:       line.UnitPrice,
			Quantity:        line.Quantity,
			SelectedOptions: line.SelectedOptions,
		})
	}
	return doc
}

func (d document) snapshot(cartID string) domain.CartSnapshot {
	out := domain.CartSnapshot{
		CartID:    cartID,
		Currency:  d.Currency,
		Lines:     make([]domain.CartLine, 0, len(d.Lines)),
		UpdatedAt: d.UpdatedAt,
	}
	for _, line := range d.Lines {
		out.Lines = append(out.Lines, domain.CartLine{
			ProductID:       line.ProductID,
			Name:            line.Name,
			UnitPrice:       line.UnitPrice,
			Quantity:        line.Quantity,
			SelectedOptions: line.SelectedOptions,
		})
	}
	return out
}

func normalizeID(cartID string) (string, error) {
	id := strings.TrimSpace(cartID)
	if id == "" {
		return "", ErrEmptyCartID
	}
	return id, nil
}
