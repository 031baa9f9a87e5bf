package notifier

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"pricewatch/internal/model"
)

const (
	TitleMajor   = "⚠️ Major Price Update"
	TitleRegular = "Price Update"

	DefaultUrgentSeverity = 4

	fallbackVendorName = "A vendor"
	defaultSeverity    = 1
)

// VendorReader is the slice of store.Tx the message builder needs.
type VendorReader interface {
	VendorName(ctx context.Context, vendorID uuid.UUID) (string, bool, error)
}

// Builder renders the title and body stored on every notification row.
type Builder struct {
	// UrgentSeverity is the lowest severity that gets the major title.
	UrgentSeverity int
}

// Build returns the title and body for ev. A missing or blank vendor name
// falls back to a generic one; a failed lookup is returned as an error.
func (b Builder) Build(ctx context.Context, q VendorReader, ev model.PriceEvent) (title, body string, err error) {
	name, ok, err := q.VendorName(ctx, ev.VendorID)
	if err != nil {
		return "", "", fmt.Errorf("load vendor %s: %w", ev.VendorID, err)
	}
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		name = fallbackVendorName
	}

	urgent := b.UrgentSeverity
	if urgent <= 0 {
		urgent = DefaultUrgentSeverity
	}
	title = TitleRegular
	if ev.SeverityOr(defaultSeverity) >= urgent {
		title = TitleMajor
	}
	return title, name + " updated their pricing.", nil
}
