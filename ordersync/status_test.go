package ordersync

import (
	"testing"

	"bitbucket.org/mmdatafocus/order_sync_backend/models"
	"github.com/stretchr/testify/assert"
)

func TestStatusToLocal(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		overrides map[string]string
		want      models.OrderStatus
		tier      StatusTier
	}{
		{"pending", "pending", nil, models.OrderStatusPending, TierDefault},
		{"processing", "processing", nil, models.OrderStatusProcessing, TierDefault},
		{"on hold waits", "on-hold", nil, models.OrderStatusPending, TierDefault},
		{"completed is delivered", "completed", nil, models.OrderStatusDelivered, TierDefault},
		{"refunded is cancelled", "refunded", nil, models.OrderStatusCancelled, TierDefault},
		{"failed is cancelled", "failed", nil, models.OrderStatusCancelled, TierDefault},
		{"case and spaces", "  Processing ", nil, models.OrderStatusProcessing, TierDefault},
		{"vendor prefix", "wc-on-hold", nil, models.OrderStatusPending, TierPrefix},
		{"vendor prefix completed", "wc-completed", nil, models.OrderStatusDelivered, TierPrefix},
		{"date as status", "2024-03-01", nil, models.OrderStatusDelivered, TierDate},
		{"datetime as status", "2024-03-01 10:15:00", nil, models.OrderStatusDelivered, TierDate},
		{"keyword ship", "ready-to-ship", nil, models.OrderStatusShipped, TierHeuristic},
		{"keyword cancel", "customer-cancelled-order", nil, models.OrderStatusCancelled, TierHeuristic},
		{"keyword complete wins over ship", "shipped-and-completed", nil, models.OrderStatusDelivered, TierHeuristic},
		{"unknown", "mystery", nil, models.OrderStatusPending, TierFallback},
		{"empty", "", nil, models.OrderStatusPending, TierFallback},
		{"override beats default", "completed", map[string]string{"completed": "SHIPPED"}, models.OrderStatusShipped, TierOverride},
		{"override key case-insensitive", "awaiting-pickup", map[string]string{"Awaiting-Pickup": "processing"}, models.OrderStatusProcessing, TierOverride},
		{"invalid override ignored", "completed", map[string]string{"completed": "LOST"}, models.OrderStatusDelivered, TierDefault},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, tier := ResolveStatus(tt.raw, tt.overrides)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.tier, tier)
			assert.Equal(t, tt.want, StatusToLocal(tt.raw, tt.overrides))
		})
	}
}

func TestStatusToLocalIsTotal(t *testing.T) {
	inputs := []string{"", " ", "???", "wc-", "wc-unknown", "9999-99-99x", "ПРОЦЕСС", "\x00", "trash", "checkout-draft"}
	for _, in := range inputs {
		assert.True(t, StatusToLocal(in, nil).IsValid(), "input %q", in)
	}
}

func TestStatusToExternal(t *testing.T) {
	assert.Equal(t, "pending", StatusToExternal(models.OrderStatusPending, nil))
	assert.Equal(t, "processing", StatusToExternal(models.OrderStatusProcessing, nil))
	assert.Equal(t, "completed", StatusToExternal(models.OrderStatusShipped, nil))
	assert.Equal(t, "completed", StatusToExternal(models.OrderStatusDelivered, nil))
	assert.Equal(t, "cancelled", StatusToExternal(models.OrderStatusCancelled, nil))
	assert.Equal(t, "pending", StatusToExternal("UNKNOWN", nil))

	overrides := map[string]string{"shipped": "SHIPPED", "ready": "PROCESSING", "awaiting": "PROCESSING"}
	assert.Equal(t, "shipped", StatusToExternal(models.OrderStatusShipped, overrides))
	// first key in sorted order wins when several point at the same status
	assert.Equal(t, "awaiting", StatusToExternal(models.OrderStatusProcessing, overrides))
}

func TestStatusRoundTripForDefaults(t *testing.T) {
	for _, st := range []models.OrderStatus{models.OrderStatusPending, models.OrderStatusProcessing, models.OrderStatusCancelled} {
		assert.Equal(t, st, StatusToLocal(StatusToExternal(st, nil), nil))
	}
}

func TestValidateStatusMapping(t *testing.T) {
	assert.NoError(t, ValidateStatusMapping(nil))
	assert.NoError(t, ValidateStatusMapping(map[string]string{"ready": "processing"}))

	err := ValidateStatusMapping(map[string]string{"ready": "LOST"})
	var vErr *ValidationError
	if assert.ErrorAs(t, err, &vErr) {
		assert.Equal(t, "statusMapping.ready", vErr.Field)
	}
	assert.Error(t, ValidateStatusMapping(map[string]string{" ": "PENDING"}))
}
