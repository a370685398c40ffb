package ordersync

import (
	"encoding/json"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/order_sync_backend/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var mapNow = time.Date(2024, 3, 2, 8, 0, 0, 0, time.UTC)

func TestMapRemoteOrder(t *testing.T) {
	ro := remoteOrder(42, "processing", " Aung@Example.com ")
	ro.Billing.Phone = "09 7777 1111"
	ro.LineItems[0].MetaData = []RemoteMeta{{Key: "pa_color", Value: "Red"}, {Key: "pa_size", Value: "M"}}

	m, err := mapRemoteOrder(testCompany, &ro, models.OrderStatusProcessing, "MM", mapNow)
	require.NoError(t, err)

	o := m.order
	assert.Equal(t, "EXT-42", o.OrderNumber)
	assert.Equal(t, "42", o.ExternalIdValue())
	assert.Equal(t, "processing", *o.ExternalStatus)
	assert.True(t, o.SyncedFromExternal)
	assert.False(t, o.SyncedToExternal)
	assert.Equal(t, "aung@example.com", m.email)
	assert.NotEmpty(t, m.phone)
	assert.Equal(t, "Aung Min", o.CustomerName)
	assert.Equal(t, "20", o.Subtotal.String())
	assert.True(t, o.TotalsBalance())
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), o.OrderedAt)
	assert.False(t, m.subtotalAdjusted)

	require.Len(t, m.items, 1)
	it := m.items[0].item
	assert.Equal(t, "T-Shirt", it.Name)
	assert.Equal(t, "Red", it.Color)
	assert.Equal(t, "M", it.Size)
	assert.Equal(t, 2, it.Quantity)
	assert.Equal(t, "10", it.UnitPrice.String())
	assert.Equal(t, "501", m.items[0].productExt)
}

func TestMapRemoteOrderUsesLocalNumberFromMeta(t *testing.T) {
	ro := remoteOrder(7, "pending", "")
	ro.MetaData = []RemoteMeta{{Key: metaLocalOrderNumber, Value: "SO-0001"}}
	m, err := mapRemoteOrder(testCompany, &ro, models.OrderStatusPending, "MM", mapNow)
	require.NoError(t, err)
	assert.Equal(t, "SO-0001", m.order.OrderNumber)
}

func TestMapRemoteOrderReconcilesSubtotal(t *testing.T) {
	ro := remoteOrder(8, "pending", "")
	// a fee line the store does not send as a line item
	ro.Total = NewAmount("30.00")
	m, err := mapRemoteOrder(testCompany, &ro, models.OrderStatusPending, "MM", mapNow)
	require.NoError(t, err)
	assert.True(t, m.subtotalAdjusted)
	assert.Equal(t, "25", m.order.Subtotal.String())
	assert.True(t, m.order.TotalsBalance())
}

func TestMapRemoteOrderRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(ro *RemoteOrder)
		field  string
	}{
		{"missing id", func(ro *RemoteOrder) { ro.ID = "" }, "id"},
		{"zero id", func(ro *RemoteOrder) { ro.ID = "0" }, "id"},
		{"negative total", func(ro *RemoteOrder) { ro.Total = NewAmount("-1") }, "total"},
		{"zero quantity", func(ro *RemoteOrder) { ro.LineItems[0].Quantity = 0 }, "line_items[0].quantity"},
		{"total below fees", func(ro *RemoteOrder) { ro.Total = NewAmount("2.00") }, "total"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ro := remoteOrder(9, "pending", "")
			tt.mutate(&ro)
			_, err := mapRemoteOrder(testCompany, &ro, models.OrderStatusPending, "MM", mapNow)
			var vErr *ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tt.field, vErr.Field)
		})
	}
}

func TestRemoteOrderDecodesLooseNumbers(t *testing.T) {
	body := `{"id": 123, "status": "processing", "total": "12.50", "shipping_total": null, "discount_total": "",
		"total_tax": 0, "line_items": [{"id": 5, "name": "Cap", "product_id": 77, "variation_id": 0, "quantity": 1, "subtotal": "12.50", "total": "12.50", "price": 12.5}]}`
	var ro RemoteOrder
	require.NoError(t, json.Unmarshal([]byte(body), &ro))
	assert.Equal(t, "123", ro.ID.String())
	assert.Equal(t, "12.5", ro.Total.String())
	assert.True(t, ro.ShippingTotal.IsZero())
	assert.True(t, ro.LineItems[0].VariationID.IsZero())
	assert.Equal(t, "77", ro.LineItems[0].ProductID.String())
}
