package ordersync

import (
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/order_sync_backend/models"
	"bitbucket.org/mmdatafocus/order_sync_backend/utils"
	"github.com/shopspring/decimal"
)

// Remote meta key carrying the local order number for orders that started here.
const metaLocalOrderNumber = "_crm_order_number"

const externalOrderNumberPrefix = "EXT-"

// derivedOrderNumber is the local number an external order maps to.
func derivedOrderNumber(ro *RemoteOrder) string {
	if n := metaString(ro.MetaData, metaLocalOrderNumber); n != "" {
		return n
	}
	return externalOrderNumberPrefix + ro.ID.String()
}

type mappedOrder struct {
	order models.Order
	items []mappedItem
	// dedup keys, already normalised
	email string
	phone string
	// subtotalAdjusted is set when line totals disagreed with the order total
	subtotalAdjusted bool
}

type mappedItem struct {
	item       models.OrderItem
	sku        string
	productExt string
	variantExt string
}

func joinNonEmpty(sep string, parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return strings.Join(out, sep)
}

func mapRemoteOrder(companyId string, ro *RemoteOrder, status models.OrderStatus, phoneRegion string, now time.Time) (*mappedOrder, error) {
	if ro.ID.IsZero() {
		return nil, utils.NewValidationError("id", "external order id is required")
	}
	for field, amt := range map[string]Amount{
		"total":          ro.Total,
		"shipping_total": ro.ShippingTotal,
		"total_tax":      ro.TotalTax,
		"discount_total": ro.DiscountTotal,
	} {
		if amt.IsNegative() {
			return nil, utils.NewValidationError(field, "must not be negative (got %s)", amt.String())
		}
	}

	m := &mappedOrder{}
	lineSubtotal := decimal.Zero
	for i, li := range ro.LineItems {
		if li.Quantity <= 0 {
			return nil, utils.NewValidationError(fmt.Sprintf("line_items[%d].quantity", i), "must be positive")
		}
		if li.Subtotal.IsNegative() || li.Total.IsNegative() {
			return nil, utils.NewValidationError(fmt.Sprintf("line_items[%d].total", i), "must not be negative")
		}
		unit := li.Price.Decimal
		if unit.IsZero() && !li.Subtotal.IsZero() {
			unit = li.Subtotal.Div(decimal.NewFromInt(int64(li.Quantity))).Round(4)
		}
		name := strings.TrimSpace(li.Name)
		if name == "" {
			name = utils.FirstNonEmpty(li.SKU, "Item "+li.ID.String())
		}
		m.items = append(m.items, mappedItem{
			item: models.OrderItem{
				CompanyId:         companyId,
				ExternalLineId:    li.ID.String(),
				ExternalProductId: li.ProductID.String(),
				Sku:               strings.TrimSpace(li.SKU),
				Name:              name,
				Color:             metaString(li.MetaData, "pa_color", "color"),
				Size:              metaString(li.MetaData, "pa_size", "size"),
				Detail:            metaString(li.MetaData, "detail"),
				Quantity:          li.Quantity,
				UnitPrice:         unit,
				LineTotal:         li.Total.Decimal,
			},
			sku:        strings.TrimSpace(li.SKU),
			productExt: nonZero(li.ProductID),
			variantExt: nonZero(li.VariationID),
		})
		lineSubtotal = lineSubtotal.Add(li.Subtotal.Decimal)
	}

	// total = subtotal + shipping + tax - discount
	expected := ro.Total.Sub(ro.ShippingTotal.Decimal).Sub(ro.TotalTax.Decimal).Add(ro.DiscountTotal.Decimal)
	subtotal := lineSubtotal
	if !utils.WithinTolerance(lineSubtotal, expected) {
		if expected.IsNegative() {
			return nil, utils.NewValidationError("total", "total %s is smaller than shipping + tax - discount", ro.Total.String())
		}
		subtotal = expected
		m.subtotalAdjusted = len(ro.LineItems) > 0
	}

	billing, shipping := ro.Billing, ro.Shipping
	orderedAt, ok := utils.ParseRemoteTime(ro.DateCreated)
	if !ok {
		orderedAt = now
	}
	extId := ro.ID.String()

	m.email = utils.NormalizeEmail(billing.Email)
	m.phone = utils.NormalizePhone(utils.FirstNonEmpty(billing.Phone, shipping.Phone), phoneRegion)
	m.order = models.Order{
		CompanyId:          companyId,
		OrderNumber:        derivedOrderNumber(ro),
		Status:             status,
		ExternalId:         &extId,
		ExternalOrderKey:   utils.NilIfEmpty(ro.OrderKey),
		ExternalStatus:     utils.NilIfEmpty(strings.ToLower(strings.TrimSpace(ro.Status))),
		SyncedFromExternal: true,
		SyncedToExternal:   false,
		LastSyncAt:         &now,
		Currency:           ro.Currency,
		Subtotal:           subtotal,
		ShippingFee:        ro.ShippingTotal.Decimal,
		Discount:           ro.DiscountTotal.Decimal,
		Tax:                ro.TotalTax.Decimal,
		Total:              ro.Total.Decimal,
		CustomerName: utils.FirstNonEmpty(
			joinNonEmpty(" ", billing.FirstName, billing.LastName),
			joinNonEmpty(" ", shipping.FirstName, shipping.LastName),
			billing.Company,
		),
		CustomerEmail:    m.email,
		CustomerPhone:    utils.FirstNonEmpty(billing.Phone, shipping.Phone),
		ShippingAddress:  utils.FirstNonEmpty(joinNonEmpty(", ", shipping.Address1, shipping.Address2), joinNonEmpty(", ", billing.Address1, billing.Address2)),
		ShippingCity:     utils.FirstNonEmpty(shipping.City, billing.City),
		ShippingState:    utils.FirstNonEmpty(shipping.State, billing.State),
		ShippingPostcode: utils.FirstNonEmpty(shipping.Postcode, billing.Postcode),
		ShippingCountry:  utils.FirstNonEmpty(shipping.Country, billing.Country),
		PaymentMethod:    ro.PaymentMethodTitle,
		Notes:            ro.CustomerNote,
		OrderedAt:        orderedAt,
	}
	return m, nil
}

func nonZero(f FlexString) string {
	if f.IsZero() {
		return ""
	}
	return f.String()
}

// updateColumns is the column set re-applied on duplicateAction=update.
func (m *mappedOrder) updateColumns() map[string]interface{} {
	o := m.order
	return map[string]interface{}{
		"status":               o.Status,
		"external_id":          o.ExternalId,
		"external_order_key":   o.ExternalOrderKey,
		"external_status":      o.ExternalStatus,
		"synced_from_external": true,
		"synced_to_external":   false,
		"last_sync_at":         o.LastSyncAt,
		"currency":             o.Currency,
		"subtotal":             o.Subtotal,
		"shipping_fee":         o.ShippingFee,
		"discount":             o.Discount,
		"tax":                  o.Tax,
		"total":                o.Total,
		"customer_name":        o.CustomerName,
		"customer_email":       o.CustomerEmail,
		"customer_phone":       o.CustomerPhone,
		"shipping_address":     o.ShippingAddress,
		"shipping_city":        o.ShippingCity,
		"shipping_state":       o.ShippingState,
		"shipping_postcode":    o.ShippingPostcode,
		"shipping_country":     o.ShippingCountry,
		"payment_method":       o.PaymentMethod,
		"notes":                o.Notes,
	}
}

// newCustomerFor builds the customer created on first sight of an email/phone.
func newCustomerFor(companyId string, ro *RemoteOrder, m *mappedOrder) *models.Customer {
	b := ro.Billing
	return &models.Customer{
		CompanyId: companyId,
		Name:      utils.FirstNonEmpty(m.order.CustomerName, models.PlaceholderCustomerName),
		Email:     m.email,
		Phone:     m.phone,
		Address:   joinNonEmpty(", ", b.Address1, b.Address2),
		City:      b.City,
		Country:   b.Country,
		Source:    "external",
	}
}
