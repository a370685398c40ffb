package ordersync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// FlexString accepts a JSON string or number. Remote ids arrive as numbers
// from the store and as strings from operators.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*f = FlexString(n.String())
	return nil
}

func (f FlexString) String() string { return string(f) }

// IsZero treats "0" as absent; the store uses 0 for "no variation".
func (f FlexString) IsZero() bool { return f == "" || f == "0" }

// Amount is a money value that tolerates "", null, quoted and bare numbers.
type Amount struct {
	decimal.Decimal
}

func NewAmount(s string) Amount {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{Decimal: decimal.Zero}
	}
	return Amount{Decimal: d}
}

func (a *Amount) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		a.Decimal = decimal.Zero
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("invalid amount %q", s)
	}
	a.Decimal = d
	return nil
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(a.StringFixed(2))), nil
}

// RemoteOrder is the store's order representation (WooCommerce REST v3 shape).
type RemoteOrder struct {
	ID                 FlexString       `json:"id"`
	OrderKey           string           `json:"order_key,omitempty"`
	Number             string           `json:"number,omitempty"`
	Status             string           `json:"status"`
	Currency           string           `json:"currency,omitempty"`
	DateCreated        string           `json:"date_created,omitempty"`
	DateModified       string           `json:"date_modified,omitempty"`
	DiscountTotal      Amount           `json:"discount_total"`
	ShippingTotal      Amount           `json:"shipping_total"`
	TotalTax           Amount           `json:"total_tax"`
	Total              Amount           `json:"total"`
	CustomerNote       string           `json:"customer_note,omitempty"`
	PaymentMethodTitle string           `json:"payment_method_title,omitempty"`
	Billing            RemoteAddress    `json:"billing"`
	Shipping           RemoteAddress    `json:"shipping"`
	LineItems          []RemoteLineItem `json:"line_items"`
	MetaData           []RemoteMeta     `json:"meta_data,omitempty"`
}

type RemoteAddress struct {
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Company   string `json:"company,omitempty"`
	Address1  string `json:"address_1,omitempty"`
	Address2  string `json:"address_2,omitempty"`
	City      string `json:"city,omitempty"`
	State     string `json:"state,omitempty"`
	Postcode  string `json:"postcode,omitempty"`
	Country   string `json:"country,omitempty"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

type RemoteLineItem struct {
	ID          FlexString   `json:"id,omitempty"`
	Name        string       `json:"name"`
	ProductID   FlexString   `json:"product_id,omitempty"`
	VariationID FlexString   `json:"variation_id,omitempty"`
	Quantity    int          `json:"quantity"`
	Subtotal    Amount       `json:"subtotal"`
	Total       Amount       `json:"total"`
	SKU         string       `json:"sku,omitempty"`
	Price       Amount       `json:"price"`
	MetaData    []RemoteMeta `json:"meta_data,omitempty"`
}

type RemoteMeta struct {
	ID    int         `json:"id,omitempty"`
	Key   string      `json:"key"`
	Value interface{} `json:"value"`
}

// metaString returns the first non-empty string value stored under one of keys.
func metaString(meta []RemoteMeta, keys ...string) string {
	for _, k := range keys {
		for _, m := range meta {
			if !strings.EqualFold(m.Key, k) {
				continue
			}
			switch v := m.Value.(type) {
			case string:
				if s := strings.TrimSpace(v); s != "" {
					return s
				}
			case float64:
				return strconv.FormatFloat(v, 'f', -1, 64)
			}
		}
	}
	return ""
}

// remoteOrderInput is the create/update body sent to the store.
type remoteOrderInput struct {
	Status        string                `json:"status,omitempty"`
	Currency      string                `json:"currency,omitempty"`
	CustomerNote  string                `json:"customer_note,omitempty"`
	Billing       *RemoteAddress        `json:"billing,omitempty"`
	Shipping      *RemoteAddress        `json:"shipping,omitempty"`
	LineItems     []remoteLineItemInput `json:"line_items,omitempty"`
	ShippingLines []remoteShippingLine  `json:"shipping_lines,omitempty"`
	MetaData      []RemoteMeta          `json:"meta_data,omitempty"`
	SetPaid       *bool                 `json:"set_paid,omitempty"`
}

type remoteLineItemInput struct {
	Name        string `json:"name"`
	ProductID   int64  `json:"product_id,omitempty"`
	VariationID int64  `json:"variation_id,omitempty"`
	SKU         string `json:"sku,omitempty"`
	Quantity    int    `json:"quantity"`
	Subtotal    string `json:"subtotal"`
	Total       string `json:"total"`
}

type remoteShippingLine struct {
	MethodID    string `json:"method_id"`
	MethodTitle string `json:"method_title"`
	Total       string `json:"total"`
}

// Control API payloads.

type DuplicateAction string

const (
	DuplicateSkip   DuplicateAction = "skip"
	DuplicateUpdate DuplicateAction = "update"
)

func (d DuplicateAction) Valid() bool {
	return d == DuplicateSkip || d == DuplicateUpdate
}

type ImportOrdersRequest struct {
	Orders          []RemoteOrder   `json:"orders" validate:"required,min=1,max=500"`
	DuplicateAction DuplicateAction `json:"duplicateAction" validate:"omitempty,oneof=skip update"`
}

type ExportOrdersRequest struct {
	OrderIds []FlexString `json:"orderIds" validate:"required,min=1,max=100"`
}

type SetIntervalRequest struct {
	Minutes int `json:"minutes" validate:"required,min=1,max=1440"`
}

type CreateImportJobRequest struct {
	BatchSize       int             `json:"batchSize" validate:"omitempty,min=1,max=100"`
	DuplicateAction DuplicateAction `json:"duplicateAction" validate:"omitempty,oneof=skip update"`
	StatusFilter    string          `json:"statusFilter" validate:"omitempty,max=50"`
	After           string          `json:"after" validate:"omitempty"`
	PageDelayMs     *int            `json:"pageDelayMs" validate:"omitempty,min=0,max=60000"`
	AutoStart       bool            `json:"autoStart"`
}

// PubSubPushEnvelope is the body Pub/Sub push subscriptions POST.
type PubSubPushEnvelope struct {
	Message struct {
		Data      []byte `json:"data"`
		MessageId string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type ImportJobPubSubPayload struct {
	JobId     string `json:"job_id"`
	CompanyId string `json:"company_id"`
}
