package models

import (
	"fmt"
	"strings"
)

// OrderStatus is the local order lifecycle.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "PENDING"
	OrderStatusProcessing OrderStatus = "PROCESSING"
	OrderStatusShipped    OrderStatus = "SHIPPED"
	OrderStatusDelivered  OrderStatus = "DELIVERED"
	OrderStatusCancelled  OrderStatus = "CANCELLED"
)

var AllOrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusProcessing,
	OrderStatusShipped,
	OrderStatusDelivered,
	OrderStatusCancelled,
}

func (s OrderStatus) IsValid() bool {
	switch s {
	case OrderStatusPending, OrderStatusProcessing, OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled:
		return true
	}
	return false
}

func ParseOrderStatus(s string) (OrderStatus, error) {
	st := OrderStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("invalid order status %q", s)
	}
	return st, nil
}

// SyncDirection limits which way a tenant's orders flow.
type SyncDirection string

const (
	SyncDirectionImportOnly SyncDirection = "import_only"
	SyncDirectionExportOnly SyncDirection = "export_only"
	SyncDirectionBoth       SyncDirection = "both"
)

func (d SyncDirection) AllowsImport() bool {
	return d == SyncDirectionImportOnly || d == SyncDirectionBoth || d == ""
}

func (d SyncDirection) AllowsExport() bool {
	return d == SyncDirectionExportOnly || d == SyncDirectionBoth || d == ""
}

// Status history sources.
const (
	HistorySourceImported = "imported"
	HistorySourceWebhook  = "webhook"
	HistorySourcePolling  = "polling"
	HistorySourceBatchJob = "batch_job"
	HistorySourceManual   = "manual"
)

// Entry points recorded as triggered_by.
const (
	TriggeredByWebhook  = "webhook"
	TriggeredByPolling  = "polling"
	TriggeredByManual   = "manual"
	TriggeredByBatchJob = "batch_job"
)
