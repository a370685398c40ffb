package ordersync

import (
	"regexp"
	"sort"
	"strings"

	"bitbucket.org/mmdatafocus/order_sync_backend/models"
)

// StatusTier names the rule that produced a local status.
type StatusTier string

const (
	TierDate      StatusTier = "date"
	TierOverride  StatusTier = "override"
	TierDefault   StatusTier = "default"
	TierPrefix    StatusTier = "prefix"
	TierHeuristic StatusTier = "heuristic"
	TierFallback  StatusTier = "fallback"
)

// Some store plugins write the completion date into the status field.
var remoteDateStatus = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}([T ]\d{2}:\d{2}(:\d{2})?)?$`)

var defaultRemoteToLocal = map[string]models.OrderStatus{
	"pending":        models.OrderStatusPending,
	"processing":     models.OrderStatusProcessing,
	"on-hold":        models.OrderStatusPending,
	"completed":      models.OrderStatusDelivered,
	"cancelled":      models.OrderStatusCancelled,
	"refunded":       models.OrderStatusCancelled,
	"failed":         models.OrderStatusCancelled,
	"trash":          models.OrderStatusCancelled,
	"checkout-draft": models.OrderStatusPending,
	"shipped":        models.OrderStatusShipped,
	"delivered":      models.OrderStatusDelivered,
}

var defaultLocalToRemote = map[models.OrderStatus]string{
	models.OrderStatusPending:    "pending",
	models.OrderStatusProcessing: "processing",
	models.OrderStatusShipped:    "completed",
	models.OrderStatusDelivered:  "completed",
	models.OrderStatusCancelled:  "cancelled",
}

const defaultRemoteStatus = "pending"

var vendorStatusPrefixes = []string{"wc-"}

// evaluated top to bottom; first hit wins
var statusKeywords = []struct {
	needles []string
	status  models.OrderStatus
}{
	{[]string{"complet", "deliver"}, models.OrderStatusDelivered},
	{[]string{"process", "confirm"}, models.OrderStatusProcessing},
	{[]string{"cancel", "refund"}, models.OrderStatusCancelled},
	{[]string{"hold", "wait"}, models.OrderStatusPending},
	{[]string{"ship"}, models.OrderStatusShipped},
}

// StatusToLocal maps any remote status string to a local status. It never
// fails: unknown input ends at PENDING.
func StatusToLocal(raw string, overrides map[string]string) models.OrderStatus {
	st, _ := ResolveStatus(raw, overrides)
	return st
}

// ResolveStatus is StatusToLocal plus the tier that matched, so callers can
// log heuristic guesses.
func ResolveStatus(raw string, overrides map[string]string) (models.OrderStatus, StatusTier) {
	trimmed := strings.TrimSpace(raw)
	if remoteDateStatus.MatchString(trimmed) {
		return models.OrderStatusDelivered, TierDate
	}

	s := strings.ToLower(trimmed)
	if st, ok := normalizeOverrides(overrides)[s]; ok {
		return st, TierOverride
	}
	if st, ok := defaultRemoteToLocal[s]; ok {
		return st, TierDefault
	}
	for _, prefix := range vendorStatusPrefixes {
		if strings.HasPrefix(s, prefix) {
			if st, ok := defaultRemoteToLocal[strings.TrimPrefix(s, prefix)]; ok {
				return st, TierPrefix
			}
		}
	}
	if s != "" {
		for _, kw := range statusKeywords {
			for _, needle := range kw.needles {
				if strings.Contains(s, needle) {
					return kw.status, TierHeuristic
				}
			}
		}
	}
	return models.OrderStatusPending, TierFallback
}

// StatusToExternal maps a local status to the remote vocabulary, preferring
// a tenant override that points at it.
func StatusToExternal(local models.OrderStatus, overrides map[string]string) string {
	want := models.OrderStatus(strings.ToUpper(strings.TrimSpace(string(local))))
	for _, key := range sortedKeys(overrides) {
		st, err := models.ParseOrderStatus(overrides[key])
		if err != nil || st != want {
			continue
		}
		if k := strings.ToLower(strings.TrimSpace(key)); k != "" {
			return k
		}
	}
	if s, ok := defaultLocalToRemote[want]; ok {
		return s
	}
	return defaultRemoteStatus
}

// normalizeOverrides lower-cases keys and drops values that are not local statuses.
func normalizeOverrides(overrides map[string]string) map[string]models.OrderStatus {
	out := make(map[string]models.OrderStatus, len(overrides))
	for _, key := range sortedKeys(overrides) {
		st, err := models.ParseOrderStatus(overrides[key])
		if err != nil {
			continue
		}
		k := strings.ToLower(strings.TrimSpace(key))
		if _, seen := out[k]; !seen {
			out[k] = st
		}
	}
	return out
}

// ValidateStatusMapping rejects override values that are not local statuses.
func ValidateStatusMapping(overrides map[string]string) error {
	for _, key := range sortedKeys(overrides) {
		if strings.TrimSpace(key) == "" {
			return &ValidationError{Field: "statusMapping", Message: "empty remote status key"}
		}
		if _, err := models.ParseOrderStatus(overrides[key]); err != nil {
			return &ValidationError{Field: "statusMapping." + key, Message: err.Error()}
		}
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
