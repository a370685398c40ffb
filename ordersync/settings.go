package ordersync

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/order_sync_backend/models"
	"bitbucket.org/mmdatafocus/order_sync_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// SettingsInput is the body of PUT /settings. An empty consumerSecret keeps the
// stored one; a nil webhookSecret keeps it, an empty string clears it.
type SettingsInput struct {
	StoreUrl            string               `json:"storeUrl" validate:"required,url,max=255"`
	ConsumerKey         string               `json:"consumerKey" validate:"required,max=255"`
	ConsumerSecret      string               `json:"consumerSecret" validate:"max=255"`
	SyncEnabled         bool                 `json:"syncEnabled"`
	SyncDirection       models.SyncDirection `json:"syncDirection" validate:"omitempty,oneof=import_only export_only both"`
	SyncIntervalMinutes int                  `json:"syncIntervalMinutes" validate:"omitempty,min=1,max=1440"`
	WebhookEnabled      bool                 `json:"webhookEnabled"`
	WebhookSecret       *string              `json:"webhookSecret" validate:"omitempty,max=255"`
	StatusMapping       map[string]string    `json:"statusMapping"`
}

// SettingsView is what the API returns; secrets are reduced to presence flags.
type SettingsView struct {
	StoreUrl            string               `json:"storeUrl"`
	ConsumerKey         string               `json:"consumerKey"`
	HasConsumerSecret   bool                 `json:"hasConsumerSecret"`
	SyncEnabled         bool                 `json:"syncEnabled"`
	SyncDirection       models.SyncDirection `json:"syncDirection"`
	SyncIntervalMinutes int                  `json:"syncIntervalMinutes"`
	WebhookEnabled      bool                 `json:"webhookEnabled"`
	HasWebhookSecret    bool                 `json:"hasWebhookSecret"`
	StatusMapping       map[string]string    `json:"statusMapping"`
	LastSyncAt          *time.Time           `json:"lastSyncAt"`
	LastSyncStatus      string               `json:"lastSyncStatus"`
	LastSyncMessage     string               `json:"lastSyncMessage"`
}

func NewSettingsView(s *models.SyncSettings) *SettingsView {
	return &SettingsView{
		StoreUrl:            s.StoreUrl,
		ConsumerKey:         maskKey(s.ConsumerKey),
		HasConsumerSecret:   s.ConsumerSecret != "",
		SyncEnabled:         s.SyncEnabled,
		SyncDirection:       s.SyncDirection,
		SyncIntervalMinutes: s.SyncIntervalMinutes,
		WebhookEnabled:      s.WebhookEnabled,
		HasWebhookSecret:    s.WebhookSecret != "",
		StatusMapping:       statusOverrides(s),
		LastSyncAt:          s.LastSyncAt,
		LastSyncStatus:      s.LastSyncStatus,
		LastSyncMessage:     s.LastSyncMessage,
	}
}

func maskKey(k string) string {
	if len(k) <= 6 {
		return strings.Repeat("*", len(k))
	}
	return k[:3] + strings.Repeat("*", len(k)-6) + k[len(k)-3:]
}

// statusOverrides decodes the tenant's override table; a corrupt value is
// treated as no overrides.
func statusOverrides(s *models.SyncSettings) map[string]string {
	out := map[string]string{}
	if s == nil || len(s.StatusMappingJSON) == 0 {
		return out
	}
	if err := json.Unmarshal(s.StatusMappingJSON, &out); err != nil {
		return map[string]string{}
	}
	return out
}

type SettingsService struct {
	db      *gorm.DB
	logger  *logrus.Logger
	clients ClientFactory
	// interval applied when a save omits syncIntervalMinutes
	defaultInterval int
}

func NewSettingsService(db *gorm.DB, logger *logrus.Logger, clients ClientFactory, defaultInterval int) *SettingsService {
	return &SettingsService{db: db, logger: logger, clients: clients, defaultInterval: defaultInterval}
}

func (s *SettingsService) Get(ctx context.Context, companyId string) (*models.SyncSettings, error) {
	ctx = utils.TenantContext(ctx, companyId)
	var out models.SyncSettings
	err := s.db.WithContext(ctx).Where("company_id = ?", companyId).First(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSettingsNotFound
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Save validates input, proves the credentials against the store and only then
// persists them.
func (s *SettingsService) Save(ctx context.Context, companyId string, in SettingsInput) (*models.SyncSettings, error) {
	if err := utils.ValidateStruct(in); err != nil {
		return nil, err
	}
	if err := ValidateStatusMapping(in.StatusMapping); err != nil {
		return nil, err
	}

	current, err := s.Get(ctx, companyId)
	if err != nil && !errors.Is(err, ErrSettingsNotFound) {
		return nil, err
	}

	next := models.SyncSettings{CompanyId: companyId}
	if current != nil {
		next = *current
	}
	next.StoreUrl = strings.TrimRight(strings.TrimSpace(in.StoreUrl), "/")
	next.ConsumerKey = strings.TrimSpace(in.ConsumerKey)
	if in.ConsumerSecret != "" {
		next.ConsumerSecret = strings.TrimSpace(in.ConsumerSecret)
	}
	if next.ConsumerSecret == "" {
		return nil, utils.NewValidationError("consumerSecret", "is required")
	}
	next.SyncEnabled = in.SyncEnabled
	next.SyncDirection = in.SyncDirection
	if next.SyncDirection == "" {
		next.SyncDirection = models.SyncDirectionBoth
	}
	next.SyncIntervalMinutes = in.SyncIntervalMinutes
	if next.SyncIntervalMinutes == 0 {
		next.SyncIntervalMinutes = max(s.defaultInterval, 1)
	}
	next.WebhookEnabled = in.WebhookEnabled
	if in.WebhookSecret != nil {
		next.WebhookSecret = strings.TrimSpace(*in.WebhookSecret)
	}
	mapping := in.StatusMapping
	if mapping == nil {
		mapping = map[string]string{}
	}
	next.StatusMappingJSON = utils.EncodeJSON(mapping)

	// no transaction is open during the remote call
	if err := s.testConnection(ctx, &next); err != nil {
		return nil, err
	}

	ctx = utils.TenantContext(ctx, companyId)
	db := s.db.WithContext(ctx)
	if current == nil {
		next.LastSyncStatus = models.SyncStatusIdle
		if err := db.Create(&next).Error; err != nil {
			return nil, err
		}
	} else {
		err := db.Model(&models.SyncSettings{}).
			Where("id = ? AND company_id = ?", current.ID, companyId).
			Updates(map[string]interface{}{
				"store_url":             next.StoreUrl,
				"consumer_key":          next.ConsumerKey,
				"consumer_secret":       next.ConsumerSecret,
				"sync_enabled":          next.SyncEnabled,
				"sync_direction":        next.SyncDirection,
				"sync_interval_minutes": next.SyncIntervalMinutes,
				"webhook_enabled":       next.WebhookEnabled,
				"webhook_secret":        next.WebhookSecret,
				"status_mapping_json":   next.StatusMappingJSON,
			}).Error
		if err != nil {
			return nil, err
		}
	}
	s.logger.WithFields(logrus.Fields{
		"company_id":     companyId,
		"sync_enabled":   next.SyncEnabled,
		"sync_direction": next.SyncDirection,
	}).Info("order sync settings saved")
	return &next, nil
}

// TestConnection checks the stored credentials, or the given input when provided.
func (s *SettingsService) TestConnection(ctx context.Context, companyId string, in *SettingsInput) error {
	var target *models.SyncSettings
	if in != nil && in.StoreUrl != "" {
		target = &models.SyncSettings{
			CompanyId:      companyId,
			StoreUrl:       in.StoreUrl,
			ConsumerKey:    in.ConsumerKey,
			ConsumerSecret: in.ConsumerSecret,
		}
		if target.ConsumerSecret == "" {
			if cur, err := s.Get(ctx, companyId); err == nil {
				target.ConsumerSecret = cur.ConsumerSecret
			}
		}
	} else {
		cur, err := s.Get(ctx, companyId)
		if err != nil {
			return err
		}
		target = cur
	}
	return s.testConnection(ctx, target)
}

func (s *SettingsService) testConnection(ctx context.Context, target *models.SyncSettings) error {
	client, err := s.clients(target)
	if err != nil {
		return utils.NewValidationError("storeUrl", "%s", err.Error())
	}
	return pingStore(ctx, client)
}

// ListSyncEnabled returns every tenant with polling on. It runs without a
// tenant in context, so it opts out of the tenant guard explicitly.
func (s *SettingsService) ListSyncEnabled(ctx context.Context) ([]models.SyncSettings, error) {
	ctx = utils.SetSkipTenantScopeInContext(ctx, true)
	var out []models.SyncSettings
	err := s.db.WithContext(ctx).Where("sync_enabled = ?", true).Order("company_id").Find(&out).Error
	return out, err
}

// recordSyncResult stores the outcome of a polling pass. lastSyncAt is only
// moved when syncedAt is non-nil.
func (s *SettingsService) recordSyncResult(ctx context.Context, st *models.SyncSettings, syncedAt *time.Time, status, message string) error {
	ctx = utils.TenantContext(ctx, st.CompanyId)
	cols := map[string]interface{}{
		"last_sync_status":  status,
		"last_sync_message": truncate(message, 1000),
	}
	if syncedAt != nil {
		cols["last_sync_at"] = *syncedAt
	}
	return s.db.WithContext(ctx).Model(&models.SyncSettings{}).
		Where("id = ? AND company_id = ?", st.ID, st.CompanyId).
		Updates(cols).Error
}
