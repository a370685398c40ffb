package ordersync

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"bitbucket.org/mmdatafocus/order_sync_backend/models"
	"bitbucket.org/mmdatafocus/order_sync_backend/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validInput() SettingsInput {
	secret := "whsec_1"
	return SettingsInput{
		StoreUrl:       "https://shop.example.com/",
		ConsumerKey:    "ck_live_abcdef123",
		ConsumerSecret: "cs_live_secret",
		SyncEnabled:    true,
		WebhookEnabled: true,
		WebhookSecret:  &secret,
		StatusMapping:  map[string]string{"awaiting-pickup": "SHIPPED"},
	}
}

func TestSettingsSaveCreatesThenUpdates(t *testing.T) {
	db := setupTestDB(t)
	store := newFakeStore()
	e := newTestEngine(t, db, store)
	ctx := context.Background()

	saved, err := e.Settings.Save(ctx, testCompany, validInput())
	require.NoError(t, err)
	assert.Equal(t, "https://shop.example.com", saved.StoreUrl)
	assert.Equal(t, models.SyncDirectionBoth, saved.SyncDirection)
	assert.Equal(t, testSyncConfig().DefaultIntervalMinutes, saved.SyncIntervalMinutes)
	assert.Equal(t, models.SyncStatusIdle, saved.LastSyncStatus)
	assert.Len(t, store.lists, 1, "credentials are checked before saving")

	// blank secret and nil webhook secret keep the stored values
	in := validInput()
	in.ConsumerSecret = ""
	in.WebhookSecret = nil
	in.SyncDirection = models.SyncDirectionImportOnly
	in.SyncIntervalMinutes = 30
	_, err = e.Settings.Save(ctx, testCompany, in)
	require.NoError(t, err)

	got, err := e.Settings.Get(ctx, testCompany)
	require.NoError(t, err)
	assert.Equal(t, "cs_live_secret", got.ConsumerSecret)
	assert.Equal(t, "whsec_1", got.WebhookSecret)
	assert.Equal(t, models.SyncDirectionImportOnly, got.SyncDirection)
	assert.Equal(t, 30, got.SyncIntervalMinutes)
	assert.Equal(t, map[string]string{"awaiting-pickup": "SHIPPED"}, statusOverrides(got))
	assert.EqualValues(t, 1, countRows(t, db, &models.SyncSettings{}, ""))
}

func TestSettingsSaveValidation(t *testing.T) {
	db := setupTestDB(t)
	e := newTestEngine(t, db, newFakeStore())

	cases := map[string]func(in *SettingsInput){
		"missing url":      func(in *SettingsInput) { in.StoreUrl = "" },
		"bad url":          func(in *SettingsInput) { in.StoreUrl = "not a url" },
		"missing key":      func(in *SettingsInput) { in.ConsumerKey = "" },
		"missing secret":   func(in *SettingsInput) { in.ConsumerSecret = "" },
		"bad direction":    func(in *SettingsInput) { in.SyncDirection = "sideways" },
		"interval too big": func(in *SettingsInput) { in.SyncIntervalMinutes = 5000 },
		"bad mapping":      func(in *SettingsInput) { in.StatusMapping = map[string]string{"x": "LOST"} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := validInput()
			mutate(&in)
			_, err := e.Settings.Save(context.Background(), testCompany, in)
			require.Error(t, err)
			assert.Equal(t, utils.ErrorKindValidation, utils.ClassifyError(err))
		})
	}
	assert.EqualValues(t, 0, countRows(t, db, &models.SyncSettings{}, ""))
}

func TestSettingsSaveRejectsBadCredentials(t *testing.T) {
	db := setupTestDB(t)
	store := newFakeStore()
	store.listErr = &RemoteError{Method: http.MethodGet, Path: "/orders", StatusCode: http.StatusUnauthorized, Code: "woocommerce_rest_cannot_view"}
	e := newTestEngine(t, db, store)

	_, err := e.Settings.Save(context.Background(), testCompany, validInput())
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.EqualValues(t, 0, countRows(t, db, &models.SyncSettings{}, ""))

	err = e.Settings.TestConnection(context.Background(), testCompany, nil)
	assert.ErrorIs(t, err, ErrSettingsNotFound)
	in := validInput()
	err = e.Settings.TestConnection(context.Background(), testCompany, &in)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestSettingsViewMasksSecrets(t *testing.T) {
	db := setupTestDB(t)
	st := seedSettings(t, db, testCompany, withSecret)

	view := NewSettingsView(st)
	assert.Equal(t, "ck_********456", view.ConsumerKey)
	assert.True(t, view.HasConsumerSecret)
	assert.True(t, view.HasWebhookSecret)

	b, err := json.Marshal(view)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "cs_test_secret")
	assert.NotContains(t, string(b), testWebhookSecret)

	b, err = json.Marshal(st)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "cs_test_secret")
}

func TestStatusOverridesToleratesCorruptJSON(t *testing.T) {
	assert.Empty(t, statusOverrides(&models.SyncSettings{StatusMappingJSON: []byte("{not json")}))
	assert.Empty(t, statusOverrides(nil))
}
