package ordersync

import (
	"errors"

	"bitbucket.org/mmdatafocus/order_sync_backend/utils"
)

var (
	ErrSettingsNotFound   = errors.New("order sync is not configured for this company")
	ErrSyncDisabled       = errors.New("order sync is disabled for this company")
	ErrDirectionDisabled  = errors.New("sync direction does not allow this operation")
	ErrInvalidCredentials = errors.New("store rejected the consumer key/secret")
	ErrOrderNotFound      = errors.New("order not found")
	ErrJobNotFound        = errors.New("import job not found")
	ErrInvalidTransition  = errors.New("import job cannot make that transition")
	ErrJobBusy            = errors.New("import job is already being driven by another worker")
	ErrLedgerSealed       = errors.New("sync log entry is already completed")
)

type ValidationError = utils.ValidationError
