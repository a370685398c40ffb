package ordersync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"

	"bitbucket.org/mmdatafocus/order_sync_backend/config"
	"bitbucket.org/mmdatafocus/order_sync_backend/models"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Dispatcher hands a running job to a worker.
type Dispatcher interface {
	Dispatch(ctx context.Context, job *models.ImportJob) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, job *models.ImportJob) error

func (f DispatcherFunc) Dispatch(ctx context.Context, job *models.ImportJob) error { return f(ctx, job) }

// LocalDispatcher runs jobs on goroutines of this process.
type LocalDispatcher struct {
	jobs   *JobManager
	logger *logrus.Logger
	wg     sync.WaitGroup
}

func NewLocalDispatcher(jobs *JobManager, logger *logrus.Logger) *LocalDispatcher {
	return &LocalDispatcher{jobs: jobs, logger: logger}
}

func (d *LocalDispatcher) Dispatch(ctx context.Context, job *models.ImportJob) error {
	companyId, id := job.CompanyId, job.ID
	runCtx := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.jobs.Run(runCtx, companyId, id); err != nil && !errors.Is(err, ErrJobBusy) {
			d.logger.WithFields(logrus.Fields{"company_id": companyId, "job_id": id}).
				Warn("import job run ended with error: " + err.Error())
		}
	}()
	return nil
}

// Wait blocks until every dispatched run has returned.
func (d *LocalDispatcher) Wait() { d.wg.Wait() }

// PubSubDispatcher publishes the job id; the push subscription calls back
// into JobPushHandler on whichever instance receives it.
type PubSubDispatcher struct {
	topic   string
	publish func(ctx context.Context, topic string, obj interface{}) (string, error)
	logger  *logrus.Logger
}

func NewPubSubDispatcher(topic string, logger *logrus.Logger) *PubSubDispatcher {
	return &PubSubDispatcher{topic: topic, publish: config.PublishJSON, logger: logger}
}

func (d *PubSubDispatcher) Dispatch(ctx context.Context, job *models.ImportJob) error {
	msgId, err := d.publish(ctx, d.topic, ImportJobPubSubPayload{JobId: job.ID, CompanyId: job.CompanyId})
	if err != nil {
		return err
	}
	d.logger.WithFields(logrus.Fields{"company_id": job.CompanyId, "job_id": job.ID, "message_id": msgId}).
		Info("import job dispatched")
	return nil
}

// JobPushHandler serves the Pub/Sub push endpoint. It always answers 204:
// the job row records failures and a resume retries them, so redelivery
// would only duplicate work.
func JobPushHandler(jobs *JobManager, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !config.ImportJobPushEnabled() {
			c.Status(http.StatusNoContent)
			return
		}
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(http.StatusNoContent)
			return
		}
		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			c.Status(http.StatusNoContent)
			return
		}
		var payload ImportJobPubSubPayload
		if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil {
			c.Status(http.StatusNoContent)
			return
		}
		if payload.JobId == "" || payload.CompanyId == "" {
			c.Status(http.StatusNoContent)
			return
		}

		// the remote call in flight finishes even if the push connection drops
		runCtx := context.WithoutCancel(c.Request.Context())
		if err := jobs.Run(runCtx, payload.CompanyId, payload.JobId); err != nil {
			logger.WithFields(logrus.Fields{
				"company_id": payload.CompanyId,
				"job_id":     payload.JobId,
				"message_id": envelope.Message.MessageId,
			}).Warn("pushed import job run failed: " + err.Error())
		}
		c.Status(http.StatusNoContent)
	}
}
