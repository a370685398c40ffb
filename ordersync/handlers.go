package ordersync

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"bitbucket.org/mmdatafocus/order_sync_backend/models"
	"bitbucket.org/mmdatafocus/order_sync_backend/utils"
	"github.com/gin-gonic/gin"
)

const (
	HeaderCompanyId = "X-Company-Id"
	ginKeyCompanyId = "companyId"
	maxWebhookBody  = 5 << 20
)

type apiResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func respond(c *gin.Context, status int, msg string, data interface{}) {
	c.JSON(status, apiResponse{Success: status < 400, Message: msg, Data: data})
}

func statusForError(err error) int {
	var vErr *ValidationError
	var rErr *RemoteError
	switch {
	case errors.As(err, &vErr):
		return http.StatusBadRequest
	case errors.Is(err, ErrInvalidCredentials):
		return http.StatusBadRequest
	case errors.Is(err, ErrSettingsNotFound), errors.Is(err, ErrJobNotFound), errors.Is(err, ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrJobBusy), errors.Is(err, ErrPassInProgress), errors.Is(err, ErrDirectionDisabled):
		return http.StatusConflict
	case errors.As(err, &rErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	respond(c, statusForError(err), err.Error(), nil)
}

// TenantMiddleware resolves the caller's company from a signed token (header
// "token", or ?token= for websocket clients) or, when allowed, from
// X-Company-Id.
func TenantMiddleware(secret string, allowCompanyHeader bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimSpace(c.GetHeader("token"))
		if token == "" {
			token = strings.TrimSpace(c.Query("token"))
		}
		companyId := ""
		if token != "" && secret != "" {
			claim, err := utils.TenantTokenValidate(secret, token)
			if err != nil {
				respond(c, http.StatusUnauthorized, "invalid token", nil)
				c.Abort()
				return
			}
			companyId = claim.CompanyId
		} else if allowCompanyHeader {
			companyId = strings.TrimSpace(c.GetHeader(HeaderCompanyId))
		}
		if companyId == "" {
			respond(c, http.StatusUnauthorized, "unauthorized", nil)
			c.Abort()
			return
		}
		ctx := utils.SetCompanyIdInContext(c.Request.Context(), companyId)
		if token != "" {
			ctx = utils.SetTokenInContext(ctx, token)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Set(ginKeyCompanyId, companyId)
		c.Next()
	}
}

func companyIdOf(c *gin.Context) string {
	return c.GetString(ginKeyCompanyId)
}

// RegisterRoutes mounts the webhook, the tenant control API and the Pub/Sub
// push endpoint.
func (e *Engine) RegisterRoutes(r gin.IRouter, tenant gin.HandlerFunc) {
	r.POST("/webhook/:companyId", e.webhookHandler())
	r.POST("/pubsub/import-jobs", JobPushHandler(e.Jobs, e.Logger))

	api := r.Group("/api/order-sync", tenant)
	api.GET("/settings", e.getSettingsHandler())
	api.PUT("/settings", e.saveSettingsHandler())
	api.POST("/settings/test-connection", e.testConnectionHandler())
	api.POST("/orders/import", e.importOrdersHandler())
	api.POST("/orders/export", e.exportOrdersHandler())
	api.POST("/auto-sync", e.autoSyncHandler())
	api.GET("/sync-logs", e.syncLogsHandler())
	api.GET("/sync-logs/export", e.syncLogsExportHandler())
	api.POST("/scheduler/set-interval", e.setIntervalHandler())

	api.POST("/import-jobs", e.createJobHandler())
	api.GET("/import-jobs", e.listJobsHandler())
	api.GET("/import-jobs/ws", e.progressWSHandler())
	api.GET("/import-jobs/:id", e.getJobHandler())
	api.POST("/import-jobs/:id/start", e.jobActionHandler(e.Jobs.Start))
	api.POST("/import-jobs/:id/pause", e.jobActionHandler(e.Jobs.Pause))
	api.POST("/import-jobs/:id/resume", e.jobActionHandler(e.Jobs.Resume))
	api.POST("/import-jobs/:id/cancel", e.jobActionHandler(e.Jobs.Cancel))
}

func (e *Engine) webhookHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		companyId := strings.TrimSpace(c.Param("companyId"))
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
		if err != nil {
			respond(c, http.StatusOK, "could not read body; ignored", nil)
			return
		}
		res := e.Webhooks.Handle(c.Request.Context(), companyId, c.Request.Header, body)
		c.JSON(res.HTTPStatus, res)
	}
}

func (e *Engine) getSettingsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		st, err := e.Settings.Get(c.Request.Context(), companyIdOf(c))
		if err != nil {
			respondError(c, err)
			return
		}
		respond(c, http.StatusOK, "ok", NewSettingsView(st))
	}
}

func (e *Engine) saveSettingsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var in SettingsInput
		if err := c.ShouldBindJSON(&in); err != nil {
			respond(c, http.StatusBadRequest, "invalid request: "+err.Error(), nil)
			return
		}
		st, err := e.Settings.Save(c.Request.Context(), companyIdOf(c), in)
		if err != nil {
			respondError(c, err)
			return
		}
		respond(c, http.StatusOK, "settings saved", NewSettingsView(st))
	}
}

func (e *Engine) testConnectionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var in *SettingsInput
		if c.Request.ContentLength != 0 {
			var body SettingsInput
			if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
				respond(c, http.StatusBadRequest, "invalid request: "+err.Error(), nil)
				return
			}
			in = &body
		}
		if err := e.Settings.TestConnection(c.Request.Context(), companyIdOf(c), in); err != nil {
			respondError(c, err)
			return
		}
		respond(c, http.StatusOK, "connection ok", nil)
	}
}

type importOrdersResponse struct {
	BatchResult
	Status string `json:"status"`
}

func (e *Engine) importOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		companyId := companyIdOf(c)
		var req ImportOrdersRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respond(c, http.StatusBadRequest, "invalid request: "+err.Error(), nil)
			return
		}
		if err := utils.ValidateStruct(req); err != nil {
			respondError(c, err)
			return
		}
		if req.DuplicateAction == "" {
			req.DuplicateAction = DuplicateSkip
		}

		overrides := map[string]string{}
		st, err := e.Settings.Get(ctx, companyId)
		switch {
		case err == nil:
			if !st.SyncDirection.AllowsImport() {
				respondError(c, ErrDirectionDisabled)
				return
			}
			overrides = statusOverrides(st)
		case !errors.Is(err, ErrSettingsNotFound):
			respondError(c, err)
			return
		}

		entry, err := e.Ledger.Begin(ctx, LedgerEntry{
			CompanyId:   companyId,
			Type:        models.SyncLogTypeOrderImport,
			Direction:   models.SyncLogDirectionImport,
			TriggeredBy: models.TriggeredByManual,
		})
		if err != nil {
			respondError(c, err)
			return
		}
		res, err := e.Importer.ImportBatch(ctx, companyId, req.Orders, ImportOptions{
			DuplicateAction: req.DuplicateAction,
			StatusOverrides: overrides,
			TriggeredBy:     models.TriggeredByManual,
		})
		fatal := ""
		if err != nil {
			fatal = err.Error()
		}
		e.Ledger.completeQuietly(ctx, entry, outcomeFromBatch(res, fatal))
		if err != nil {
			respondError(c, err)
			return
		}
		out := importOrdersResponse{BatchResult: res, Status: res.Status()}
		respond(c, http.StatusOK, "import finished with status "+out.Status, out)
	}
}

func (e *Engine) exportOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ExportOrdersRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respond(c, http.StatusBadRequest, "invalid request: "+err.Error(), nil)
			return
		}
		if err := utils.ValidateStruct(req); err != nil {
			respondError(c, err)
			return
		}
		ids := make([]uint, 0, len(req.OrderIds))
		for i, raw := range req.OrderIds {
			id, err := strconv.ParseUint(raw.String(), 10, 64)
			if err != nil || id == 0 {
				respondError(c, utils.NewValidationError("orderIds["+strconv.Itoa(i)+"]", "must be a positive integer"))
				return
			}
			ids = append(ids, uint(id))
		}
		summary, err := e.Exporter.ExportMany(c.Request.Context(), companyIdOf(c), utils.UniqueSlice(ids))
		if err != nil {
			respondError(c, err)
			return
		}
		respond(c, http.StatusOK, "export finished with status "+summary.Status, summary)
	}
}

func (e *Engine) autoSyncHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		pass, err := e.Scheduler.SyncNow(c.Request.Context(), companyIdOf(c))
		if err != nil {
			respondError(c, err)
			return
		}
		respond(c, http.StatusOK, "sync finished with status "+pass.Status, pass)
	}
}

func (e *Engine) syncLogsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var f SyncLogFilter
		if err := c.ShouldBindQuery(&f); err != nil {
			respond(c, http.StatusBadRequest, "invalid query: "+err.Error(), nil)
			return
		}
		page, err := e.Ledger.List(c.Request.Context(), companyIdOf(c), f)
		if err != nil {
			respondError(c, err)
			return
		}
		respond(c, http.StatusOK, "ok", page)
	}
}

func (e *Engine) syncLogsExportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var f SyncLogFilter
		if err := c.ShouldBindQuery(&f); err != nil {
			respond(c, http.StatusBadRequest, "invalid query: "+err.Error(), nil)
			return
		}
		c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		c.Header("Content-Disposition", "attachment; filename=sync-logs.xlsx")
		if err := e.Ledger.ExportXLSX(c.Request.Context(), companyIdOf(c), f, c.Writer); err != nil {
			e.Logger.WithField("company_id", companyIdOf(c)).Error("sync log export failed: " + err.Error())
			c.Status(http.StatusInternalServerError)
		}
	}
}

func (e *Engine) setIntervalHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SetIntervalRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respond(c, http.StatusBadRequest, "invalid request: "+err.Error(), nil)
			return
		}
		if err := utils.ValidateStruct(req); err != nil {
			respondError(c, err)
			return
		}
		if err := e.Scheduler.SetInterval(req.Minutes); err != nil {
			respondError(c, err)
			return
		}
		respond(c, http.StatusOK, "scheduler interval updated", gin.H{"minutes": req.Minutes})
	}
}

func (e *Engine) createJobHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateImportJobRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
				respond(c, http.StatusBadRequest, "invalid request: "+err.Error(), nil)
				return
			}
		}
		job, err := e.Jobs.Create(c.Request.Context(), companyIdOf(c), req)
		if err != nil {
			respondError(c, err)
			return
		}
		respond(c, http.StatusCreated, "import job created", NewJobView(job))
	}
}

func (e *Engine) listJobsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.Query("limit"))
		jobs, err := e.Jobs.List(c.Request.Context(), companyIdOf(c), limit)
		if err != nil {
			respondError(c, err)
			return
		}
		views := make([]*JobView, 0, len(jobs))
		for i := range jobs {
			views = append(views, NewJobView(&jobs[i]))
		}
		respond(c, http.StatusOK, "ok", views)
	}
}

func (e *Engine) getJobHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		job, err := e.Jobs.Get(c.Request.Context(), companyIdOf(c), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		respond(c, http.StatusOK, "ok", NewJobView(job))
	}
}

func (e *Engine) jobActionHandler(action func(context.Context, string, string) (*models.ImportJob, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		job, err := action(c.Request.Context(), companyIdOf(c), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		respond(c, http.StatusOK, "import job is "+job.Status, NewJobView(job))
	}
}

func (e *Engine) progressWSHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ServeProgress(c.Writer, c.Request, e.Broker, companyIdOf(c))
	}
}
