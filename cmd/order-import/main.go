package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"bitbucket.org/mmdatafocus/order_sync_backend/config"
	"bitbucket.org/mmdatafocus/order_sync_backend/models"
	"bitbucket.org/mmdatafocus/order_sync_backend/ordersync"
)

func main() {
	companyId := flag.String("company-id", "", "Company to import orders for (required).")
	batchSize := flag.Int("batch-size", 0, "Orders per page (1-100). Defaults to IMPORT_JOB_BATCH_SIZE.")
	duplicateAction := flag.String("duplicate-action", "skip", "What to do with orders that already exist: skip or update.")
	statusFilter := flag.String("status", "", "Optional: only import orders with this remote status.")
	after := flag.String("after", "", "Optional: only import orders created after this RFC3339 timestamp.")
	resume := flag.String("resume", "", "Optional: id of a paused or failed job to resume instead of creating one.")
	flag.Parse()

	if strings.TrimSpace(*companyId) == "" {
		fmt.Fprintln(os.Stderr, "--company-id is required")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	config.SetLogLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	config.ConnectDatabaseWithRetry(cfg)
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		os.Exit(1)
	}
	if !cfg.SkipMigrations {
		if err := models.MigrateTable(db); err != nil {
			fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
			os.Exit(1)
		}
	}

	// Pub/Sub dispatch makes no sense for a foreground run.
	cfg.Sync.ImportJobTopic = ""
	engine := ordersync.NewEngine(ordersync.Options{DB: db, Config: cfg.Sync})
	engine.Jobs.SetDispatcher(ordersync.DispatcherFunc(func(context.Context, *models.ImportJob) error { return nil }))

	cid := strings.TrimSpace(*companyId)
	bg := context.WithoutCancel(ctx)

	var job *models.ImportJob
	if id := strings.TrimSpace(*resume); id != "" {
		job, err = engine.Jobs.Resume(bg, cid, id)
	} else {
		job, err = engine.Jobs.Create(bg, cid, ordersync.CreateImportJobRequest{
			BatchSize:       *batchSize,
			DuplicateAction: ordersync.DuplicateAction(*duplicateAction),
			StatusFilter:    strings.TrimSpace(*statusFilter),
			After:           strings.TrimSpace(*after),
		})
		if err == nil {
			job, err = engine.Jobs.Start(bg, cid, job.ID)
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "import job: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("import job %s running for company %s\n", job.ID, cid)

	events := engine.Broker.Subscribe(cid)
	defer engine.Broker.Unsubscribe(cid, events)
	go func() {
		for evt := range events {
			if evt.JobId != job.ID {
				continue
			}
			cp := evt.Checkpoint
			fmt.Printf("[%s] batch %d/%d  imported=%d updated=%d skipped=%d failed=%d  %s\n",
				evt.Type, cp.CurrentBatch, cp.TotalBatches, cp.Imported, cp.Updated, cp.Skipped, cp.Failed, evt.Message)
		}
	}()

	// Ctrl-C pauses the job so it can be picked up again with --resume.
	go func() {
		<-ctx.Done()
		if _, err := engine.Jobs.Pause(bg, cid, job.ID); err == nil {
			fmt.Println("pausing after the current batch...")
		}
	}()

	if err := engine.Jobs.Run(bg, cid, job.ID); err != nil {
		fmt.Fprintf(os.Stderr, "import job %s: %v\n", job.ID, err)
		os.Exit(1)
	}

	final, err := engine.Jobs.Get(bg, cid, job.ID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "import job %s: %v\n", job.ID, err)
		os.Exit(1)
	}
	view := ordersync.NewJobView(final)
	fmt.Printf("import job %s finished with status %s: imported=%d updated=%d skipped=%d failed=%d\n",
		final.ID, final.Status, view.Checkpoint.Imported, view.Checkpoint.Updated, view.Checkpoint.Skipped, view.Checkpoint.Failed)
	if final.Status == models.ImportJobStatusFailed {
		os.Exit(1)
	}
}
