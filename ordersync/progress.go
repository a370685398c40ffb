package ordersync

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/order_sync_backend/models"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	ProgressEventProgress  = "progress"
	ProgressEventCompleted = "completed"
	ProgressEventFailed    = "failed"
	ProgressEventPaused    = "paused"
	ProgressEventCancelled = "cancelled"
)

// ProgressEvent carries the full checkpoint so a late observer needs no
// separate fetch.
type ProgressEvent struct {
	JobId      string                  `json:"jobId"`
	CompanyId  string                  `json:"companyId"`
	Type       string                  `json:"type"`
	Status     string                  `json:"status"`
	Checkpoint models.ImportCheckpoint `json:"checkpoint"`
	Message    string                  `json:"message"`
	Timestamp  time.Time               `json:"timestamp"`
}

func progressTopic(companyId string) string { return "import-progress:" + companyId }

// ProgressBroker fans progress events out to observers of one company.
type ProgressBroker interface {
	Subscribe(companyId string) chan ProgressEvent
	Unsubscribe(companyId string, ch chan ProgressEvent)
	Publish(companyId string, evt ProgressEvent)
}

type MemoryBroker struct {
	mu   sync.Mutex
	subs map[string]map[chan ProgressEvent]struct{}
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: map[string]map[chan ProgressEvent]struct{}{}}
}

func (b *MemoryBroker) Subscribe(companyId string) chan ProgressEvent {
	ch := make(chan ProgressEvent, 16)
	b.mu.Lock()
	if b.subs[companyId] == nil {
		b.subs[companyId] = map[chan ProgressEvent]struct{}{}
	}
	b.subs[companyId][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *MemoryBroker) Unsubscribe(companyId string, ch chan ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.subs[companyId]
	if _, ok := m[ch]; !ok {
		return
	}
	delete(m, ch)
	if len(m) == 0 {
		delete(b.subs, companyId)
	}
	close(ch)
}

// Publish never blocks; slow observers drop events.
func (b *MemoryBroker) Publish(companyId string, evt ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[companyId] {
		select {
		case ch <- evt:
		default:
		}
	}
}

// RedisBroker shares progress across instances over Redis pub/sub.
type RedisBroker struct {
	rdb    *redis.Client
	logger *logrus.Logger

	mu   sync.Mutex
	subs map[chan ProgressEvent]*redis.PubSub
}

func NewRedisBroker(rdb *redis.Client, logger *logrus.Logger) *RedisBroker {
	return &RedisBroker{rdb: rdb, logger: logger, subs: map[chan ProgressEvent]*redis.PubSub{}}
}

func (b *RedisBroker) Subscribe(companyId string) chan ProgressEvent {
	ch := make(chan ProgressEvent, 16)
	ctx := context.Background()
	ps := b.rdb.Subscribe(ctx, progressTopic(companyId))
	// wait for the subscription confirmation
	if _, err := ps.Receive(ctx); err != nil {
		b.logger.WithField("company_id", companyId).Warn("progress subscribe failed: " + err.Error())
	}
	b.mu.Lock()
	b.subs[ch] = ps
	b.mu.Unlock()

	go func() {
		for msg := range ps.Channel() {
			var evt ProgressEvent
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				continue
			}
			b.mu.Lock()
			if _, ok := b.subs[ch]; ok {
				select {
				case ch <- evt:
				default:
				}
			}
			b.mu.Unlock()
		}
	}()
	return ch
}

func (b *RedisBroker) Unsubscribe(_ string, ch chan ProgressEvent) {
	b.mu.Lock()
	ps, ok := b.subs[ch]
	delete(b.subs, ch)
	b.mu.Unlock()
	if !ok {
		return
	}
	_ = ps.Close()
	close(ch)
}

func (b *RedisBroker) Publish(companyId string, evt ProgressEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, _ := json.Marshal(evt)
	if err := b.rdb.Publish(ctx, progressTopic(companyId), data).Err(); err != nil {
		b.logger.WithFields(logrus.Fields{"company_id": companyId, "job_id": evt.JobId}).
			Warn("progress publish failed: " + err.Error())
	}
}

var progressUpgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

const (
	wsPingInterval = 20 * time.Second
	wsReadTimeout  = 60 * time.Second
)

// ServeProgress upgrades the request and streams the company's progress events
// until the client goes away.
func ServeProgress(w http.ResponseWriter, r *http.Request, broker ProgressBroker, companyId string) {
	conn, err := progressUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	ch := broker.Subscribe(companyId)
	defer broker.Unsubscribe(companyId, ch)

	var writeMu sync.Mutex
	write := func(fn func() error) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return fn()
	}

	done := make(chan struct{})
	// read loop only services pongs and close frames
	go func() {
		defer close(done)
		conn.SetReadLimit(1 << 16)
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := write(func() error { return conn.WriteMessage(websocket.PingMessage, nil) }); err != nil {
				return
			}
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := write(func() error { return conn.WriteJSON(evt) }); err != nil {
				return
			}
		}
	}
}
