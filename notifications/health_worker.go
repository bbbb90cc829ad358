package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"track-record-engine/helpers"
	"track-record-engine/metrics"
	"track-record-engine/storage"
)

// HealthRequest is the JSON body posted to the downstream evaluator.
type HealthRequest struct {
	InstanceID string  `json:"instanceId"`
	SeqNo      int64   `json:"seqNo"`
	EventHash  string  `json:"eventHash"`
	Ticket     int64   `json:"ticket"`
	Symbol     string  `json:"symbol"`
	NetProfit  float64 `json:"netProfit"`
	Balance    float64 `json:"balance"`
	Message    string  `json:"message"`
}

// healthResponse is the optional synchronous answer of the evaluator.
type healthResponse struct {
	Score *float64 `json:"score"`
}

// WorkerConfig configures a HealthWorker.
type WorkerConfig struct {
	URL         string
	AuthToken   string
	Currency    string
	Concurrency int
	MaxAttempts int
	PollTimeout time.Duration
}

// HealthWorker drains the health queue and delivers each task to the
// evaluator. Delivery failures never reach the ledger.
type HealthWorker struct {
	queue    *HealthQueue
	cfg      WorkerConfig
	client   *http.Client
	recorder storage.EvidenceStore
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewHealthWorker creates a worker. recorder may be nil; when set, scores the
// evaluator returns synchronously are stored directly.
func NewHealthWorker(queue *HealthQueue, cfg WorkerConfig, recorder storage.EvidenceStore, logger zerolog.Logger, m *metrics.Metrics) *HealthWorker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Second
	}
	return &HealthWorker{
		queue:    queue,
		cfg:      cfg,
		client:   &http.Client{Timeout: 10 * time.Second},
		recorder: recorder,
		logger:   logger.With().Str("component", "health_worker").Logger(),
		metrics:  m,
		now:      time.Now,
	}
}

// Run processes tasks until ctx is cancelled.
func (w *HealthWorker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				if _, err := w.ProcessOne(ctx); err != nil && ctx.Err() == nil {
					w.logger.Warn().Err(err).Msg("health queue unavailable")
					select {
					case <-ctx.Done():
					case <-time.After(time.Second):
					}
				}
			}
		}()
	}
	wg.Wait()
}

// ProcessOne waits for one task and delivers it. It reports whether a task
// was handled.
func (w *HealthWorker) ProcessOne(ctx context.Context) (bool, error) {
	env, ok, err := w.queue.Next(ctx, w.cfg.PollTimeout)
	if err != nil || !ok {
		return false, err
	}

	env.Attempts++
	if err := w.deliver(ctx, env); err != nil {
		env.LastErr = err.Error()
		if env.Attempts >= w.cfg.MaxAttempts {
			w.metrics.ObserveHealthTask("failed")
			w.logger.Error().Err(err).
				Str("instance_id", env.Task.InstanceID).
				Int64("seq_no", env.Task.SeqNo).
				Int("attempts", env.Attempts).
				Msg("health task dead-lettered")
			return true, w.queue.DeadLetter(ctx, env)
		}
		w.metrics.ObserveHealthTask("retried")
		return true, w.queue.Requeue(ctx, env)
	}
	w.metrics.ObserveHealthTask("delivered")
	return true, nil
}

func (w *HealthWorker) deliver(ctx context.Context, env Envelope) error {
	if w.cfg.URL == "" {
		return fmt.Errorf("health evaluator url not configured")
	}
	task := env.Task
	body, err := json.Marshal(HealthRequest{
		InstanceID: task.InstanceID,
		SeqNo:      task.SeqNo,
		EventHash:  task.EventHash,
		Ticket:     task.Ticket,
		Symbol:     task.Symbol,
		NetProfit:  task.NetProfit,
		Balance:    task.Balance,
		Message: fmt.Sprintf("%s #%d closed %s, balance %s",
			task.Symbol, task.Ticket,
			helpers.FormatSigned(w.cfg.Currency, task.NetProfit),
			helpers.FormatMoney(w.cfg.Currency, task.Balance)),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "track-record-engine/1.0")
	if w.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+w.cfg.AuthToken)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("evaluator answered %d", resp.StatusCode)
	}

	var answer healthResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if len(data) == 0 || json.Unmarshal(data, &answer) != nil || answer.Score == nil || w.recorder == nil {
		return nil
	}
	err = w.recorder.RecordHealthScore(ctx, storage.HealthScore{
		InstanceID: task.InstanceID,
		SeqNo:      task.SeqNo,
		Score:      *answer.Score,
		RecordedAt: w.now().UTC(),
	})
	if err != nil {
		// Delivered; the score will arrive again through the health endpoint.
		w.logger.Warn().Err(err).Str("instance_id", task.InstanceID).Msg("health score not recorded")
	}
	return nil
}
