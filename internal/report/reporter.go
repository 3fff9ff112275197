// Package report runs the periodic operator summary and the history
// retention job.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/logflow/internal/analyzer"
	"github.com/t77yq/logflow/internal/scheduler"
	"github.com/t77yq/logflow/internal/storage"
)

// SummarySubject is where periodic summaries are published.
const SummarySubject = "logflow.summary"

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Infow(msg, keysAndValues...)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}

// Summary is the operator-facing progress snapshot.
type Summary struct {
	Time        time.Time                `json:"time"`
	Chunks      scheduler.Stats          `json:"chunks"`
	WindowCount int                      `json:"window_count"`
	ParseErrors int64                    `json:"parse_errors"`
	Windows     map[string]windowSummary `json:"windows,omitempty"`
}

type windowSummary struct {
	RequestCount    int64   `json:"request_count"`
	ErrorRate       float64 `json:"error_rate"`
	AvgResponseTime float64 `json:"avg_response_time"`
}

// Reporter publishes progress summaries on a schedule and prunes old
// attempt history. nc may be nil, in which case summaries are only
// logged.
type Reporter struct {
	logger    *zap.Logger
	nc        *nats.Conn
	scheduler *scheduler.Scheduler
	analyzer  *analyzer.Analyzer
	history   storage.ChunkHistoryStorage
	retention time.Duration
	cron      *cron.Cron
}

// New creates a reporter. history may be nil to disable the cleanup
// job.
func New(nc *nats.Conn, sched *scheduler.Scheduler, an *analyzer.Analyzer,
	history storage.ChunkHistoryStorage, retention time.Duration, logger *zap.Logger) *Reporter {

	clog := &cronLogger{logger: logger.Named("cron")}
	return &Reporter{
		logger:    logger.Named("reporter"),
		nc:        nc,
		scheduler: sched,
		analyzer:  an,
		history:   history,
		retention: retention,
		cron:      cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(clog))),
	}
}

// Start registers the cron jobs and starts the schedule.
func (r *Reporter) Start(summarySchedule, cleanupSchedule string) error {
	if _, err := r.cron.AddFunc(summarySchedule, r.publishSummary); err != nil {
		return fmt.Errorf("failed to schedule summary job: %w", err)
	}
	if r.history != nil {
		if _, err := r.cron.AddFunc(cleanupSchedule, r.cleanupHistory); err != nil {
			return fmt.Errorf("failed to schedule cleanup job: %w", err)
		}
	}
	r.cron.Start()
	return nil
}

// Stop stops the schedule and waits for running jobs to finish.
func (r *Reporter) Stop() {
	<-r.cron.Stop().Done()
}

func (r *Reporter) publishSummary() {
	s := r.buildSummary(time.Now().UTC())

	r.logger.Info("Progress summary",
		zap.Int("pending", s.Chunks.Pending),
		zap.Int("assigned", s.Chunks.Assigned),
		zap.Int("processing", s.Chunks.Processing),
		zap.Int("completed", s.Chunks.Completed),
		zap.Int("failed", s.Chunks.Failed),
		zap.Int("windows", s.WindowCount),
		zap.Int64("parse_errors", s.ParseErrors))

	if r.nc == nil {
		return
	}
	data, err := json.Marshal(s)
	if err != nil {
		r.logger.Error("Failed to marshal summary", zap.Error(err))
		return
	}
	if err := r.nc.Publish(SummarySubject, data); err != nil {
		r.logger.Error("Failed to publish summary", zap.Error(err))
	}
}

func (r *Reporter) buildSummary(now time.Time) Summary {
	windows := r.analyzer.Snapshot(time.Time{}, time.Time{})
	s := Summary{
		Time:        now,
		Chunks:      r.scheduler.Stats(),
		WindowCount: len(windows),
		ParseErrors: r.analyzer.ParseErrors(),
		Windows:     make(map[string]windowSummary, len(windows)),
	}
	for key, w := range windows {
		s.Windows[key] = windowSummary{
			RequestCount:    w.RequestCount,
			ErrorRate:       w.ErrorRate,
			AvgResponseTime: w.AvgResponseTime,
		}
	}
	return s
}

func (r *Reporter) cleanupHistory() {
	cutoff := time.Now().Add(-r.retention)
	if err := r.history.DeleteBefore(context.Background(), cutoff); err != nil {
		r.logger.Error("Failed to prune attempt history", zap.Error(err))
	}
}
