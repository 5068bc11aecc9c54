package logger

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

var (
	retryCount   int64
	warnCounts   sync.Map // map[string]*int64 keyed by component
	errorCounts  sync.Map // map[string]*int64 keyed by component
	flowMessages int64
	flowBytes    int64
)

func counter(m *sync.Map, component string) *int64 {
	if v, ok := m.Load(component); ok {
		return v.(*int64)
	}
	v, _ := m.LoadOrStore(component, new(int64))
	return v.(*int64)
}

func recordWarn(component string) {
	atomic.AddInt64(counter(&warnCounts, component), 1)
}

func recordError(component string) {
	atomic.AddInt64(counter(&errorCounts, component), 1)
}

// IncrementRetryCount tracks reconnect attempts across all feed adapters.
func IncrementRetryCount() {
	atomic.AddInt64(&retryCount, 1)
}

// RecordDataFlow accumulates message and byte counters for the periodic
// report.
func RecordDataFlow(bytes int) {
	atomic.AddInt64(&flowMessages, 1)
	atomic.AddInt64(&flowBytes, int64(bytes))
}

func snapshotCounts(m *sync.Map) map[string]int64 {
	out := make(map[string]int64)
	m.Range(func(k, v interface{}) bool {
		out[k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})
	return out
}

// StartReport periodically logs a health summary and publishes the counters
// as CloudWatch metrics when the client is configured.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				warns := snapshotCounts(&warnCounts)
				errs := snapshotCounts(&errorCounts)
				retries := atomic.LoadInt64(&retryCount)
				msgs := atomic.SwapInt64(&flowMessages, 0)
				bts := atomic.SwapInt64(&flowBytes, 0)

				log.WithComponent("report").WithFields(Fields{
					"warns":     warns,
					"errors":    errs,
					"reconnect": retries,
					"messages":  msgs,
					"bytes":     bts,
				}).Info("periodic health report")

				data := []cwtypes.MetricDatum{
					{
						MetricName: aws.String("ReconnectAttempts"),
						Unit:       cwtypes.StandardUnitCount,
						Value:      aws.Float64(float64(retries)),
					},
					{
						MetricName: aws.String("FeedMessages"),
						Unit:       cwtypes.StandardUnitCount,
						Value:      aws.Float64(float64(msgs)),
					},
					{
						MetricName: aws.String("FeedBytes"),
						Unit:       cwtypes.StandardUnitBytes,
						Value:      aws.Float64(float64(bts)),
					},
				}
				publishMetrics(ctx, data)
			}
		}
	}()
}
