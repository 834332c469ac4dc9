// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// FSOpKey annotates the dispatcher opcode processed.
	FSOpKey = "fs_op"

	// FSErrCategoryKey is an attribute key for an error category. Nothing in
	// this module sets it: the dispatcher records errors under FSOpKey only.
	FSErrCategoryKey = "fs_error_category"
)

var (
	fsOpsMeter = otel.Meter("fs_op")

	// attrSetCache caches the attribute.Set for each distinct opcode name so
	// the hot dispatch path doesn't allocate one per request, the same
	// sync.Map-memoization trick gcsfuse's otel_metrics.go uses.
	attrSetCache sync.Map
)

func attrsOf(attrs []MetricAttr) metric.MeasurementOption {
	key := ""
	for _, a := range attrs {
		key += a.Key + "=" + a.Value + ";"
	}

	if v, ok := attrSetCache.Load(key); ok {
		return v.(metric.MeasurementOption)
	}

	kvs := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		kvs[i] = attribute.String(a.Key, a.Value)
	}
	opt := metric.WithAttributeSet(attribute.NewSet(kvs...))
	v, _ := attrSetCache.LoadOrStore(key, opt)
	return v.(metric.MeasurementOption)
}

// otelMetrics maintains the daemon's counters and histograms.
type otelMetrics struct {
	opsCount      metric.Int64Counter
	opsErrorCount metric.Int64Counter
	opsLatency    metric.Float64Histogram

	readBytesAtomic  *atomic.Int64
	writeBytesAtomic *atomic.Int64
}

func (o *otelMetrics) OpsCount(ctx context.Context, inc int64, attrs []MetricAttr) {
	o.opsCount.Add(ctx, inc, attrsOf(attrs))
}

func (o *otelMetrics) OpsLatency(ctx context.Context, latency time.Duration, attrs []MetricAttr) {
	o.opsLatency.Record(ctx, float64(latency.Microseconds()), attrsOf(attrs))
}

func (o *otelMetrics) OpsErrorCount(ctx context.Context, inc int64, attrs []MetricAttr) {
	o.opsErrorCount.Add(ctx, inc, attrsOf(attrs))
}

func (o *otelMetrics) ReadBytesCount(_ context.Context, inc int64) {
	o.readBytesAtomic.Add(inc)
}

func (o *otelMetrics) WriteBytesCount(_ context.Context, inc int64) {
	o.writeBytesAtomic.Add(inc)
}

// NewOTelMetrics constructs the daemon's otel instruments on otel's global
// MeterProvider. Nothing in this module registers a provider or exporter,
// so unless an embedding program does, the measurements go nowhere.
func NewOTelMetrics() (MetricHandle, error) {
	opsCount, err1 := fsOpsMeter.Int64Counter("fs/ops_count", metric.WithDescription("Cumulative number of dispatcher ops processed."))
	opsLatency, err2 := fsOpsMeter.Float64Histogram("fs/ops_latency", metric.WithDescription("Distribution of dispatcher op latencies."), metric.WithUnit("us"), defaultLatencyDistribution)
	opsErrorCount, err3 := fsOpsMeter.Int64Counter("fs/ops_error_count", metric.WithDescription("Cumulative number of dispatcher op errors."))

	var readBytes, writeBytes atomic.Int64
	_, err4 := fsOpsMeter.Int64ObservableCounter("fs/read_bytes_count",
		metric.WithDescription("Cumulative bytes read from the backing filesystem."),
		metric.WithUnit("By"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(readBytes.Load())
			return nil
		}))
	_, err5 := fsOpsMeter.Int64ObservableCounter("fs/write_bytes_count",
		metric.WithDescription("Cumulative bytes written to the backing filesystem."),
		metric.WithUnit("By"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(writeBytes.Load())
			return nil
		}))

	if err := errors.Join(err1, err2, err3, err4, err5); err != nil {
		return nil, err
	}

	return &otelMetrics{
		opsCount:         opsCount,
		opsErrorCount:    opsErrorCount,
		opsLatency:       opsLatency,
		readBytesAtomic:  &readBytes,
		writeBytesAtomic: &writeBytes,
	}, nil
}
