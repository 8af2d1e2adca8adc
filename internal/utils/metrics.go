// internal/utils/metrics.go
package utils

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// 指标名称
const (
	MetricAPIRequests       = "api_requests_total"
	MetricAPIResponseTime   = "api_response_time_ms"
	MetricSceneRequests     = "scene_requests_total"
	MetricSceneRejected     = "scene_requests_rejected"
	MetricSceneLoaded       = "scene_loaded_total"
	MetricSceneFailures     = "scene_failures_total"
	MetricStaleDiscards     = "scene_stale_discards"
	MetricChapterFetches    = "chapter_fetches_total"
	MetricChapterCacheHits  = "chapter_cache_hits"
	MetricChapterFetchTime  = "chapter_fetch_time_ms"
	MetricActiveSessions    = "active_sessions"
	MetricWebSocketClients  = "websocket_clients"
	MetricUploads           = "uploads_total"
	MetricUploadsRejected   = "uploads_rejected"
	MetricChatQueries       = "chat_queries_total"
	MetricErrors            = "errors_total"
	MetricLastReadFailures  = "last_read_failures"
	MetricNotificationsSent = "notifications_sent"
)

// MetricsCollector 计数器、仪表和直方图
type MetricsCollector struct {
	counters   map[string]*int64
	gauges     map[string]*int64
	histograms map[string]*Histogram

	mu sync.RWMutex
}

// Histogram 只记录 count/sum/min/max
type Histogram struct {
	count int64
	sum   int64
	min   int64
	max   int64
	mu    sync.Mutex
}

var (
	globalMetrics *MetricsCollector
	metricsOnce   sync.Once
)

// NewMetricsCollector 创建独立的收集器，测试中使用
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		counters:   make(map[string]*int64),
		gauges:     make(map[string]*int64),
		histograms: make(map[string]*Histogram),
	}
}

// GetMetricsCollector 全局收集器
func GetMetricsCollector() *MetricsCollector {
	metricsOnce.Do(func() {
		globalMetrics = NewMetricsCollector()
	})
	return globalMetrics
}

// slot 读锁快路径，不存在时加写锁二次检查后创建
func (m *MetricsCollector) slot(table map[string]*int64, name string) *int64 {
	m.mu.RLock()
	v, ok := table[name]
	m.mu.RUnlock()
	if ok {
		return v
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok = table[name]; !ok {
		v = new(int64)
		table[name] = v
	}
	return v
}

// IncrementCounter 计数器加一
func (m *MetricsCollector) IncrementCounter(name string) {
	atomic.AddInt64(m.slot(m.counters, name), 1)
}

// AddCounter 计数器累加
func (m *MetricsCollector) AddCounter(name string, value int64) {
	atomic.AddInt64(m.slot(m.counters, name), value)
}

// GetCounterValue 读取计数器
func (m *MetricsCollector) GetCounterValue(name string) int64 {
	m.mu.RLock()
	v, ok := m.counters[name]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(v)
}

// SetGauge 设置仪表值
func (m *MetricsCollector) SetGauge(name string, value int64) {
	atomic.StoreInt64(m.slot(m.gauges, name), value)
}

// IncGauge 仪表加一
func (m *MetricsCollector) IncGauge(name string) {
	atomic.AddInt64(m.slot(m.gauges, name), 1)
}

// DecGauge 仪表减一
func (m *MetricsCollector) DecGauge(name string) {
	atomic.AddInt64(m.slot(m.gauges, name), -1)
}

// GetGauge 读取仪表
func (m *MetricsCollector) GetGauge(name string) int64 {
	m.mu.RLock()
	v, ok := m.gauges[name]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(v)
}

// RecordHistogram 记录一次观测值
func (m *MetricsCollector) RecordHistogram(name string, value int64) {
	m.mu.RLock()
	h, ok := m.histograms[name]
	m.mu.RUnlock()

	if !ok {
		m.mu.Lock()
		if h, ok = m.histograms[name]; !ok {
			h = &Histogram{min: value, max: value}
			m.histograms[name] = h
		}
		m.mu.Unlock()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += value
	if value < h.min {
		h.min = value
	}
	if value > h.max {
		h.max = value
	}
}

// GetMetrics 返回全部指标快照
func (m *MetricsCollector) GetMetrics() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counters := make(map[string]int64, len(m.counters))
	for name, v := range m.counters {
		counters[name] = atomic.LoadInt64(v)
	}

	gauges := make(map[string]int64, len(m.gauges))
	for name, v := range m.gauges {
		gauges[name] = atomic.LoadInt64(v)
	}

	histograms := make(map[string]map[string]int64, len(m.histograms))
	for name, h := range m.histograms {
		h.mu.Lock()
		histograms[name] = map[string]int64{
			"count": h.count,
			"sum":   h.sum,
			"min":   h.min,
			"max":   h.max,
		}
		h.mu.Unlock()
	}

	return map[string]interface{}{
		"counters":   counters,
		"gauges":     gauges,
		"histograms": histograms,
	}
}

// ReaderMetrics 面向业务的指标记录
type ReaderMetrics struct {
	metrics *MetricsCollector
	logger  *Logger
}

// NewReaderMetrics 使用全局收集器
func NewReaderMetrics() *ReaderMetrics {
	return NewReaderMetricsWith(GetMetricsCollector())
}

// NewReaderMetricsWith 使用指定收集器
func NewReaderMetricsWith(collector *MetricsCollector) *ReaderMetrics {
	return &ReaderMetrics{
		metrics: collector,
		logger:  GetLogger(),
	}
}

// Collector 底层收集器
func (rm *ReaderMetrics) Collector() *MetricsCollector {
	return rm.metrics
}

// RecordAPIRequest 记录一次 API 请求
func (rm *ReaderMetrics) RecordAPIRequest(endpoint, method string, statusCode int, duration time.Duration) {
	rm.metrics.IncrementCounter(MetricAPIRequests)
	rm.metrics.IncrementCounter("api_requests_" + method + "_" + endpoint)
	rm.metrics.RecordHistogram(MetricAPIResponseTime, duration.Milliseconds())
	rm.metrics.IncrementCounter("api_responses_" + strconv.Itoa(statusCode/100) + "xx")

	rm.logger.Debug("API 请求完成", map[string]interface{}{
		"endpoint": endpoint,
		"method":   method,
		"status":   statusCode,
		"duration": duration.Milliseconds(),
	})
}

// RecordChapterFetch 记录章节获取耗时，命中缓存时不计耗时
func (rm *ReaderMetrics) RecordChapterFetch(bookID, chapter int, cached bool, duration time.Duration) {
	rm.metrics.IncrementCounter(MetricChapterFetches)
	if cached {
		rm.metrics.IncrementCounter(MetricChapterCacheHits)
		return
	}
	rm.metrics.RecordHistogram(MetricChapterFetchTime, duration.Milliseconds())

	rm.logger.Debug("章节获取完成", map[string]interface{}{
		"book_id":  bookID,
		"chapter":  chapter,
		"duration": duration.Milliseconds(),
	})
}

// RecordSceneOutcome 记录场景图请求结果：loaded / failed / stale / rejected
func (rm *ReaderMetrics) RecordSceneOutcome(outcome string) {
	switch outcome {
	case "requested":
		rm.metrics.IncrementCounter(MetricSceneRequests)
	case "loaded":
		rm.metrics.IncrementCounter(MetricSceneLoaded)
	case "failed":
		rm.metrics.IncrementCounter(MetricSceneFailures)
	case "stale":
		rm.metrics.IncrementCounter(MetricStaleDiscards)
	case "rejected":
		rm.metrics.IncrementCounter(MetricSceneRejected)
	}
}

// RecordError 记录错误
func (rm *ReaderMetrics) RecordError(errorType, component string) {
	rm.metrics.IncrementCounter(MetricErrors)
	rm.metrics.IncrementCounter("errors_" + errorType)
	rm.metrics.IncrementCounter("errors_" + component)
}

// StartMetricsCollection 定期输出指标摘要，ctx 结束时退出
func (rm *ReaderMetrics) StartMetricsCollection(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rm.logger.Info("定期指标报告", map[string]interface{}{
					"metrics": rm.metrics.GetMetrics(),
				})
			}
		}
	}()
}
