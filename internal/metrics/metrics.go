package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector 检索引擎指标收集器
type Collector struct {
	storeStateGauge    prometheus.Gauge
	storeReconnects    *prometheus.CounterVec
	storeRetries       *prometheus.CounterVec
	searchRequests     *prometheus.CounterVec
	searchDuration     *prometheus.HistogramVec
	ingestDocuments    *prometheus.CounterVec
	cacheLookups       *prometheus.CounterVec
	integrityChecks    *prometheus.CounterVec
	ingestEvents       *prometheus.CounterVec
	expansionTermCount prometheus.Histogram
}

var (
	defaultCollector *Collector
	collectorOnce    sync.Once
)

// Default 返回全局指标收集器，重复调用返回同一实例
func Default() *Collector {
	collectorOnce.Do(func() {
		defaultCollector = newCollector()
	})
	return defaultCollector
}

func newCollector() *Collector {
	c := &Collector{}

	c.storeStateGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vector_store_connection_state",
		Help: "Current vector store connection state (0=disconnected 1=connecting 2=connected 3=degraded)",
	})

	c.storeReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vector_store_reconnects_total",
			Help: "Total number of vector store reconnect attempts",
		},
		[]string{"outcome"}, // outcome: success, failure
	)

	c.storeRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vector_store_retries_total",
			Help: "Total number of retried vector store operations",
		},
		[]string{"operation"},
	)

	c.searchRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retrieval_search_requests_total",
			Help: "Total number of search requests",
		},
		[]string{"collection", "status"},
	)

	c.searchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "retrieval_search_duration_seconds",
			Help:    "Duration of search requests including retries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"collection"},
	)

	c.ingestDocuments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retrieval_ingested_documents_total",
			Help: "Total number of documents written to the vector store",
		},
		[]string{"collection", "status"},
	)

	c.cacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retrieval_cache_lookups_total",
			Help: "Search cache lookups by outcome",
		},
		[]string{"outcome"}, // outcome: hit, miss, bypass
	)

	c.integrityChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "integrity_checks_total",
			Help: "Integrity check runs by verdict",
		},
		[]string{"verdict"}, // verdict: violation, clear, empty
	)

	c.ingestEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_events_total",
			Help: "Ingestion events consumed from upstream producers",
		},
		[]string{"topic", "status"}, // status: ok, retried, dead_letter, invalid
	)

	c.expansionTermCount = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "query_expansion_terms",
		Help:    "Number of expansion terms generated per query",
		Buckets: []float64{0, 1, 2, 4, 8, 16},
	})

	return c
}

// RecordStoreState 记录连接状态变化
func (c *Collector) RecordStoreState(state int) {
	c.storeStateGauge.Set(float64(state))
}

// RecordReconnect 记录重连结果
func (c *Collector) RecordReconnect(success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	c.storeReconnects.WithLabelValues(outcome).Inc()
}

// RecordRetry 记录一次操作重试
func (c *Collector) RecordRetry(operation string) {
	c.storeRetries.WithLabelValues(operation).Inc()
}

// RecordSearch 记录搜索请求
func (c *Collector) RecordSearch(collection string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	c.searchRequests.WithLabelValues(collection, status).Inc()
	c.searchDuration.WithLabelValues(collection).Observe(duration.Seconds())
}

// RecordIngest 记录写入的文档数量
func (c *Collector) RecordIngest(collection string, count int, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	c.ingestDocuments.WithLabelValues(collection, status).Add(float64(count))
}

// RecordCacheLookup 记录缓存命中情况
func (c *Collector) RecordCacheLookup(outcome string) {
	c.cacheLookups.WithLabelValues(outcome).Inc()
}

// RecordIntegrityCheck 记录查重结论
func (c *Collector) RecordIntegrityCheck(verdict string) {
	c.integrityChecks.WithLabelValues(verdict).Inc()
}

// RecordIngestEvent 记录消费的摄取事件
func (c *Collector) RecordIngestEvent(topic, status string) {
	c.ingestEvents.WithLabelValues(topic, status).Inc()
}

// RecordExpansionTerms 记录单次查询的扩展词数量
func (c *Collector) RecordExpansionTerms(count int) {
	c.expansionTermCount.Observe(float64(count))
}
