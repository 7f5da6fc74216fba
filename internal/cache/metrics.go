package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports Stats as Prometheus metrics at scrape time.
type Collector struct {
	cache *Cache

	entries   *prometheus.Desc
	hits      *prometheus.Desc
	misses    *prometheus.Desc
	evictions *prometheus.Desc
	hitRate   *prometheus.Desc
	catCount  *prometheus.Desc
	catBytes  *prometheus.Desc
}

// NewCollector creates a collector for c under namespace.
func NewCollector(c *Cache, namespace string) *Collector {
	fq := func(name string) string {
		return prometheus.BuildFQName(namespace, "cache", name)
	}
	return &Collector{
		cache:     c,
		entries:   prometheus.NewDesc(fq("entries"), "Entries currently held in the cache", nil, nil),
		hits:      prometheus.NewDesc(fq("hits_total"), "Cache hits", nil, nil),
		misses:    prometheus.NewDesc(fq("misses_total"), "Cache misses", nil, nil),
		evictions: prometheus.NewDesc(fq("evictions_total"), "Entries evicted to respect capacity", nil, nil),
		hitRate:   prometheus.NewDesc(fq("hit_rate"), "Hits divided by lookups", nil, nil),
		catCount:  prometheus.NewDesc(fq("category_entries"), "Entries per category", []string{"category"}, nil),
		catBytes:  prometheus.NewDesc(fq("category_size_bytes"), "Approximate bytes per category", []string{"category"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (col *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- col.entries
	ch <- col.hits
	ch <- col.misses
	ch <- col.evictions
	ch <- col.hitRate
	ch <- col.catCount
	ch <- col.catBytes
}

// Collect implements prometheus.Collector.
func (col *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := col.cache.Stats()

	ch <- prometheus.MustNewConstMetric(col.entries, prometheus.GaugeValue, float64(stats.Entries))
	ch <- prometheus.MustNewConstMetric(col.hits, prometheus.CounterValue, float64(stats.Hits))
	ch <- prometheus.MustNewConstMetric(col.misses, prometheus.CounterValue, float64(stats.Misses))
	ch <- prometheus.MustNewConstMetric(col.evictions, prometheus.CounterValue, float64(stats.Evictions))
	ch <- prometheus.MustNewConstMetric(col.hitRate, prometheus.GaugeValue, stats.HitRate)
	for cat, cs := range stats.Categories {
		ch <- prometheus.MustNewConstMetric(col.catCount, prometheus.GaugeValue, float64(cs.Count), string(cat))
		ch <- prometheus.MustNewConstMetric(col.catBytes, prometheus.GaugeValue, float64(cs.SizeBytes), string(cat))
	}
}
