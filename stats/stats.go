// Package stats holds the filesystem wide page counters and exports
// them together with the backing memory state to prometheus.
package stats

import (
	"fmt"
	"strings"
	"sync/atomic"

	humanize "github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sahib/f2cache/backing"
	"github.com/sahib/f2cache/pagecache"
)

const namespace = "f2cache"

// Counters are the page counters of one filesystem.
// It is safe to use them from several goroutines.
type Counters struct {
	counts [pagecache.NumCountTypes]atomic.Int64
	desc   *prometheus.Desc
}

// NewCounters returns zeroed counters.
func NewCounters() *Counters {
	return &Counters{
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pagecache", "pages"),
			"Number of pages per state.",
			[]string{"type"},
			nil,
		),
	}
}

// IncPageCount is part of pagecache.Counters.
func (c *Counters) IncPageCount(ct pagecache.CountType) {
	c.counts[ct].Add(1)
}

// DecPageCount is part of pagecache.Counters.
func (c *Counters) DecPageCount(ct pagecache.CountType) {
	if c.counts[ct].Add(-1) < 0 {
		panic(fmt.Sprintf("bug: %s page counter dropped below zero", ct))
	}
}

// Get returns the current value of `ct`.
func (c *Counters) Get(ct pagecache.CountType) int64 {
	return c.counts[ct].Load()
}

// Dirty returns the number of dirty pages of all types.
func (c *Counters) Dirty() int64 {
	sum := int64(0)
	for ct := pagecache.CountDirtyData; ct < pagecache.NumCountTypes; ct++ {
		sum += c.Get(ct)
	}

	return sum
}

func (c *Counters) String() string {
	parts := []string{}
	for ct := pagecache.CountType(0); ct < pagecache.NumCountTypes; ct++ {
		parts = append(parts, fmt.Sprintf("%s=%s", ct, humanize.Comma(c.Get(ct))))
	}

	return strings.Join(parts, " ")
}

// Describe is part of prometheus.Collector.
func (c *Counters) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

// Collect is part of prometheus.Collector.
func (c *Counters) Collect(ch chan<- prometheus.Metric) {
	for ct := pagecache.CountType(0); ct < pagecache.NumCountTypes; ct++ {
		ch <- prometheus.MustNewConstMetric(
			c.desc,
			prometheus.GaugeValue,
			float64(c.Get(ct)),
			ct.String(),
		)
	}
}

// NewPoolCollectors returns gauges reporting the state of `pool`.
func NewPoolCollectors(pool *backing.Pool) []prometheus.Collector {
	gauge := func(name, help string, fn func(s backing.Stats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "backing",
				Name:      name,
				Help:      help,
			},
			func() float64 {
				return fn(pool.Stats())
			},
		)
	}

	return []prometheus.Collector{
		gauge("resident_bytes", "Bytes of resident regions.", func(s backing.Stats) float64 {
			return float64(s.Resident)
		}),
		gauge("pinned_regions", "Number of pins on regions.", func(s backing.Stats) float64 {
			return float64(s.Pinned)
		}),
		gauge("swapped_regions", "Number of regions in the swap directory.", func(s backing.Stats) float64 {
			return float64(s.Swapped)
		}),
		gauge("dropped_regions", "Number of regions dropped due to memory pressure.", func(s backing.Stats) float64 {
			return float64(s.Dropped)
		}),
	}
}

// Register registers the counters and the pool gauges at `reg`.
func Register(reg prometheus.Registerer, counters *Counters, pool *backing.Pool) error {
	collectors := append([]prometheus.Collector{counters}, NewPoolCollectors(pool)...)
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			return err
		}
	}

	return nil
}
