package metrics

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	Stations      prometheus.Gauge
	Trips         prometheus.Gauge
	FilteredTrips prometheus.Gauge
	MaxTraffic    prometheus.Gauge
	AnchorMinute  prometheus.Gauge

	AnchorTriggers   prometheus.Counter
	AnchorsRejected  prometheus.Counter
	AnchorsCoalesced prometheus.Counter
	Recomputations   prometheus.Counter

	DatasetLoads    *prometheus.CounterVec // result label: ok|error
	DatasetLoadedAt prometheus.Gauge       // unix seconds of the last successful load

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge

	DBSwitches   *prometheus.CounterVec // reason label: update|ping_failure|city
	CitySwitches prometheus.Counter

	RecomputeDuration prometheus.Histogram
	LoadDuration      prometheus.Histogram
	PublishDuration   prometheus.Histogram

	RefreshInterval prometheus.Gauge // seconds
}

func NewCollector(refreshInterval time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		Stations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bikemap_stations",
			Help: "Number of stations in the loaded city dataset.",
		}),
		Trips: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bikemap_trips",
			Help: "Number of trips in the loaded city dataset.",
		}),
		FilteredTrips: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bikemap_filtered_trips",
			Help: "Number of trips inside the current time window.",
		}),
		MaxTraffic: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bikemap_max_station_traffic",
			Help: "Highest per-station total traffic in the last snapshot.",
		}),
		AnchorMinute: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bikemap_anchor_minute",
			Help: "Minute of day of the last computed snapshot, -1 when unfiltered.",
		}),
		AnchorTriggers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bikemap_anchor_triggers_total",
			Help: "Total anchor changes received.",
		}),
		AnchorsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bikemap_anchor_rejected_total",
			Help: "Total anchor changes rejected as out of range.",
		}),
		AnchorsCoalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bikemap_anchor_coalesced_total",
			Help: "Total anchor changes superseded before they were computed.",
		}),
		Recomputations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bikemap_recomputations_total",
			Help: "Total traffic recomputations.",
		}),
		DatasetLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bikemap_dataset_loads_total",
			Help: "Dataset load attempts by result.",
		}, []string{"result"}),
		DatasetLoadedAt: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bikemap_dataset_loaded_timestamp_seconds",
			Help: "Unix time of the last successful dataset load.",
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bikemap_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bikemap_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bikemap_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		DBSwitches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bikemap_db_switches_total",
			Help: "Number of city database switches.",
		}, []string{"reason"}),
		CitySwitches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bikemap_city_switches_total",
			Help: "Number of times the served city changed.",
		}),
		RecomputeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bikemap_recompute_duration_seconds",
			Help:    "Duration of filter and aggregate passes.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15),
		}),
		LoadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bikemap_load_duration_seconds",
			Help:    "Duration of city dataset loads.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bikemap_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		RefreshInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bikemap_refresh_interval_seconds",
			Help: "Dataset refresh interval in seconds.",
		}),
	}

	reg.MustRegister(
		c.Stations, c.Trips, c.FilteredTrips, c.MaxTraffic, c.AnchorMinute,
		c.AnchorTriggers, c.AnchorsRejected, c.AnchorsCoalesced, c.Recomputations,
		c.DatasetLoads, c.DatasetLoadedAt,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected,
		c.DBSwitches, c.CitySwitches, c.RecomputeDuration, c.LoadDuration, c.PublishDuration,
		c.RefreshInterval,
	)

	c.RefreshInterval.Set(refreshInterval.Seconds())
	c.AnchorMinute.Set(-1)

	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()
	log.Printf("metrics listening on %s", addr)
	return srv
}
