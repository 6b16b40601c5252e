// Package session keeps one city's dataset in memory and republishes its
// station traffic whenever the time anchor or the dataset changes.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"bikemap/internal/bikeshare"
	"bikemap/internal/citydata"
	mmetrics "bikemap/internal/metrics"
	"bikemap/internal/publisher"
	"bikemap/internal/scale"
	"bikemap/internal/traffic"
)

type Loader interface {
	Load(ctx context.Context, city string) (*bikeshare.Dataset, error)
}

type Publisher interface {
	PublishSnapshot(msg publisher.SnapshotMessage) error
}

var (
	ErrNotStarted = errors.New("session not started")
	ErrStopped    = errors.New("session stopped")
)

type Manager struct {
	loader          Loader
	pub             Publisher
	city            citydata.City
	refreshInterval time.Duration
	metrics         *mmetrics.Collector

	mu            sync.Mutex
	dataset       *bikeshare.Dataset
	anchor        int  // most recently requested anchor
	pending       bool // anchor, dataset or city changed since the last computation
	anchorPending bool // a Trigger is waiting for the worker
	stopped       bool
	last          *publisher.SnapshotMessage
	wake          chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshCancel context.CancelFunc
	refreshWG     sync.WaitGroup
}

func NewManager(loader Loader, pub Publisher, city citydata.City, refreshInterval time.Duration, metrics *mmetrics.Collector) *Manager {
	return &Manager{
		loader:          loader,
		pub:             pub,
		city:            city,
		refreshInterval: refreshInterval,
		metrics:         metrics,
		anchor:          traffic.AnyTime,
		wake:            make(chan struct{}, 1),
	}
}

// Start loads the city dataset and launches the worker that computes
// snapshots, beginning with initialAnchor.
func (m *Manager) Start(ctx context.Context, initialAnchor int) error {
	if err := traffic.ValidateAnchor(initialAnchor); err != nil {
		return err
	}
	ds, err := m.load(ctx, m.City())
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrStopped
	}
	m.dataset = ds
	m.anchor = initialAnchor
	m.pending = true
	m.mu.Unlock()

	wctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go m.run(wctx)
	m.signal()
	return nil
}

// Trigger requests a recomputation for anchorMinute. Requests that arrive
// while a computation runs replace each other; only the latest is computed.
func (m *Manager) Trigger(anchorMinute int) error {
	if m.metrics != nil {
		m.metrics.AnchorTriggers.Inc()
	}
	if err := traffic.ValidateAnchor(anchorMinute); err != nil {
		if m.metrics != nil {
			m.metrics.AnchorsRejected.Inc()
		}
		return err
	}
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrStopped
	}
	if m.dataset == nil {
		m.mu.Unlock()
		return ErrNotStarted
	}
	if m.anchorPending && m.metrics != nil {
		m.metrics.AnchorsCoalesced.Inc()
	}
	m.anchor = anchorMinute
	m.pending = true
	m.anchorPending = true
	m.mu.Unlock()
	m.signal()
	return nil
}

// Reload fetches the dataset again and recomputes the current anchor. On
// error the previous dataset stays in place.
func (m *Manager) Reload(ctx context.Context) error {
	city := m.City()
	ds, err := m.load(ctx, city)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrStopped
	}
	if m.city.Name != city.Name {
		// The city changed while loading; its own load already replaced the dataset.
		return nil
	}
	m.dataset = ds
	m.pending = true
	m.signal()
	return nil
}

// SwitchCity loads city's dataset and makes it the session city. The current
// anchor is kept. On error the previous city and dataset stay in place.
func (m *Manager) SwitchCity(ctx context.Context, city citydata.City) error {
	m.mu.Lock()
	started := m.dataset != nil
	stopped := m.stopped
	m.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	if !started {
		return ErrNotStarted
	}

	ds, err := m.load(ctx, city)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrStopped
	}
	prev := m.city.Name
	m.city = city
	m.dataset = ds
	m.pending = true
	m.signal()
	if m.metrics != nil {
		m.metrics.CitySwitches.Inc()
	}
	log.Printf("switched city %q -> %q", prev, city.Name)
	return nil
}

// City returns the city the session currently serves.
func (m *Manager) City() citydata.City {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.city
}

// Last returns the most recently published snapshot.
func (m *Manager) Last() (publisher.SnapshotMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return publisher.SnapshotMessage{}, false
	}
	return *m.last, true
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) load(ctx context.Context, city citydata.City) (*bikeshare.Dataset, error) {
	start := time.Now()
	ds, err := m.loader.Load(ctx, city.Name)
	if m.metrics != nil {
		m.metrics.LoadDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if m.metrics != nil {
			m.metrics.DatasetLoads.WithLabelValues("error").Inc()
		}
		return nil, fmt.Errorf("load %s dataset: %w", city.Name, err)
	}
	if m.metrics != nil {
		m.metrics.DatasetLoads.WithLabelValues("ok").Inc()
		m.metrics.DatasetLoadedAt.Set(float64(ds.LoadedAt.Unix()))
		m.metrics.Stations.Set(float64(len(ds.Stations)))
		m.metrics.Trips.Set(float64(len(ds.Trips)))
	}
	log.Printf("loaded %s dataset: %d stations, %d trips in %s", city.Name, len(ds.Stations), len(ds.Trips), time.Since(start).Round(time.Millisecond))
	return ds, nil
}

func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
		}

		m.mu.Lock()
		if !m.pending {
			m.mu.Unlock()
			continue
		}
		ds, anchor, city := m.dataset, m.anchor, m.city
		m.pending = false
		m.anchorPending = false
		m.mu.Unlock()

		msg, err := m.compute(city, ds, anchor)
		if err != nil {
			log.Printf("recompute %s anchor=%d error: %v", city.Name, anchor, err)
			continue
		}
		if err := m.pub.PublishSnapshot(msg); err != nil {
			log.Printf("publish error for %s: %v", city.Name, err)
		}

		m.mu.Lock()
		m.last = &msg
		m.mu.Unlock()
	}
}

func (m *Manager) compute(city citydata.City, ds *bikeshare.Dataset, anchor int) (publisher.SnapshotMessage, error) {
	start := time.Now()
	res, err := traffic.Compute(ds.Stations, ds.Trips, anchor)
	if err != nil {
		return publisher.SnapshotMessage{}, err
	}
	msg := BuildSnapshot(city, res, time.Now())
	if m.metrics != nil {
		m.metrics.Recomputations.Inc()
		m.metrics.RecomputeDuration.Observe(time.Since(start).Seconds())
		m.metrics.FilteredTrips.Set(float64(res.TripsFiltered))
		m.metrics.MaxTraffic.Set(float64(res.MaxTraffic))
		m.metrics.AnchorMinute.Set(float64(anchor))
	}
	return msg, nil
}

// BuildSnapshot attaches marker radius and flow bucket to every station of
// res. Radii are scaled against the busiest station over all trips so marker
// sizes stay comparable between anchors.
func BuildSnapshot(city citydata.City, res traffic.Result, now time.Time) publisher.SnapshotMessage {
	radius := scale.RadiusScale(res.DomainMax, res.AnchorMinute)
	msg := publisher.SnapshotMessage{
		City:          city.Name,
		Center:        city.Center,
		AnchorMinute:  res.AnchorMinute,
		AnchorLabel:   scale.FormatMinute(res.AnchorMinute),
		Timestamp:     now,
		TripsTotal:    res.TripsTotal,
		TripsFiltered: res.TripsFiltered,
		MaxTraffic:    res.MaxTraffic,
		RadiusDomain:  res.DomainMax,
		RadiusRange:   [2]float64{radius.RangeMin, radius.RangeMax},
		Stations:      make([]publisher.StationMessage, len(res.Stations)),
	}
	for _, l := range city.BikeLanes {
		msg.BikeLanes = append(msg.BikeLanes, publisher.BikeLaneMessage{ID: l.ID, URL: l.URL, LayerID: l.LayerID})
	}
	for i, s := range res.Stations {
		ratio := scale.DepartureRatio(s.Departures, s.TotalTraffic)
		msg.Stations[i] = publisher.StationMessage{
			ShortName:      s.ShortName,
			Name:           s.Name,
			Lat:            s.Lat,
			Lon:            s.Lon,
			Arrivals:       s.Arrivals,
			Departures:     s.Departures,
			TotalTraffic:   s.TotalTraffic,
			Radius:         radius.Apply(float64(s.TotalTraffic)),
			DepartureRatio: ratio,
			Flow:           scale.QuantizeFlow(ratio),
		}
	}
	return msg
}

// StartRefresher periodically reloads the dataset so new trip exports are
// picked up without a restart.
func (m *Manager) StartRefresher(parent context.Context) {
	if m.refreshInterval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	m.refreshCancel = cancel
	m.refreshWG.Add(1)
	go func() {
		defer m.refreshWG.Done()
		ticker := time.NewTicker(m.refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.Reload(ctx); err != nil {
					log.Printf("refresh dataset error: %v", err)
				}
			}
		}
	}()
}

// Stop ends the worker and refresher. Later calls to Trigger, Reload and
// SwitchCity return ErrStopped.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
	if m.refreshCancel != nil {
		m.refreshCancel()
	}
	m.refreshWG.Wait()
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}
