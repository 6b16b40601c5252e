package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bikemap/internal/bikeshare"
	"bikemap/internal/citydata"
	mmetrics "bikemap/internal/metrics"
	"bikemap/internal/publisher"
	"bikemap/internal/traffic"
)

type fakeLoader struct {
	mu     sync.Mutex
	ds     *bikeshare.Dataset
	err    error
	calls  int
	cities []string
}

func (f *fakeLoader) Load(_ context.Context, city string) (*bikeshare.Dataset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.cities = append(f.cities, city)
	if f.err != nil {
		return nil, f.err
	}
	ds := *f.ds
	ds.City = city
	ds.LoadedAt = time.Now()
	return &ds, nil
}

func (f *fakeLoader) set(ds *bikeshare.Dataset, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ds, f.err = ds, err
}

// fakePublisher records snapshots. When gate is set, each publish first
// announces itself on entered and then waits for gate.
type fakePublisher struct {
	snaps   chan publisher.SnapshotMessage
	entered chan struct{}
	gate    chan struct{}
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{snaps: make(chan publisher.SnapshotMessage, 256)}
}

func (f *fakePublisher) PublishSnapshot(msg publisher.SnapshotMessage) error {
	if f.gate != nil {
		f.entered <- struct{}{}
		<-f.gate
	}
	f.snaps <- msg
	return nil
}

func (f *fakePublisher) next(t *testing.T) publisher.SnapshotMessage {
	t.Helper()
	select {
	case msg := <-f.snaps:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return publisher.SnapshotMessage{}
	}
}

func at(hour, minute int) time.Time {
	return time.Date(2024, 3, 12, hour, minute, 0, 0, time.UTC)
}

func testDataset() *bikeshare.Dataset {
	return &bikeshare.Dataset{
		Stations: []bikeshare.Station{
			{ShortName: "A", Name: "Alpha", Lat: 41.88, Lon: -87.63},
			{ShortName: "B", Name: "Bravo", Lat: 41.89, Lon: -87.62},
			{ShortName: "C", Name: "Charlie", Lat: 41.90, Lon: -87.61},
		},
		Trips: []bikeshare.Trip{
			{StartStationID: "A", EndStationID: "B", StartedAt: at(7, 30), EndedAt: at(7, 50)},
			{StartStationID: "A", EndStationID: "A", StartedAt: at(8, 10), EndedAt: at(8, 40)},
			{StartStationID: "B", EndStationID: "A", StartedAt: at(17, 0), EndedAt: at(17, 20)},
		},
	}
}

func testCity(t *testing.T) citydata.City {
	t.Helper()
	c, err := citydata.Lookup("Chicago")
	require.NoError(t, err)
	return c
}

func TestManager_PublishesInitialSnapshot(t *testing.T) {
	loader := &fakeLoader{ds: testDataset()}
	pub := newFakePublisher()
	mcol := mmetrics.NewCollector(0)
	m := NewManager(loader, pub, testCity(t), 0, mcol)

	require.NoError(t, m.Start(context.Background(), traffic.AnyTime))
	defer m.Stop()

	snap := pub.next(t)
	assert.Equal(t, "Chicago", snap.City)
	assert.Equal(t, traffic.AnyTime, snap.AnchorMinute)
	assert.Equal(t, "any time", snap.AnchorLabel)
	assert.Equal(t, 3, snap.TripsTotal)
	assert.Equal(t, 3, snap.TripsFiltered)
	assert.Equal(t, [2]float64{0, 25}, snap.RadiusRange)
	require.Len(t, snap.Stations, 3)

	a := snap.Stations[0]
	assert.Equal(t, "A", a.ShortName)
	assert.Equal(t, 2, a.Departures)
	assert.Equal(t, 2, a.Arrivals)
	assert.Equal(t, 4, a.TotalTraffic)
	assert.Equal(t, 4, snap.MaxTraffic)
	assert.InDelta(t, 25, a.Radius, 1e-9)
	assert.Equal(t, 0.5, a.Flow)

	c := snap.Stations[2]
	assert.Zero(t, c.TotalTraffic)
	assert.Zero(t, c.Radius)
	assert.Zero(t, c.DepartureRatio)
	assert.Zero(t, c.Flow)

	assert.Equal(t, 1.0, testutil.ToFloat64(mcol.Recomputations))
	assert.Equal(t, 3.0, testutil.ToFloat64(mcol.Stations))
	assert.Equal(t, 1.0, testutil.ToFloat64(mcol.DatasetLoads.WithLabelValues("ok")))
}

func TestManager_TriggerRecomputesFilteredView(t *testing.T) {
	loader := &fakeLoader{ds: testDataset()}
	pub := newFakePublisher()
	m := NewManager(loader, pub, testCity(t), 0, nil)

	require.NoError(t, m.Start(context.Background(), traffic.AnyTime))
	defer m.Stop()
	pub.next(t)

	require.NoError(t, m.Trigger(480))
	snap := pub.next(t)

	assert.Equal(t, 480, snap.AnchorMinute)
	assert.Equal(t, "8:00 AM", snap.AnchorLabel)
	assert.Equal(t, 2, snap.TripsFiltered)
	assert.Equal(t, [2]float64{3, 50}, snap.RadiusRange)
	assert.Equal(t, 3, snap.Stations[0].TotalTraffic)
	assert.Equal(t, 1.0, snap.Stations[0].Flow)
	assert.Equal(t, 1, snap.Stations[1].Arrivals)
	assert.Equal(t, 0.0, snap.Stations[1].Flow)
	assert.Equal(t, 3.0, snap.Stations[2].Radius)

	require.Eventually(t, func() bool {
		last, ok := m.Last()
		return ok && last.AnchorMinute == 480
	}, time.Second, 10*time.Millisecond)
}

func TestManager_TriggerRejectsInvalidAnchor(t *testing.T) {
	mcol := mmetrics.NewCollector(0)
	m := NewManager(&fakeLoader{ds: testDataset()}, newFakePublisher(), testCity(t), 0, mcol)

	assert.ErrorIs(t, m.Trigger(1440), traffic.ErrInvalidAnchor)
	assert.ErrorIs(t, m.Trigger(600), ErrNotStarted)
	assert.Equal(t, 1.0, testutil.ToFloat64(mcol.AnchorsRejected))
	assert.ErrorIs(t, m.Start(context.Background(), -5), traffic.ErrInvalidAnchor)
}

func TestManager_LatestTriggerWins(t *testing.T) {
	loader := &fakeLoader{ds: testDataset()}
	pub := newFakePublisher()
	pub.entered = make(chan struct{}, 1)
	pub.gate = make(chan struct{})
	mcol := mmetrics.NewCollector(0)
	m := NewManager(loader, pub, testCity(t), 0, mcol)

	require.NoError(t, m.Start(context.Background(), traffic.AnyTime))
	defer m.Stop()

	// The initial computation is now blocked inside publish.
	<-pub.entered
	require.NoError(t, m.Trigger(100))
	require.NoError(t, m.Trigger(200))
	require.NoError(t, m.Trigger(300))

	pub.gate <- struct{}{}
	assert.Equal(t, traffic.AnyTime, pub.next(t).AnchorMinute)

	<-pub.entered
	pub.gate <- struct{}{}
	assert.Equal(t, 300, pub.next(t).AnchorMinute)

	select {
	case <-pub.entered:
		t.Fatal("superseded anchors must not be computed")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(mcol.AnchorsCoalesced))
	assert.Equal(t, 2.0, testutil.ToFloat64(mcol.Recomputations))
}

func TestManager_ReloadKeepsAnchor(t *testing.T) {
	loader := &fakeLoader{ds: testDataset()}
	pub := newFakePublisher()
	m := NewManager(loader, pub, testCity(t), 0, nil)

	require.NoError(t, m.Start(context.Background(), 480))
	defer m.Stop()
	assert.Equal(t, 2, pub.next(t).TripsFiltered)

	ds := testDataset()
	ds.Trips = append(ds.Trips, bikeshare.Trip{StartStationID: "C", EndStationID: "B", StartedAt: at(8, 0), EndedAt: at(8, 5)})
	loader.set(ds, nil)

	require.NoError(t, m.Reload(context.Background()))
	snap := pub.next(t)
	assert.Equal(t, 480, snap.AnchorMinute)
	assert.Equal(t, 3, snap.TripsFiltered)
	assert.Equal(t, 1, snap.Stations[2].Departures)
}

func TestManager_ReloadErrorKeepsDataset(t *testing.T) {
	loader := &fakeLoader{ds: testDataset()}
	pub := newFakePublisher()
	mcol := mmetrics.NewCollector(0)
	m := NewManager(loader, pub, testCity(t), 0, mcol)

	require.NoError(t, m.Start(context.Background(), traffic.AnyTime))
	defer m.Stop()
	pub.next(t)

	loader.set(nil, errors.New("upstream unavailable"))
	err := m.Reload(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load Chicago dataset")
	assert.Equal(t, 1.0, testutil.ToFloat64(mcol.DatasetLoads.WithLabelValues("error")))

	require.NoError(t, m.Trigger(480))
	assert.Equal(t, 2, pub.next(t).TripsFiltered)
}

func TestManager_StartFailsWhenLoadFails(t *testing.T) {
	loader := &fakeLoader{err: errors.New("no such file")}
	m := NewManager(loader, newFakePublisher(), testCity(t), 0, nil)

	assert.Error(t, m.Start(context.Background(), traffic.AnyTime))
	m.Stop()
}

func TestManager_Refresher(t *testing.T) {
	loader := &fakeLoader{ds: testDataset()}
	pub := newFakePublisher()
	m := NewManager(loader, pub, testCity(t), 20*time.Millisecond, nil)

	require.NoError(t, m.Start(context.Background(), traffic.AnyTime))
	m.StartRefresher(context.Background())
	defer m.Stop()

	require.Eventually(t, func() bool {
		loader.mu.Lock()
		defer loader.mu.Unlock()
		return loader.calls >= 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestManager_RadiusScaledAgainstAllTrips(t *testing.T) {
	ds := &bikeshare.Dataset{
		Stations: []bikeshare.Station{{ShortName: "A"}, {ShortName: "B"}},
		Trips:    []bikeshare.Trip{{StartStationID: "B", StartedAt: at(8, 0), EndedAt: at(8, 10)}},
	}
	for i := 0; i < 100; i++ {
		ds.Trips = append(ds.Trips, bikeshare.Trip{StartStationID: "A", StartedAt: at(12, 0), EndedAt: at(12, 15)})
	}
	pub := newFakePublisher()
	m := NewManager(&fakeLoader{ds: ds}, pub, testCity(t), 0, nil)

	require.NoError(t, m.Start(context.Background(), 480))
	defer m.Stop()

	snap := pub.next(t)
	assert.Equal(t, 1, snap.MaxTraffic)
	assert.Equal(t, 100, snap.RadiusDomain)
	assert.Equal(t, 1, snap.Stations[1].TotalTraffic)
	assert.InDelta(t, 3+47*0.1, snap.Stations[1].Radius, 1e-9)
	assert.Equal(t, 3.0, snap.Stations[0].Radius)
}

func TestManager_SwitchCity(t *testing.T) {
	loader := &fakeLoader{ds: testDataset()}
	pub := newFakePublisher()
	mcol := mmetrics.NewCollector(0)
	m := NewManager(loader, pub, testCity(t), 0, mcol)

	require.NoError(t, m.Start(context.Background(), 480))
	defer m.Stop()
	assert.Equal(t, "Chicago", pub.next(t).City)

	boston, err := citydata.Lookup("Boston")
	require.NoError(t, err)
	require.NoError(t, m.SwitchCity(context.Background(), boston))

	snap := pub.next(t)
	assert.Equal(t, "Boston", snap.City)
	assert.Equal(t, boston.Center, snap.Center)
	assert.Equal(t, 480, snap.AnchorMinute)
	require.NotEmpty(t, snap.BikeLanes)
	assert.Equal(t, boston.BikeLanes[0].LayerID, snap.BikeLanes[0].LayerID)
	assert.Equal(t, "Boston", m.City().Name)
	assert.Equal(t, 1.0, testutil.ToFloat64(mcol.CitySwitches))

	require.NoError(t, m.Reload(context.Background()))
	assert.Equal(t, "Boston", pub.next(t).City)
	loader.mu.Lock()
	assert.Equal(t, []string{"Chicago", "Boston", "Boston"}, loader.cities)
	loader.mu.Unlock()
}

func TestManager_SwitchCityErrorKeepsCity(t *testing.T) {
	loader := &fakeLoader{ds: testDataset()}
	pub := newFakePublisher()
	m := NewManager(loader, pub, testCity(t), 0, nil)

	boston, err := citydata.Lookup("Boston")
	require.NoError(t, err)
	assert.ErrorIs(t, m.SwitchCity(context.Background(), boston), ErrNotStarted)

	require.NoError(t, m.Start(context.Background(), traffic.AnyTime))
	defer m.Stop()
	pub.next(t)

	loader.set(nil, errors.New("feed down"))
	require.Error(t, m.SwitchCity(context.Background(), boston))
	assert.Equal(t, "Chicago", m.City().Name)

	require.NoError(t, m.Trigger(480))
	assert.Equal(t, "Chicago", pub.next(t).City)
}

func TestManager_CoalescedCountsOnlyAnchors(t *testing.T) {
	loader := &fakeLoader{ds: testDataset()}
	pub := newFakePublisher()
	pub.entered = make(chan struct{}, 1)
	pub.gate = make(chan struct{})
	mcol := mmetrics.NewCollector(0)
	m := NewManager(loader, pub, testCity(t), 0, mcol)

	require.NoError(t, m.Start(context.Background(), traffic.AnyTime))
	defer m.Stop()

	<-pub.entered
	require.NoError(t, m.Reload(context.Background()))
	require.NoError(t, m.Trigger(480))

	pub.gate <- struct{}{}
	pub.next(t)
	<-pub.entered
	pub.gate <- struct{}{}
	assert.Equal(t, 480, pub.next(t).AnchorMinute)

	assert.Zero(t, testutil.ToFloat64(mcol.AnchorsCoalesced))
}

func TestManager_RejectsCallsAfterStop(t *testing.T) {
	pub := newFakePublisher()
	m := NewManager(&fakeLoader{ds: testDataset()}, pub, testCity(t), 0, nil)

	require.NoError(t, m.Start(context.Background(), traffic.AnyTime))
	pub.next(t)
	m.Stop()

	assert.ErrorIs(t, m.Trigger(480), ErrStopped)
	assert.ErrorIs(t, m.Reload(context.Background()), ErrStopped)
	boston, err := citydata.Lookup("Boston")
	require.NoError(t, err)
	assert.ErrorIs(t, m.SwitchCity(context.Background(), boston), ErrStopped)
}

func TestBuildSnapshot(t *testing.T) {
	city := testCity(t)
	res, err := traffic.Compute(testDataset().Stations, testDataset().Trips, traffic.AnyTime)
	require.NoError(t, err)
	now := time.Date(2024, 3, 12, 9, 0, 0, 0, time.UTC)

	snap := BuildSnapshot(city, res, now)

	assert.Equal(t, now, snap.Timestamp)
	assert.Equal(t, city.Center, snap.Center)
	require.Len(t, snap.BikeLanes, 1)
	assert.Equal(t, "bike-lanes-chicago", snap.BikeLanes[0].LayerID)
	for _, s := range snap.Stations {
		assert.Equal(t, s.Arrivals+s.Departures, s.TotalTraffic)
	}
}
