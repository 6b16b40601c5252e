package main

import (
	"context"
	"database/sql"
	"log"
	"os/signal"
	"sync"
	"syscall"
	"time"
	_ "time/tzdata"

	"bikemap/internal/citydata"
	"bikemap/internal/config"
	"bikemap/internal/db"
	"bikemap/internal/metrics"
	"bikemap/internal/publisher"
	"bikemap/internal/session"

	"github.com/nats-io/nats.go"
)

func main() {
	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	city, err := citydata.Lookup(cfg.City)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Metrics setup
	var mcol *metrics.Collector
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.RefreshInterval)
		srv := mcol.Serve(cfg.MetricsAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	svc := &service{cfg: cfg, mcol: mcol}
	var loader session.Loader
	switch cfg.DataSource {
	case config.SourcePostgres:
		sqlDB, dbName, err := openCityDB(ctx, cfg.DatabaseURL, city.Name)
		if err != nil {
			log.Fatalf("db error: %v", err)
		}
		svc.store = db.NewStore(sqlDB, cfg.Location)
		svc.dbName = dbName
		defer func() {
			if conn := svc.store.DB(); conn != nil {
				conn.Close()
			}
		}()
		loader = svc.store
		log.Printf("Using database %q for city %q", dbName, city.Name)
	default:
		src := citydata.NewSource(cfg.FetchTimeout, cfg.Location)
		src.StationsURL = cfg.StationsURL
		src.TripsURL = cfg.TripsURL
		src.OverrideCity = city.Name
		loader = src
	}

	pub, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectRoot, cfg.LogNATSSubjects, wrapPublisherMetrics(mcol))
	if err != nil {
		log.Fatalf("nats error: %v", err)
	}
	defer pub.Close()
	svc.pub = pub

	svc.mgr = session.NewManager(loader, pub, city, cfg.RefreshInterval, mcol)
	if err := svc.mgr.Start(ctx, cfg.InitialAnchor); err != nil {
		log.Fatalf("start session: %v", err)
	}
	svc.mgr.StartRefresher(ctx)

	svc.mu.Lock()
	err = svc.subscribeAnchors(city.Name)
	svc.mu.Unlock()
	if err != nil {
		log.Fatalf("nats error: %v", err)
	}
	citySub, err := pub.SubscribeCity(func(name string) {
		if err := svc.switchCity(ctx, name); err != nil {
			log.Printf("city %q rejected: %v", name, err)
		}
	})
	if err != nil {
		log.Fatalf("nats error: %v", err)
	}

	// Watch for newer city imports when the data lives in Postgres
	var done chan struct{}
	if svc.store != nil && cfg.DBWatchInterval > 0 {
		done = make(chan struct{})
		go func() {
			defer close(done)
			svc.watchCityDB(ctx)
		}()
	}

	// Block until context cancelled
	<-ctx.Done()
	_ = citySub.Unsubscribe()
	svc.mu.Lock()
	if svc.anchorSub != nil {
		_ = svc.anchorSub.Unsubscribe()
	}
	svc.mu.Unlock()
	svc.mgr.Stop()
	if done != nil {
		<-done
	}
	log.Println("shutdown complete")
}

// service holds what changes when the served city or its import database
// changes. mu serializes city switches with the database watcher.
type service struct {
	cfg   *config.Config
	pub   *publisher.NATSPublisher
	mgr   *session.Manager
	store *db.Store // nil unless DATA_SOURCE=postgres
	mcol  *metrics.Collector

	mu        sync.Mutex
	dbName    string
	anchorSub *nats.Subscription
}

// subscribeAnchors moves the anchor subscription to city. Callers hold mu.
func (s *service) subscribeAnchors(city string) error {
	sub, err := s.pub.SubscribeAnchors(city, func(anchor int) {
		if err := s.mgr.Trigger(anchor); err != nil {
			log.Printf("anchor %d rejected: %v", anchor, err)
		}
	})
	if err != nil {
		return err
	}
	if s.anchorSub != nil {
		_ = s.anchorSub.Unsubscribe()
	}
	s.anchorSub = sub
	return nil
}

// switchCity makes name the served city. In postgres mode the city's latest
// import database is resolved first; on failure the previous city keeps
// being served.
func (s *service) switchCity(ctx context.Context, name string) error {
	city, err := citydata.Lookup(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mgr.City().Name == city.Name {
		return nil
	}

	var prevDB *sql.DB
	var newName string
	if s.store != nil {
		newDB, dbName, err := openCityDB(ctx, s.cfg.DatabaseURL, city.Name)
		if err != nil {
			return err
		}
		prevDB = s.store.Use(newDB)
		newName = dbName
	}
	if err := s.mgr.SwitchCity(ctx, city); err != nil {
		if s.store != nil {
			if newDB := s.store.Use(prevDB); newDB != nil {
				newDB.Close()
			}
		}
		return err
	}
	if s.store != nil {
		log.Printf("Switched to DB %q for city %q", newName, city.Name)
		s.dbName = newName
		if s.mcol != nil {
			s.mcol.DBSwitches.WithLabelValues("city").Inc()
		}
		if prevDB != nil {
			prevDB.Close()
		}
	}
	return s.subscribeAnchors(city.Name)
}

// openCityDB resolves the latest import database for city via the cluster's
// meta database and connects to it.
func openCityDB(ctx context.Context, baseDSN, city string) (*sql.DB, string, error) {
	name, err := resolveCityDBName(ctx, baseDSN, city)
	if err != nil {
		return nil, "", err
	}
	conn, err := connect(ctx, baseDSN, name)
	if err != nil {
		return nil, "", err
	}
	return conn, name, nil
}

func resolveCityDBName(ctx context.Context, baseDSN, city string) (string, error) {
	metaDB, err := connect(ctx, baseDSN, db.MetaDatabase)
	if err != nil {
		return "", err
	}
	defer metaDB.Close()
	return db.ResolveLatestImportDBName(ctx, metaDB, city)
}

func connect(ctx context.Context, baseDSN, name string) (*sql.DB, error) {
	dsn, err := db.WithDBName(baseDSN, name)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// watchCityDB switches the store to a newer import database, or reconnects
// when the current one stops answering, then reloads the session.
func (s *service) watchCityDB(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.DBWatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s.checkCityDB(ctx)
	}
}

func (s *service) checkCityDB(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	city := s.mgr.City().Name

	// 1) Ping current DB; if it fails, force re-resolve
	needSwitch := false
	if err := db.Ping(ctx, s.store.DB()); err != nil {
		log.Printf("db ping failed: %v; re-resolving city DB", err)
		if s.mcol != nil {
			s.mcol.DBSwitches.WithLabelValues("ping_failure").Inc()
		}
		needSwitch = true
	}

	// 2) Always re-resolve latest import, compare db_name
	newName, err := resolveCityDBName(ctx, s.cfg.DatabaseURL, city)
	if err != nil {
		log.Printf("resolve latest import error: %v", err)
		return
	}
	if newName != s.dbName {
		log.Printf("Detected updated DB for city %q: %q -> %q", city, s.dbName, newName)
		if s.mcol != nil {
			s.mcol.DBSwitches.WithLabelValues("update").Inc()
		}
		needSwitch = true
	}
	if !needSwitch {
		return
	}

	newDB, err := connect(ctx, s.cfg.DatabaseURL, newName)
	if err != nil {
		log.Printf("open new DB error: %v", err)
		return
	}
	prev := s.store.Use(newDB)
	s.dbName = newName
	log.Printf("Switched to DB %q for city %q", newName, city)
	if err := s.mgr.Reload(ctx); err != nil {
		log.Printf("reload after DB switch: %v", err)
	}
	if prev != nil {
		prev.Close()
	}
}

// wrapPublisherMetrics adapts our Collector to the PublisherMetrics interface.
func wrapPublisherMetrics(c *metrics.Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return &pubMetrics{c: c}
}

type pubMetrics struct{ c *metrics.Collector }

func (p *pubMetrics) NATSPublishedInc()              { p.c.NATSPublished.Inc() }
func (p *pubMetrics) NATSPublishErrInc()             { p.c.NATSPublishErrs.Inc() }
func (p *pubMetrics) PublishObserve(d time.Duration) { p.c.PublishDuration.Observe(d.Seconds()) }
func (p *pubMetrics) NATSSetConnected(b bool) {
	if b {
		p.c.NATSConnected.Set(1)
	} else {
		p.c.NATSConnected.Set(0)
	}
}
