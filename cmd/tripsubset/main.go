// Command tripsubset trims a bike-share trips export down to the columns and
// share of rows the traffic map needs, or imports a city's stations and trips
// into a fresh Postgres import database.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"bikemap/internal/citydata"
	"bikemap/internal/config"
	"bikemap/internal/db"
)

func main() {
	var (
		in       = flag.String("in", "", "input trips CSV")
		out      = flag.String("out", "", "output CSV (default stdout)")
		fraction = flag.Float64("fraction", 0.3, "share of rows to keep, from the top of the file")
		rows     = flag.Int("rows", 0, "keep this many rows instead of a fraction (reads -in once, \"-\" for stdin)")
		doImport = flag.Bool("import", false, "import stations and trips into Postgres instead of subsetting")
		city     = flag.String("city", "", "city to import (defaults to CITY)")
		stations = flag.String("stations", "", "station information URL or file (defaults to the city's feed)")
	)
	flag.Parse()

	if *doImport {
		if err := runImport(*city, *stations, *in); err != nil {
			log.Fatalf("import error: %v", err)
		}
		return
	}

	if *in == "" {
		log.Fatal("-in is required")
	}
	if err := runSubset(*in, *out, *fraction, *rows); err != nil {
		log.Fatalf("subset error: %v", err)
	}
}

func runSubset(inPath, outPath string, fraction float64, rows int) error {
	src := os.Stdin
	if inPath != "-" {
		f, err := os.Open(inPath)
		if err != nil {
			return err
		}
		defer f.Close()
		src = f
	} else if rows <= 0 {
		return fmt.Errorf("reading stdin requires -rows")
	}

	dst := os.Stdout
	if outPath != "" {
		f, err := os.Create(outPath)
		if err != nil {
			return err
		}
		defer f.Close()
		dst = f
	}

	var n int
	var err error
	if rows > 0 {
		n, err = citydata.SubsetRows(src, dst, rows)
	} else {
		n, err = citydata.Subset(src, dst, fraction)
	}
	if err != nil {
		return err
	}
	log.Printf("wrote %d trips", n)
	return nil
}

func runImport(cityName, stationsURL, tripsURL string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cityName == "" {
		cityName = cfg.City
	}
	city, err := citydata.Lookup(cityName)
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL or DATA_SOURCE=postgres with PG* variables is required for -import")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	src := citydata.NewSource(cfg.FetchTimeout, cfg.Location)
	src.StationsURL = firstNonEmpty(stationsURL, cfg.StationsURL)
	src.TripsURL = firstNonEmpty(tripsURL, cfg.TripsURL)
	ds, err := src.Load(ctx, city.Name)
	if err != nil {
		return err
	}

	metaDSN, err := db.WithDBName(cfg.DatabaseURL, db.MetaDatabase)
	if err != nil {
		return err
	}
	meta, err := db.Open(metaDSN)
	if err != nil {
		return err
	}
	defer meta.Close()
	if err := db.Ping(ctx, meta); err != nil {
		return err
	}

	name := db.ImportDBName(city.Name, time.Now().In(cfg.Location))
	if err := db.EnsureDatabase(ctx, meta, name); err != nil {
		return err
	}
	cityDSN, err := db.WithDBName(cfg.DatabaseURL, name)
	if err != nil {
		return err
	}
	conn, err := db.Open(cityDSN)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := db.EnsureSchema(ctx, conn); err != nil {
		return err
	}
	if err := db.ImportDataset(ctx, conn, ds); err != nil {
		return err
	}
	if err := db.RecordImport(ctx, meta, name); err != nil {
		return err
	}
	log.Printf("imported %d stations and %d trips for %s into %q", len(ds.Stations), len(ds.Trips), city.Name, name)
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
