package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	_ "modernc.org/sqlite"

	"github.com/vertriqe/vertriqe-dashboard-sub000/internal/analysis"
	"github.com/vertriqe/vertriqe-dashboard-sub000/internal/api"
	"github.com/vertriqe/vertriqe-dashboard-sub000/internal/export"
	"github.com/vertriqe/vertriqe-dashboard-sub000/internal/ingest"
	"github.com/vertriqe/vertriqe-dashboard-sub000/internal/models"
	"github.com/vertriqe/vertriqe-dashboard-sub000/internal/narrative"
	"github.com/vertriqe/vertriqe-dashboard-sub000/internal/store"
)

type Globals struct {
	DB       string `help:"Path to SQLite database." env:"VERTRIQE_DB" default:"data/vertriqe.db"`
	Timezone string `help:"Timezone for scheduling and logs." env:"VERTRIQE_TZ" default:"Asia/Hong_Kong"`
}

type InfluxFlags struct {
	URL    string `help:"InfluxDB URL; export is disabled when empty." env:"INFLUX_URL"`
	Token  string `help:"InfluxDB API token." env:"INFLUX_TOKEN"`
	Org    string `help:"InfluxDB organisation." env:"INFLUX_ORG"`
	Bucket string `help:"InfluxDB bucket." env:"INFLUX_BUCKET" default:"baselines"`
}

type BillFlags struct {
	Addr     string `help:"FTP host:port serving <site>.csv bill exports; disabled when empty." env:"BILLS_FTP_ADDR"`
	User     string `help:"FTP user." env:"BILLS_FTP_USER"`
	Password string `help:"FTP password." env:"BILLS_FTP_PASSWORD"`
	Dir      string `help:"FTP directory holding bill exports." env:"BILLS_FTP_DIR" default:"/bills"`
}

type ServeCmd struct {
	Port        string        `help:"HTTP server port." env:"VERTRIQE_PORT" default:"8080"`
	NoPoll      bool          `help:"Disable background ingestion (server only, for local dev)."`
	Interval    time.Duration `help:"Ingestion interval." env:"VERTRIQE_INGEST_INTERVAL" default:"1h"`
	OpenAIKey   string        `name:"openai-key" help:"OpenAI API key for baseline narratives." env:"OPENAI_API_KEY"`
	OpenAIModel string        `name:"openai-model" help:"Chat model for narratives." env:"OPENAI_MODEL" default:"gpt-4o-mini"`

	Influx InfluxFlags `embed:"" prefix:"influx-"`
	Bills  BillFlags   `embed:"" prefix:"bills-"`
}

func (c *ServeCmd) Run(g *Globals) error {
	st, db, err := openStore(g)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	analyzer := analysis.New(st)
	if w := newExporter(ctx, c.Influx); w != nil {
		defer w.Close()
		analyzer.SetExporter(w)
	}

	server := api.NewServer(st, analyzer, c.Port)
	if c.OpenAIKey != "" {
		n, err := narrative.NewOpenAINarrator(c.OpenAIKey, c.OpenAIModel)
		if err != nil {
			return fmt.Errorf("narrator: %w", err)
		}
		server.SetNarrator(n)
	} else {
		log.Println("OPENAI_API_KEY not set, using plain summaries")
	}

	if !c.NoPoll {
		scheduler := newScheduler(st, analyzer, c.Interval, c.Bills)
		go scheduler.Run(ctx)
	} else {
		log.Println("polling disabled (--no-poll)")
	}

	return server.Run(ctx)
}

type IngestCmd struct {
	Influx InfluxFlags `embed:"" prefix:"influx-"`
	Bills  BillFlags   `embed:"" prefix:"bills-"`
}

func (c *IngestCmd) Run(g *Globals) error {
	st, db, err := openStore(g)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	analyzer := analysis.New(st)
	if w := newExporter(ctx, c.Influx); w != nil {
		defer w.Close()
		analyzer.SetExporter(w)
	}

	log.Println("running single ingestion")
	if err := newScheduler(st, analyzer, time.Hour, c.Bills).IngestOnce(ctx); err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	log.Println("done")
	return nil
}

type OptimizeCmd struct {
	Site   string   `arg:"" help:"Site ID."`
	Target *float64 `help:"Non-AC energy per billing period (kWh); defaults to the site's configured target."`
}

func (c *OptimizeCmd) Run(g *Globals) error {
	st, db, err := openStore(g)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	sr, err := analysis.New(st).SiteBaseline(ctx, c.Site, c.Target)
	if err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, narrative.Summarize(sr.Site.Name, sr.Result))
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(sr.Result)
}

type ImportCmd struct {
	Site string `arg:"" help:"Site ID."`
	File string `arg:"" type:"existingfile" help:"CSV with period,total_kwh,avg_temp_c columns."`
}

func (c *ImportCmd) Run(g *Globals) error {
	st, db, err := openStore(g)
	if err != nil {
		return err
	}
	defer db.Close()

	site, err := st.GetSite(c.Site)
	if err != nil {
		return fmt.Errorf("get site: %w", err)
	}
	if site == nil {
		return fmt.Errorf("%w: %s", analysis.ErrSiteNotFound, c.Site)
	}

	f, err := os.Open(c.File)
	if err != nil {
		return err
	}
	defer f.Close()

	observations, skipped, err := ingest.ParseBillsCSV(c.Site, f)
	if err != nil {
		return fmt.Errorf("parse %s: %w", c.File, err)
	}
	var stored int
	for _, obs := range observations {
		obs.Source = "cli"
		if flags := ingest.ValidateObservation(&obs); len(flags) > 0 {
			log.Printf("import: %s %s flagged %v", c.Site, obs.Date(), flags)
		}
		if err := st.UpsertObservation(obs); err != nil {
			return fmt.Errorf("store %s: %w", obs.Date(), err)
		}
		stored++
	}
	log.Printf("import: stored %d observations for %s (%d rows skipped)", stored, c.Site, skipped)
	return nil
}

type SiteCmd struct {
	ID        string   `arg:"" help:"Site ID."`
	Name      string   `help:"Display name."`
	Latitude  float64  `help:"Latitude for weather lookups." name:"lat"`
	Longitude float64  `help:"Longitude for weather lookups." name:"lon"`
	Target    *float64 `help:"Non-AC energy per billing period (kWh)."`
	Inactive  bool     `help:"Exclude the site from ingestion and refresh."`
}

func (c *SiteCmd) Run(g *Globals) error {
	st, db, err := openStore(g)
	if err != nil {
		return err
	}
	defer db.Close()

	site := models.Site{
		SiteID:    c.ID,
		Name:      c.Name,
		Latitude:  c.Latitude,
		Longitude: c.Longitude,
		Timezone:  g.Timezone,
		Active:    !c.Inactive,
	}
	if c.Target != nil {
		site.TargetNonACEnergy = sql.NullFloat64{Float64: *c.Target, Valid: true}
	}
	if err := st.UpsertSite(site); err != nil {
		return fmt.Errorf("upsert site %s: %w", c.ID, err)
	}
	log.Printf("site %s saved", c.ID)
	return nil
}

type MigrateCmd struct{}

func (c *MigrateCmd) Run(g *Globals) error {
	st, db, err := openStore(g)
	if err != nil {
		return err
	}
	defer db.Close()

	version, err := st.MigrationVersion()
	if err != nil {
		return err
	}
	log.Printf("schema at version %d", version)
	return nil
}

type CLI struct {
	Globals

	Serve    ServeCmd    `cmd:"" default:"withargs" help:"Run the HTTP API and background ingestion."`
	Ingest   IngestCmd   `cmd:"" help:"Ingest bills and hourly temperatures once and exit."`
	Optimize OptimizeCmd `cmd:"" help:"Compute a site's baseline and print it as JSON."`
	Import   ImportCmd   `cmd:"" help:"Import a local bill CSV for a site."`
	Site     SiteCmd     `cmd:"" help:"Create or update a site."`
	Migrate  MigrateCmd  `cmd:"" help:"Apply database migrations and exit."`
}

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Warning: could not load .env: %v", err)
	}

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("vertriqe"),
		kong.Description("Energy baseline service: separates AC load from base load using billing history."),
		kong.UsageOnError(),
	)
	kctx.FatalIfErrorf(kctx.Run(&cli.Globals))
}

func openStore(g *Globals) (*store.Store, *sql.DB, error) {
	if dir := filepath.Dir(g.DB); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", g.DB)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA busy_timeout=5000")

	loc, err := time.LoadLocation(g.Timezone)
	if err != nil {
		log.Printf("Warning: could not load %s timezone, using UTC: %v", g.Timezone, err)
		loc = time.UTC
	}

	st := store.New(db, loc)
	if err := st.Migrate(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return st, db, nil
}

func newScheduler(st *store.Store, analyzer *analysis.Analyzer, interval time.Duration, bills BillFlags) *ingest.Scheduler {
	scheduler := ingest.NewScheduler(st, ingest.NewWeatherClient(), interval)
	scheduler.SetRefresher(analyzer)
	if bills.Addr != "" {
		scheduler.SetBillSource(ingest.NewBillImporter(bills.Addr, bills.User, bills.Password, bills.Dir))
	} else {
		log.Println("BILLS_FTP_ADDR not set, bill import disabled")
	}
	return scheduler
}

// newExporter returns nil when export is not configured or InfluxDB is
// unreachable; baselines are still served without it.
func newExporter(ctx context.Context, cfg InfluxFlags) *export.InfluxWriter {
	if cfg.URL == "" {
		return nil
	}
	w, err := export.NewInfluxWriter(ctx, export.Config{URL: cfg.URL, Token: cfg.Token, Org: cfg.Org, Bucket: cfg.Bucket})
	if err != nil {
		log.Printf("Warning: influx export disabled: %v", err)
		return nil
	}
	return w
}
