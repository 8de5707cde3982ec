// meshbridge forwards traffic heard by a MeshCore radio to MQTT brokers.
//
// It reads the radio's serial console, decodes the packets it prints and
// publishes status, raw, decoded and summary messages to every configured
// broker. Optionally it records adverts in SQLite, writes telemetry to
// InfluxDB and serves a small status API.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/meshcore-bridge/internal/api"
	"github.com/nerrad567/meshcore-bridge/internal/auth"
	"github.com/nerrad567/meshcore-bridge/internal/bridges/meshcore"
	"github.com/nerrad567/meshcore-bridge/internal/infrastructure/config"
	"github.com/nerrad567/meshcore-bridge/internal/infrastructure/database"
	"github.com/nerrad567/meshcore-bridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/meshcore-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/meshcore-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/meshcore-bridge/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

type cli struct {
	Config  string           `help:"Path to the YAML configuration file. Without one, settings come from the environment." type:"path" env:"MCTOMQTT_CONFIG"`
	EnvDir  string           `help:"Directory holding .env and .env.local." type:"path" default:"." env:"MCTOMQTT_ENV_DIR"`
	Debug   bool             `help:"Log at debug level and forward DEBUG console lines."`
	Version kong.VersionFlag `help:"Print version information and exit."`
}

func main() {
	var params cli
	kong.Parse(&params,
		kong.Name("meshbridge"),
		kong.Description("Bridge a MeshCore radio's serial console to MQTT brokers."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, params); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run wires the bridge together and blocks until ctx is cancelled or a
// component fails. Resources are released in reverse order of creation.
func run(ctx context.Context, params cli) error {
	log := logging.Default()
	log.Info("starting meshbridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := loadConfig(params)
	if err != nil {
		return err
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", params.Config,
		"brokers", len(cfg.EnabledBrokers()),
		"debug", cfg.Bridge.Debug,
	)

	var (
		packetObservers  []meshcore.PacketObserver
		summaryObservers []meshcore.SummaryObserver
	)

	// Node registry (optional)
	var recorder *meshcore.NodeRecorder
	if cfg.Database.Enabled {
		db, dbErr := openDatabase(ctx, cfg.Database, log)
		if dbErr != nil {
			return dbErr
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()

		recorder = meshcore.NewNodeRecorder(db.DB)
		recorder.SetLogger(log.Component("nodes"))
		if startErr := recorder.Start(); startErr != nil {
			return fmt.Errorf("starting node recorder: %w", startErr)
		}
		defer recorder.Stop()
		packetObservers = append(packetObservers, recorder)
	} else {
		log.Info("node registry disabled")
	}

	// Telemetry (optional)
	if cfg.InfluxDB.Enabled {
		influxClient, influxErr := influxdb.Connect(cfg.InfluxDB)
		if influxErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", influxErr)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		telemetry := meshcore.NewTelemetry(influxClient)
		packetObservers = append(packetObservers, telemetry)
		summaryObservers = append(summaryObservers, telemetry)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Live feed hub, created before the bridge so it can observe traffic.
	var hub *api.Hub
	if cfg.API.Enabled {
		hub = api.NewHub(cfg.API.WebSocket, log.Component("api"))
		packetObservers = append(packetObservers, hub)
		summaryObservers = append(summaryObservers, hub)
	}

	// Serial console
	console := meshcore.NewConsole(meshcore.ConsoleOptions{
		Ports:       cfg.Device.SerialPorts,
		BaudRate:    cfg.Device.BaudRate,
		ReadTimeout: time.Duration(cfg.Device.ReadTimeout) * time.Second,
		ReplyWait:   cfg.GetReplyWait(),
		Logger:      log.Component("console"),
	})
	if err := console.Open(ctx); err != nil {
		return fmt.Errorf("opening serial console: %w", err)
	}
	defer func() {
		if closeErr := console.Close(); closeErr != nil {
			log.Error("error closing serial console", "error", closeErr)
		}
	}()
	log.Info("serial console open", "port", console.Port(), "baud", cfg.Device.BaudRate)

	// The fleet only exists once the bridge has read the device identity.
	var fleet atomic.Pointer[mqtt.Fleet]
	newUplink := func(_ context.Context, id meshcore.Identity) (meshcore.Uplink, error) {
		f, fleetErr := newFleet(cfg, id, log)
		if fleetErr != nil {
			return nil, fleetErr
		}
		fleet.Store(f)
		return f, nil
	}

	clientVersion := cfg.Bridge.ClientVersion
	if clientVersion == "" {
		clientVersion = "meshbridge/" + version
	}

	bridge, err := meshcore.NewBridge(meshcore.BridgeOptions{
		Lines:            console,
		Identity:         console,
		NewUplink:        newUplink,
		PacketObservers:  packetObservers,
		SummaryObservers: summaryObservers,
		Debug:            cfg.Bridge.Debug,
		ClientVersion:    clientVersion,
		PollInterval:     cfg.GetPollInterval(),
		ConnectTimeout:   cfg.GetConnectTimeout(),
		InitialRetries:   cfg.Bridge.InitialRetries,
		Logger:           log.Component("bridge"),
	})
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}
	defer bridge.Close()

	// Status API (optional), started before the brokers so it can report
	// the startup phase.
	var server *api.Server
	if cfg.API.Enabled {
		deps := api.Deps{
			Config: cfg.API,
			Logger: log,
			Brokers: func() api.BrokerStatusSource {
				if f := fleet.Load(); f != nil {
					return f
				}
				return nil
			},
			Bridge:  bridge,
			Hub:     hub,
			Version: version,
		}
		if recorder != nil {
			deps.Nodes = recorder
		}
		server, err = api.New(deps)
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		if err := server.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
	} else {
		log.Info("status API disabled")
	}

	g, gctx := errgroup.WithContext(ctx)
	if server != nil {
		g.Go(func() error {
			<-gctx.Done()
			return server.Close()
		})
	}
	g.Go(func() error {
		if err := bridge.Start(gctx); err != nil {
			return fmt.Errorf("starting bridge: %w", err)
		}
		log.Info("initialisation complete, bridging", "device", bridge.Identity().Name)
		return bridge.Run(gctx)
	})

	err = g.Wait()
	if ctx.Err() != nil && (err == nil || errors.Is(err, context.Canceled)) {
		log.Info("shutdown signal received, meshbridge stopped")
		return nil
	}
	return err
}

// loadConfig reads env files, the optional YAML file and the environment,
// then applies command-line overrides.
func loadConfig(params cli) (*config.Config, error) {
	if err := config.LoadEnvFiles(params.EnvDir); err != nil {
		return nil, fmt.Errorf("loading env files: %w", err)
	}
	cfg, err := config.Load(params.Config)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if params.Debug {
		cfg.Bridge.Debug = true
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

// openDatabase opens the node registry and applies pending migrations.
func openDatabase(ctx context.Context, cfg config.DatabaseConfig, log *logging.Logger) (*database.DB, error) {
	db, err := database.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		db.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database ready", "path", db.Path())
	return db, nil
}

// newFleet builds the credential manager and broker connections for the
// device identity. A private key the firmware reports but that does not
// parse only disables token authentication.
func newFleet(cfg *config.Config, id meshcore.Identity, log *logging.Logger) (*mqtt.Fleet, error) {
	authOpts := auth.Options{
		PublicKey:     id.PublicKey,
		PrivateKey:    id.PrivateKey,
		TTL:           cfg.GetTokenTTL(),
		RefreshMargin: cfg.GetRefreshMargin(),
		Logger:        log.Component("auth"),
	}
	creds, err := auth.NewManager(authOpts)
	if err != nil {
		log.Warn("device private key unusable, token authentication disabled", "error", err)
		authOpts.PrivateKey = ""
		if creds, err = auth.NewManager(authOpts); err != nil {
			return nil, fmt.Errorf("creating credential manager: %w", err)
		}
	}

	slots := cfg.EnabledBrokers()
	for _, slot := range slots {
		b := slot.Broker
		creds.Register(b.Name, auth.BrokerAuth{
			UseToken: b.UseToken,
			Audience: b.TokenAudience,
			Username: b.Username,
			Password: b.Password,
		})
		if b.UseToken && !creds.HasPrivateKey() {
			log.Warn("broker requires token authentication but no device key is available", "broker", b.Name)
		}
	}

	fleet, err := mqtt.NewFleet(mqtt.FleetOptions{
		Bridge:         cfg.Bridge,
		Brokers:        slots,
		Origin:         mqtt.Origin{Name: id.Name, PublicKey: id.PublicKey},
		Credentials:    creds,
		ConnectTimeout: cfg.GetConnectTimeout(),
		Logger:         log.Component("mqtt"),
	})
	if err != nil {
		return nil, fmt.Errorf("creating broker fleet: %w", err)
	}
	return fleet, nil
}
