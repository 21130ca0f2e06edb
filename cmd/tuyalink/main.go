// Tuyalink - LAN controller daemon for Tuya Wi-Fi switches and bulbs.
//
// Listens for discovery beacons, keeps commanded and reported state in
// agreement, and republishes both over REST, MQTT, Valkey and Kafka.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/crypto/bcrypt"

	"tuyalink/api"
	"tuyalink/config"
	"tuyalink/devman"
	"tuyalink/kafka"
	"tuyalink/logging"
	"tuyalink/model"
	"tuyalink/mqtt"
	"tuyalink/tuya"
	"tuyalink/valkey"
	"tuyalink/web"
)

// Version is set at build time via -ldflags
var Version = "dev"

// preprocessDebugFlag handles --debug without a value by injecting "all"
// as the default, so `tuyalink --debug` alone enables all protocol logging.
func preprocessDebugFlag() {
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--debug" || arg == "-debug" {
			// Check if next arg exists and is not another flag
			if i+1 >= len(args) || (len(args[i+1]) > 0 && args[i+1][0] == '-') {
				os.Args = append(os.Args[:i+2], append([]string{"all"}, os.Args[i+2:]...)...)
			}
			return
		}
		if len(arg) > 7 && (arg[:8] == "--debug=" || arg[:7] == "-debug=") {
			return
		}
	}
}

// Command line flags
var (
	configPath  = flag.String("config", config.DefaultPath(), "Path to configuration file")
	devicesPath = flag.String("devices", "", "Path to device database (overrides config)")
	showVersion = flag.Bool("version", false, "Show version and exit")
	httpPort    = flag.Int("http", 0, "HTTP listen port (overrides config)")
	debugFlag   = flag.String("debug", "", "Enable protocol debug logging (comma-separated filter)")
	debugFile   = flag.String("debug-file", "", "Path for the debug log (overrides config)")
	hashToken   = flag.String("hash-token", "", "Print the bcrypt hash of an API token and exit")
)

func main() {
	preprocessDebugFlag()

	flag.Parse()

	if *showVersion {
		fmt.Printf("tuyalink %s\n", Version)
		os.Exit(0)
	}

	// Hash an API token for web.token_hash and exit
	if *hashToken != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(*hashToken), bcrypt.DefaultCost)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error hashing token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(hash))
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	// Override config from flags (in memory only)
	if *httpPort != 0 {
		cfg.Web.Port = *httpPort
	}
	if *devicesPath != "" {
		cfg.Tuya.DevicesPath = *devicesPath
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	run(cfg)
}

func run(cfg *config.Config) {
	// Set up protocol debug logging
	var debugLogger *logging.DebugLogger
	debugPath := *debugFile
	if debugPath == "" {
		debugPath = cfg.Logging.DebugFile
	}
	if debugPath == "" && *debugFlag != "" {
		debugPath = "debug.log"
	}
	if debugPath != "" {
		var err error
		debugLogger, err = logging.NewDebugLogger(debugPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to open debug log: %v\n", err)
		} else {
			filter := *debugFlag
			if filter == "all" || filter == "true" || filter == "1" {
				filter = ""
			}
			if filter == "" {
				filter = cfg.Logging.Protocols
			}
			debugLogger.SetFilter(filter)
			logging.SetGlobalDebugLogger(debugLogger)
			if filter == "" {
				fmt.Printf("Debug logging enabled (all protocols) - writing to %s\n", debugPath)
			} else {
				fmt.Printf("Debug logging enabled (filter: %s) - writing to %s\n", filter, debugPath)
			}
		}
	}

	// Set up the event journal
	var journal *logging.FileLogger
	if cfg.Logging.EventFile != "" {
		var err error
		journal, err = logging.NewFileLogger(cfg.Logging.EventFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to open event journal: %v\n", err)
		}
	}

	// Build the registry and controller
	registry := model.NewRegistry()
	mgr := devman.NewManager(registry, devman.Options{
		ControlPort: cfg.Tuya.ControlPort,
		Journal:     journal,
	})

	// Load the device database. Models first so configured devices
	// resolve their control points immediately.
	db, err := config.LoadDevices(cfg.Tuya.DevicesPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to load device database: %v\n", err)
		db = &config.DeviceDB{}
	}
	mgr.RefreshModels(db.Tuya.Models)
	mgr.RefreshDevices(db.Tuya.Devices)
	mgr.Changed() // Loading is not a mutation worth persisting

	// Create the MQTT publishers
	mqttMgr := mqtt.NewManager(cfg.Namespace)
	mqttMgr.LoadFromConfig(cfg.MQTT)

	// Create the Valkey mirror
	var valkeyPub *valkey.Publisher
	if cfg.Valkey.Enabled {
		valkeyPub = valkey.NewPublisher(&cfg.Valkey, cfg.Namespace)
	}

	// Create the Kafka event stream
	var kafkaPub *kafka.Publisher
	if cfg.Kafka.Enabled {
		kafkaPub = kafka.NewPublisher(&cfg.Kafka, cfg.Namespace)
	}

	// Wire the transports to the controller
	setDevice := func(device string, on bool, pulse time.Duration, cause string) error {
		if device == "all" {
			for i := 0; i < mgr.Count(); i++ {
				mgr.Set(i, on, pulse, cause)
			}
			return nil
		}
		i := mgr.Index(device)
		if i < 0 {
			return devman.ErrUnknownDevice
		}
		return mgr.Set(i, on, pulse, cause)
	}

	mqttMgr.SetHandlers(mgr.Snapshot, setDevice)
	if valkeyPub != nil {
		valkeyPub.SetHandlers(mgr.Snapshot, setDevice)
	}

	// Fan controller events out. Handlers run under the controller lock,
	// so everything here only enqueues.
	mgr.Events().Subscribe(func(e devman.Event) {
		mqttMgr.QueueState(e.Device)
		if valkeyPub != nil {
			valkeyPub.QueueState(e.Device)
		}
		if kafkaPub != nil {
			kafkaPub.PublishEvent(e)
			switch e.Type {
			case devman.EventDetected:
				kafkaPub.PublishHealth(e.Device, true, "")
			case devman.EventSilent:
				kafkaPub.PublishHealth(e.Device, false, "silent")
			}
		}
	})

	// Bind the discovery ports. Without beacons the controller never
	// learns device addresses, so failure here is fatal.
	listener, err := tuya.Listen(cfg.Tuya.PlainPort, cfg.Tuya.EncryptedPort, mgr.HandleBeacon)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error binding discovery ports: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Listening for device beacons on UDP %d/%d\n", cfg.Tuya.PlainPort, cfg.Tuya.EncryptedPort)

	// Start the controller loop
	mgr.Start()

	// Start the HTTP server (unless disabled)
	var webServer *web.Server
	if cfg.Web.Enabled {
		router := api.NewRouter(mgr, registry, cfg.Tuya.DevicesPath)
		ws := web.NewServer(&cfg.Web, router)
		if err := ws.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to start web server on port %d: %v\n", cfg.Web.Port, err)
			fmt.Fprintf(os.Stderr, "Continuing without HTTP server.\n")
		} else {
			webServer = ws
			fmt.Printf("Web server at %s/tuya/status\n", webServer.Address())
		}
	}

	// Auto-start enabled publishers in the background
	go mqttMgr.StartAll()
	if valkeyPub != nil {
		go func() {
			if err := valkeyPub.Start(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: Failed to start Valkey publisher: %v\n", err)
			}
		}()
	}
	if kafkaPub != nil {
		go func() {
			if err := kafkaPub.Start(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: Failed to start Kafka publisher: %v\n", err)
			}
		}()
	}

	// Persist the device database whenever discovery or a config push
	// dirties it
	stopPersist := make(chan struct{})
	go persistLoop(mgr, registry, cfg.Tuya.DevicesPath, stopPersist)

	fmt.Println("Running. Press Ctrl+C to stop.")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	fmt.Printf("\nReceived %v, shutting down...\n", sig)

	// Graceful shutdown
	shutdownDone := make(chan struct{})
	go func() {
		close(stopPersist)
		listener.Close()
		mqttMgr.StopAll()
		if valkeyPub != nil {
			valkeyPub.Stop()
		}
		if kafkaPub != nil {
			kafkaPub.Stop()
		}
		if webServer != nil {
			webServer.Stop()
		}
		mgr.Stop()
		persistIfDirty(mgr, registry, cfg.Tuya.DevicesPath)
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
	case <-time.After(2 * time.Second):
	}

	if journal != nil {
		journal.Close()
	}
	if debugLogger != nil {
		debugLogger.Close()
	}

	fmt.Println("Stopped")
}

// persistLoop saves the device database when the table or the model
// registry has mutated since the last check.
func persistLoop(mgr *devman.Manager, registry *model.Registry, path string, stop chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			persistIfDirty(mgr, registry, path)
		}
	}
}

func persistIfDirty(mgr *devman.Manager, registry *model.Registry, path string) {
	deviceDirty := mgr.Changed()
	modelDirty := registry.Changed()
	if !deviceDirty && !modelDirty {
		return
	}

	db := &config.DeviceDB{
		Tuya: config.TuyaSection{
			Devices: mgr.ExportDevices(),
			Models:  registry.Snapshot(),
		},
	}
	if err := config.SaveDevices(path, db); err != nil {
		logging.DebugError("config", "persisting device database", err)
		return
	}
	logging.DebugLog("config", "device database saved to %s (%d devices, %d models)",
		path, len(db.Tuya.Devices), len(db.Tuya.Models))
}
