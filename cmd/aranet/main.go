package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cameronrye/aranet/internal/ble"
	"github.com/cameronrye/aranet/internal/config"
	"github.com/cameronrye/aranet/internal/manager"
	"github.com/cameronrye/aranet/internal/sensor"
	"github.com/cameronrye/aranet/internal/store"
)

const usage = `Usage: aranet [-config path] <command> [arguments]

Commands:
  scan                          discover nearby Aranet sensors
  read <device>                 read current sensor values
  info <device>                 show device identity and settings
  history <device> [-since d]   download the stored measurement history
  sync <device>                 download new history into the database
  set-interval <device> <min>   set measurement interval (1, 2, 5, or 10)
  set-range <device> <mode>     set Bluetooth range (standard or extended)
  set-smart-home <device> <on|off>
                                toggle Smart Home advertisements
  watch                         poll configured devices continuously

Devices may be addressed by config alias or by Bluetooth address.`

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/aranet/config.yaml)")
	flag.Usage = func() { fmt.Fprintln(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		fatal("config validation: %v", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	command := flag.Arg(0)
	args := flag.Args()[1:]

	if err := run(ctx, cfg, command, args); err != nil {
		fatal("%s: %v", command, err)
	}
}

func run(ctx context.Context, cfg *config.Config, command string, args []string) error {
	switch command {
	case "scan":
		return runScan(ctx, cfg)
	case "read":
		return withDevice(ctx, cfg, args, runRead)
	case "info":
		return withDevice(ctx, cfg, args, runInfo)
	case "history":
		return runHistory(ctx, cfg, args)
	case "sync":
		return runSync(ctx, cfg, args)
	case "set-interval":
		return runSetInterval(ctx, cfg, args)
	case "set-range":
		return runSetRange(ctx, cfg, args)
	case "set-smart-home":
		return runSetSmartHome(ctx, cfg, args)
	case "watch":
		return runWatch(ctx, cfg)
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

// openStore opens the configured database, or returns nil when it cannot
// be opened; commands that merely benefit from persistence keep working.
func openStore(ctx context.Context, cfg *config.Config) *store.Store {
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		slog.Warn("database unavailable, continuing without persistence", "path", cfg.DBPath, "error", err)
		return nil
	}
	if err := st.InitSchema(ctx); err != nil {
		slog.Warn("database schema init failed, continuing without persistence", "error", err)
		st.Close()
		return nil
	}
	return st
}

func newManager(ctx context.Context, cfg *config.Config, persist bool) (*manager.Manager, func()) {
	var st *store.Store
	if persist {
		st = openStore(ctx, cfg)
	}
	m := manager.New(ble.NewHardwareAdapter(), cfg, st)
	cleanup := func() {
		m.Shutdown()
		if st != nil {
			st.Close()
		}
	}
	return m, cleanup
}

func runScan(ctx context.Context, cfg *config.Config) error {
	m, cleanup := newManager(ctx, cfg, true)
	defer cleanup()

	fmt.Printf("Scanning for %ds...\n", cfg.Scan.TimeoutSeconds)
	found, err := m.Scan(ctx)
	if err != nil {
		return err
	}
	if len(found) == 0 {
		fmt.Println("No Aranet sensors found.")
		return nil
	}

	for _, d := range found {
		fmt.Printf("%-20s %-18s rssi %4d  %s", d.Address, d.Name, d.RSSI, d.Type)
		if d.Reading != nil {
			fmt.Printf("  %s", summarize(d.Type, *d.Reading))
		}
		fmt.Println()
	}
	return nil
}

// withDevice runs a command that needs one connected device.
func withDevice(ctx context.Context, cfg *config.Config, args []string, fn func(context.Context, *manager.Manager, *ble.Device) error) error {
	if len(args) < 1 {
		return fmt.Errorf("device alias or address required")
	}
	m, cleanup := newManager(ctx, cfg, true)
	defer cleanup()

	dev, err := m.Connect(ctx, args[0])
	if err != nil {
		return err
	}
	return fn(ctx, m, dev)
}

func runRead(ctx context.Context, m *manager.Manager, dev *ble.Device) error {
	reading, err := dev.ReadCurrent(ctx)
	if err != nil {
		return err
	}
	dt, _ := dev.Type()
	fmt.Println(summarize(dt, reading))
	fmt.Printf("battery %d%%  status %s  interval %ds  age %ds\n",
		reading.Battery, reading.Status, reading.Interval, reading.Age)
	return nil
}

func runInfo(ctx context.Context, m *manager.Manager, dev *ble.Device) error {
	info, err := dev.ReadInfo(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Name:         %s\n", info.Name)
	fmt.Printf("Model:        %s\n", info.Model)
	fmt.Printf("Serial:       %s\n", info.Serial)
	fmt.Printf("Firmware:     %s\n", info.Firmware)
	if info.Hardware != "" {
		fmt.Printf("Hardware:     %s\n", info.Hardware)
	}
	if info.Manufacturer != "" {
		fmt.Printf("Manufacturer: %s\n", info.Manufacturer)
	}

	settings, err := dev.ReadSettings(ctx)
	if err != nil {
		slog.Warn("settings unavailable", "device", dev.Address(), "error", err)
		return nil
	}
	fmt.Printf("Interval:     %s\n", settings.Interval.Duration())
	fmt.Printf("Smart Home:   %v\n", settings.SmartHomeEnabled)
	fmt.Printf("Range:        %s\n", settings.Range)
	return nil
}

func runHistory(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	since := fs.Duration("since", 0, "only records newer than this age (e.g. 24h)")
	if len(args) < 1 {
		return fmt.Errorf("device alias or address required")
	}
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	m, cleanup := newManager(ctx, cfg, false)
	defer cleanup()

	dev, err := m.Connect(ctx, args[0])
	if err != nil {
		return err
	}

	opts := ble.HistoryOptions{
		ReadDelay: time.Duration(cfg.History.ReadDelayMillis) * time.Millisecond,
		Adaptive:  cfg.History.Adaptive,
	}
	if *since > 0 {
		opts.Start = time.Now().Add(-*since)
	}

	records, err := dev.DownloadHistory(ctx, opts)
	if err != nil {
		return err
	}

	fmt.Println("timestamp,co2_ppm,temperature_c,pressure_hpa,humidity_pct,radon_bq_m3,dose_rate_usv_h,total_dose_msv")
	for _, r := range records {
		fmt.Printf("%s,%d,%.2f,%.1f,%d,%s,%s,%s\n",
			r.Timestamp.Format(time.RFC3339),
			r.CO2, r.Temperature, r.Pressure, r.Humidity,
			optUint(r.Radon), optFloat32(r.RadiationRate), optFloat64(r.RadiationTotal))
	}
	return nil
}

func runSync(ctx context.Context, cfg *config.Config, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("device alias or address required")
	}
	m, cleanup := newManager(ctx, cfg, true)
	defer cleanup()

	inserted, err := m.SyncHistory(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Stored %d new records.\n", inserted)
	return nil
}

func runSetInterval(ctx context.Context, cfg *config.Config, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: set-interval <device> <minutes>")
	}
	minutes, err := strconv.ParseUint(args[1], 10, 8)
	if err != nil {
		return fmt.Errorf("invalid minutes %q", args[1])
	}
	return withDevice(ctx, cfg, args[:1], func(ctx context.Context, _ *manager.Manager, dev *ble.Device) error {
		if err := dev.SetInterval(ctx, uint8(minutes)); err != nil {
			return err
		}
		fmt.Printf("Measurement interval set to %d min.\n", minutes)
		return nil
	})
}

func runSetRange(ctx context.Context, cfg *config.Config, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: set-range <device> <standard|extended>")
	}
	var extended bool
	switch args[1] {
	case "standard":
	case "extended":
		extended = true
	default:
		return fmt.Errorf("range must be standard or extended, got %q", args[1])
	}
	return withDevice(ctx, cfg, args[:1], func(ctx context.Context, _ *manager.Manager, dev *ble.Device) error {
		if err := dev.SetRange(ctx, extended); err != nil {
			return err
		}
		fmt.Printf("Bluetooth range set to %s.\n", args[1])
		return nil
	})
}

func runSetSmartHome(ctx context.Context, cfg *config.Config, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: set-smart-home <device> <on|off>")
	}
	var enabled bool
	switch args[1] {
	case "on":
		enabled = true
	case "off":
	default:
		return fmt.Errorf("expected on or off, got %q", args[1])
	}
	return withDevice(ctx, cfg, args[:1], func(ctx context.Context, _ *manager.Manager, dev *ble.Device) error {
		if err := dev.SetSmartHome(ctx, enabled); err != nil {
			return err
		}
		fmt.Printf("Smart Home advertisements %s.\n", args[1])
		return nil
	})
}

func runWatch(ctx context.Context, cfg *config.Config) error {
	m, cleanup := newManager(ctx, cfg, true)
	defer cleanup()

	events, unsubscribe := m.Subscribe(64)
	defer unsubscribe()

	go func() {
		for e := range events {
			switch e.Kind {
			case ble.EventReadingUpdated:
				if e.Reading != nil {
					fmt.Printf("%s  %s  %s\n", time.Now().Format("15:04:05"), e.Device, readingLine(*e.Reading))
				}
			case ble.EventDisconnected:
				fmt.Printf("%s  %s  disconnected (%s)\n", time.Now().Format("15:04:05"), e.Device, e.Reason)
			case ble.EventReconnectSucceeded:
				fmt.Printf("%s  %s  reconnected after %d attempts\n", time.Now().Format("15:04:05"), e.Device, e.Attempt)
			case ble.EventBatteryLow:
				fmt.Printf("%s  %s  battery low: %d%%\n", time.Now().Format("15:04:05"), e.Device, e.Battery)
			}
		}
	}()

	fmt.Printf("Watching %d device(s). Ctrl+C to quit.\n", len(cfg.Devices))
	err := m.Watch(ctx)
	if ctx.Err() != nil {
		fmt.Println("Shutting down.")
		return nil
	}
	return err
}

// summarize renders the values a device type actually measures.
func summarize(dt sensor.DeviceType, r sensor.CurrentReading) string {
	switch dt {
	case sensor.Aranet2:
		return fmt.Sprintf("%.1f°C  %d%%RH", r.Temperature, r.Humidity)
	case sensor.AranetRadon:
		radon := uint32(0)
		if r.Radon != nil {
			radon = *r.Radon
		}
		return fmt.Sprintf("%d Bq/m³  %.1f°C  %.1f hPa  %d%%RH", radon, r.Temperature, r.Pressure, r.Humidity)
	case sensor.AranetRadiation:
		rate, total := float32(0), float64(0)
		if r.RadiationRate != nil {
			rate = *r.RadiationRate
		}
		if r.RadiationTotal != nil {
			total = *r.RadiationTotal
		}
		return fmt.Sprintf("%.3f µSv/h  %.4f mSv total", rate, total)
	default:
		return fmt.Sprintf("%d ppm CO2  %.1f°C  %.1f hPa  %d%%RH", r.CO2, r.Temperature, r.Pressure, r.Humidity)
	}
}

func readingLine(r sensor.CurrentReading) string {
	return fmt.Sprintf("co2=%d temp=%.1f°C pressure=%.1f humidity=%d%% battery=%d%% status=%s",
		r.CO2, r.Temperature, r.Pressure, r.Humidity, r.Battery, r.Status)
}

func optUint(v *uint32) string {
	if v == nil {
		return ""
	}
	return strconv.FormatUint(uint64(*v), 10)
}

func optFloat32(v *float32) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(float64(*v), 'f', 3, 32)
}

func optFloat64(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', 6, 64)
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, nil
	}

	// No config file, use defaults
	return config.Default(), nil
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
