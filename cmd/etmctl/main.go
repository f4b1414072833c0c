package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/seagrayinc/etm/internal/config"
	"github.com/seagrayinc/etm/internal/logbook"
	"github.com/seagrayinc/etm/internal/metrics"
	"github.com/seagrayinc/etm/internal/terminal"
	"github.com/seagrayinc/etm/pkg/serial"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath    string
		port          string
		baud          int
		ledgerPath    string
		ledgerBackend string
		metricsListen string
		listPorts     bool
		probeUSB      bool
		noConnect     bool
	)

	flagSet := pflag.NewFlagSet("etmctl", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "YAML configuration file (default $ETM_CONFIG)")
	flagSet.StringVarP(&port, "port", "p", "", "serial port of the peripheral, e.g. /dev/ttyUSB0 or COM3")
	flagSet.IntVar(&baud, "baud", 0, "serial baud rate")
	flagSet.StringVar(&ledgerPath, "ledger", "", "ledger file or database path")
	flagSet.StringVar(&ledgerBackend, "ledger-backend", "", "ledger backend: file or sqlite")
	flagSet.StringVar(&metricsListen, "metrics-listen", "", "serve Prometheus metrics on this address")
	flagSet.BoolVar(&listPorts, "list-ports", false, "list serial ports and exit")
	flagSet.BoolVar(&probeUSB, "probe-usb", false, "list attached USB serial bridges and exit")
	flagSet.BoolVar(&noConnect, "no-connect", false, "start without connecting to the peripheral")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if listPorts {
		return printPorts()
	}
	if probeUSB {
		return printUSB()
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if flagSet.Changed("port") {
		cfg.Serial.Port = port
	}
	if flagSet.Changed("baud") {
		cfg.Serial.Baud = baud
	}
	if flagSet.Changed("ledger") {
		cfg.Ledger.Path = ledgerPath
	}
	if flagSet.Changed("ledger-backend") {
		cfg.Ledger.Backend = ledgerBackend
	}
	if flagSet.Changed("metrics-listen") {
		cfg.Metrics.Listen = metricsListen
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	book := logbook.New(logbook.DefaultCapacity)
	base, err := logbook.NewHandler(os.Stderr, logbook.Options{Format: cfg.Log.Format, Level: cfg.Log.Level})
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(book.Wrap(base)))

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM, syscall.SIGINT,
	)
	defer stop()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if cfg.Metrics.Listen != "" {
		srv := serveMetrics(cfg.Metrics.Listen, reg)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	store, err := terminal.OpenStore(cfg.Ledger)
	if err != nil {
		return err
	}
	term := terminal.New(ctx, cfg, terminal.Deps{
		Opener:  serial.PortOpener{Config: cfg.PortConfig()},
		Store:   store,
		Metrics: m,
		Logbook: book,
	})
	defer func() {
		if err := term.Close(context.Background()); err != nil {
			slog.Error("shutdown", slog.Any("error", err))
		}
	}()

	if !noConnect && cfg.Serial.Port != "" {
		if err := term.Connect(ctx); err != nil {
			slog.Error("connect failed", slog.Any("error", err))
		}
	}

	return newConsole(term, os.Stdin, os.Stdout).run(ctx)
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		slog.Info("serving metrics", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server", slog.Any("error", err))
		}
	}()
	return srv
}

func printPorts() error {
	ports, err := serial.ListPorts()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Println("no serial ports found")
		return nil
	}
	for _, p := range ports {
		if p.IsUSB {
			fmt.Printf("%s\tUSB %s:%s %s %s\n", p.Name, p.VendorID, p.ProductID, p.Product, p.Serial)
		} else {
			fmt.Println(p.Name)
		}
	}
	return nil
}

func printUSB() error {
	devices, err := serial.ProbeUSB()
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("no known USB serial bridges attached")
		return nil
	}
	for _, d := range devices {
		fmt.Printf("%04X:%04X\t%s\t%s %s\t%s\n",
			d.Bridge.VendorID, d.Bridge.ProductID, d.Bridge.Name, d.Manufacturer, d.Product, d.Path)
	}
	return nil
}
