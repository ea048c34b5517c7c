// picomotord is the host daemon for New Focus picomotor controllers.
// It opens the configured controllers, serves live telemetry and metrics,
// and keeps the devices in a known state until shut down.
//
// Usage:
//
//	picomotord -config picomotor.yaml [options]
//
// Options:
//
//	-config string    Host configuration file (required, unless -scan)
//	-telemetry string Telemetry listen address, overrides the config file
//	-scan             Discover controllers on the network, print them and exit
//	-helper string    Discovery helper command for -scan (default: pmnetscan)
//
// Examples:
//
//	# Run with the devices from the config file
//	picomotord -config /etc/picomotor.yaml
//
//	# List the controllers reachable on the local network
//	picomotord -scan
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"picomotor-host/pkg/config"
	"picomotor-host/pkg/controller"
	"picomotor-host/pkg/log"
	"picomotor-host/pkg/metrics"
	"picomotor-host/pkg/scan"
	"picomotor-host/pkg/telemetry"
)

func main() {
	configFile := flag.String("config", "", "Host configuration file (required)")
	telemetryAddr := flag.String("telemetry", "", "Telemetry listen address (overrides config)")
	doScan := flag.Bool("scan", false, "Discover controllers on the network and exit")
	helper := flag.String("helper", "", "Discovery helper command")
	flag.Parse()

	logger := log.New("picomotord")

	if *doScan {
		os.Exit(runScan(*helper, logger))
	}

	if *configFile == "" {
		fmt.Fprintf(os.Stderr, "Error: -config is required\n")
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("loading configuration: %v", err)
		os.Exit(1)
	}
	if cfg.LogLevel != "" {
		logger.SetLevel(log.ParseLevel(cfg.LogLevel))
	}

	reg := metrics.NewRegistry()
	scanner := scan.New(helperArgv(*helper, cfg), logger.WithPrefix("scan"))

	var controllers []*controller.Controller
	for _, dev := range cfg.Devices {
		// "autoip" means: find the controller on the network, by serial
		// number when one is configured.
		if dev.Address == "autoip" {
			addr, err := scanner.Resolve(dev.Serial)
			if err != nil {
				logger.Error("resolving device %s: %v", dev.Name, err)
				terminateAll(controllers, logger)
				os.Exit(1)
			}
			logger.Info("device %s resolved to %s", dev.Name, addr)
			dev.Address = addr
		}

		c, err := controller.New(dev, logger.WithPrefix(dev.Name), reg)
		if err != nil {
			logger.Error("opening device %s: %v", dev.Name, err)
			terminateAll(controllers, logger)
			os.Exit(1)
		}
		model, fw, sn := c.Identification()
		logger.Info("device %s ready: %s %s (sn %s), axes %s",
			dev.Name, model, fw, sn, strings.Join(c.Axes(), ", "))
		controllers = append(controllers, c)
	}

	listen := cfg.Telemetry.Listen
	if *telemetryAddr != "" {
		listen = *telemetryAddr
	}
	var server *telemetry.Server
	if listen != "" {
		server = telemetry.NewServer(reg, logger.WithPrefix("telemetry"))
		for _, c := range controllers {
			server.AddSource(c)
		}
		go func() {
			if err := server.ListenAndServe(listen); err != nil && err != http.ErrServerClosed {
				logger.Error("telemetry server: %v", err)
			}
		}()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	logger.Info("received %s, shutting down", sig)

	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := server.Shutdown(ctx); err != nil {
			logger.Warn("telemetry shutdown: %v", err)
		}
		cancel()
	}
	terminateAll(controllers, logger)
}

func helperArgv(flagValue string, cfg *config.Config) []string {
	if flagValue != "" {
		return strings.Fields(flagValue)
	}
	return cfg.Scan.Helper
}

func runScan(helper string, logger *log.Logger) int {
	var argv []string
	if helper != "" {
		argv = strings.Fields(helper)
	}
	scanner := scan.New(argv, logger.WithPrefix("scan"))

	found, err := scanner.Scan()
	if err != nil {
		logger.Error("scan failed: %v", err)
		return 1
	}
	if len(found) == 0 {
		fmt.Println("no controller found")
		return 0
	}
	for _, d := range found {
		fmt.Printf("%s\t%s\t%s\n", d.Address, d.DisplayName, strings.Join(d.Axes, ","))
	}
	return 0
}

func terminateAll(controllers []*controller.Controller, logger *log.Logger) {
	for _, c := range controllers {
		if err := c.Terminate(); err != nil {
			logger.Warn("terminating %s: %v", c.Name(), err)
		}
	}
}
