package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/victorjacobs/go-duco/bridge"
	"github.com/victorjacobs/go-duco/config"
	"github.com/victorjacobs/go-duco/discovery"
	"github.com/victorjacobs/go-duco/ducobox"
	"github.com/victorjacobs/go-duco/homeassistant"
	"github.com/victorjacobs/go-duco/routes"
)

func main() {
	configPath := flag.String("config", "duco.yaml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.LoadConfiguration(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error setting up logging: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := homeassistant.OpenStore(cfg.Cache.Path)
	if err != nil {
		log.Fatalw("Error loading accessory cache", "path", cfg.Cache.Path, "error", err)
	}
	for _, acc := range store.All() {
		log.Infow("Cached accessory", "id", acc.ID, "name", acc.Name, "serial", acc.Serial, "location", acc.Location())
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewBuildInfoCollector())
	reg.MustRegister(collectors.NewGoCollector())
	metrics := bridge.NewMetrics(reg)

	var accessories *homeassistant.Client
	mqttOpts := cfg.Mqtt.ClientOptions(log.Named("mqtt"))
	// Subscriptions are lost on reconnect, restore them in the connect handler
	mqttOpts.SetOnConnectHandler(func(client mqtt.Client) {
		accessories.Resubscribe()
	})

	mqttClient := mqtt.NewClient(mqttOpts)
	accessories = homeassistant.NewClient(mqttClient, store, log.Named("homeassistant"))

	if t := mqttClient.Connect(); t.Wait() && t.Error() != nil {
		log.Fatalw("MQTT connection error", "broker", cfg.Mqtt.IpAddress, "error", t.Error())
	}

	reconciler := bridge.NewReconciler(bridge.ReconcilerOptions{
		Finder: discovery.NewFinder(cfg.Discovery.Timeout, log.Named("discovery")),
		Dial: func(host string) bridge.DeviceClient {
			return ducobox.NewClient(host, cfg.Device.RequestTimeout)
		},
		Accessories:     accessories,
		Log:             log.Named("bridge"),
		Metrics:         metrics,
		ServiceType:     cfg.Discovery.ServiceType,
		NamePrefix:      cfg.Discovery.NamePrefix,
		RetryBackoff:    cfg.Discovery.RetryBackoff,
		RefreshInterval: cfg.Device.RefreshInterval,
	})

	go func() {
		if err := reconciler.Discover(ctx); err != nil {
			log.Warnw("Initial discovery failed", "error", err)
		}
	}()

	server := &http.Server{
		Addr:              cfg.Http.Address,
		Handler:           routes.New(reconciler, reg, log.Named("http")),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go runSafely(log, "http", func() error {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	log.Infow("Started", "http", cfg.Http.Address, "broker", cfg.Mqtt.IpAddress)

	<-ctx.Done()
	log.Infow("Shutting down")

	reconciler.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnw("HTTP shutdown", "error", err)
	}

	mqttClient.Disconnect(250)
}
