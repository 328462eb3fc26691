package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"vision-edge/internal/camera"
	"vision-edge/internal/fetch"
	"vision-edge/internal/logger"
	"vision-edge/internal/models"
	"vision-edge/internal/mqtt"
	"vision-edge/internal/services"
	"vision-edge/internal/state"
	"vision-edge/pkg/config"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Load configuration
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		logrus.Errorf("Failed to load configuration: %v", err)
		return 2
	}
	logger.InitLogger(logger.ParseLevel(cfg.LogLevel))
	log := logger.Component("main")

	log.Info("Starting vision edge module...")

	// Create context for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	fetcher, err := fetch.NewFetcher(fetch.Config{
		Dir:     cfg.Artifacts.Dir,
		Timeout: cfg.Artifacts.DownloadTimeout,
	})
	if err != nil {
		log.Errorf("Failed to prepare artifact directory: %v", err)
		return 1
	}

	st := state.New()

	// === Channel Creation ===
	// These channels connect MQTT layer with services layer
	twinChan := make(chan *models.TwinUpdate, 16)
	forwardChan := make(chan *models.ModuleMessage, 50)

	identity := mqtt.Identity{DeviceID: cfg.MQTT.DeviceID, ModuleID: cfg.MQTT.ModuleID}

	// === Initialize MQTT Client ===
	log.Info("Connecting to the hub...")
	mqttClient, err := mqtt.NewClient(mqtt.ClientConfig{
		Broker:   cfg.MQTT.Broker,
		Identity: identity,
		ClientID: cfg.MQTT.ClientID,
		Username: cfg.MQTT.Username,
		Password: cfg.MQTT.Password,
	})
	if err != nil {
		log.Errorf("Failed to initialize MQTT client: %v", err)
		return 1
	}
	defer mqttClient.Close()

	topics := mqtt.Topics{
		Telemetry:     cfg.MQTT.TopicTelemetry,
		DesiredPatch:  cfg.MQTT.TopicDesiredPatch,
		TwinResponse:  cfg.MQTT.TopicTwinResponse,
		TwinGet:       cfg.MQTT.TopicTwinGet,
		ReportedPatch: cfg.MQTT.TopicReportedPatch,
		Inputs:        cfg.MQTT.TopicInputs,
	}
	requests := mqtt.NewRequests()

	// === Initialize MQTT Publisher ===
	publisher := mqtt.NewPublisher(mqttClient.GetNativeClient(), mqtt.PublisherConfig{
		Identity:       identity,
		Topics:         topics,
		MessageTimeout: cfg.MQTT.MessageTimeout,
		ForwardOutput:  cfg.Relay.Output,
	}, forwardChan, requests)
	go publisher.Start(ctx)

	// === Initialize MQTT Subscriber ===
	subscriber := mqtt.NewSubscriber(mqttClient.GetNativeClient(), mqtt.SubscriberConfig{
		Identity: identity,
		Topics:   topics,
		Input:    cfg.Relay.Input,
	}, twinChan, forwardChan, requests)
	if err := subscriber.SubscribeAll(); err != nil {
		log.Errorf("Failed to subscribe to hub topics: %v", err)
		return 1
	}

	// === Initialize Configuration Reconciler ===
	reconciler := services.NewReconciler(st, fetcher, twinChan)
	go reconciler.Start(ctx)

	// the full twin is applied once at startup, later changes arrive as patches
	if err := publisher.RequestTwin(); err != nil {
		log.Warnf("Failed to request device twin: %v", err)
	}
	mqttClient.OnReconnect(func() {
		if err := mqtt.Resync(subscriber, publisher); err != nil {
			log.Errorf("Failed to resync with the hub: %v", err)
		}
	})

	// === Initialize Inference Relay ===
	dialer := camera.NewHTTPDialer(camera.HTTPDialerConfig{
		Port:    cfg.Camera.Port,
		Timeout: cfg.Camera.Timeout,
	})
	relay := services.NewRelay(services.RelayConfig{
		Credentials: camera.Credentials{
			Address:  cfg.Camera.Address,
			Username: cfg.Camera.Username,
			Password: cfg.Camera.Password,
		},
		Preview: camera.PreviewConfig{
			Resolution: cfg.Camera.Resolution,
			Encoding:   cfg.Camera.Encoding,
			Bitrate:    cfg.Camera.Bitrate,
			DisplayOut: cfg.Camera.DisplayOut,
		},
		Output:       cfg.Relay.Output,
		RestartDelay: cfg.Relay.RestartDelay,
		PushModel:    cfg.Artifacts.PushModel,
		ModelDir:     cfg.Artifacts.ModelDir,
	}, dialer, st, publisher, publisher, fetcher)

	log.WithFields(logrus.Fields{
		"camera":    cfg.Camera.Address,
		"device_id": cfg.MQTT.DeviceID,
		"module_id": cfg.MQTT.ModuleID,
		"output":    cfg.Relay.Output,
		"artifacts": fetcher.Dir(),
	}).Info("=== Vision edge module is running ===")
	log.Info("Press Ctrl+C to exit...")

	if err := relay.Run(ctx); err != nil {
		log.Errorf("Inference relay stopped: %v", err)
		cancel()
		return 1
	}

	sent, confirmed := publisher.Stats()
	log.Infof("Shutdown complete, %d messages sent, %d confirmed. Goodbye!", sent, confirmed)
	return 0
}
