package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	dataforwarding "snmp-modbus-gateway/data-forwarding"
	"snmp-modbus-gateway/driver/snmp"
	"snmp-modbus-gateway/logic"
	"snmp-modbus-gateway/mqtt_broker"
	"snmp-modbus-gateway/webui"
)

func main() {
	configPath := flag.String("config", "gateway.yaml", "settings file")
	oidPath := flag.String("oids", "", "identifier mapping file (overrides snmp.oid_file)")
	dbPath := flag.String("db", "", "SQLite database (overrides database.path)")
	flag.Parse()

	settings, err := logic.LoadSettings(*configPath)
	if err != nil {
		logrus.Fatalf("MAIN: %v", err)
	}
	if *oidPath != "" {
		settings.SNMP.OIDFile = *oidPath
	}
	if *dbPath != "" {
		settings.Database.Path = *dbPath
	}
	logic.ConfigureLogging(settings.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialisiere die SQLite-Datenbank mit dem übergebenen Pfad
	db, err := logic.InitDB(settings.Database.Path)
	if err != nil {
		logrus.Fatalf("MAIN: Error initializing database: %v", err)
	}
	defer db.Close()

	var sinks []snmp.Sink
	var publisher logic.Publisher

	if settings.MQTT.Enabled {
		broker, err := mqtt_broker.StartBroker(db, settings.MQTT)
		if err != nil {
			logrus.Fatalf("MAIN: Error starting MQTT broker: %v", err)
		}
		defer broker.Close()
		publisher = broker
		sinks = append(sinks, mqtt_broker.NewRegisterPublisher(ctx, broker))
		logrus.Info("MAIN: Broker started.")
	}

	forwarder, err := dataforwarding.NewForwarder(ctx, settings.MQTT.Forward)
	switch {
	case errors.Is(err, dataforwarding.ErrNoBroker):
	case err != nil:
		logrus.Errorf("MAIN: Forwarding disabled: %v", err)
	default:
		sinks = append(sinks, forwarder)
	}

	hub := webui.NewHub()
	sinks = append(sinks, hub)

	gw := logic.NewGateway(ctx, logic.GatewayOptions{
		DB:        db,
		Publisher: publisher,
		Sinks:     sinks,
		OIDFile:   settings.SNMP.OIDFile,
	})
	defer gw.Stop()

	// The settings file wins; otherwise the parameters of the last start.
	params, err := settings.SessionParams()
	if err != nil {
		stored, ok, loadErr := logic.LoadSessionParams(db, params)
		switch {
		case loadErr != nil:
			logrus.Errorf("MAIN: %v", loadErr)
		case ok:
			params, err = stored, stored.Validate()
		}
	}
	if err != nil {
		logrus.Warnf("MAIN: Bridge not started, waiting for the operator: %v", err)
	} else if err := gw.Start(params); err != nil {
		logrus.Fatalf("MAIN: %v", err)
	}

	if settings.SNMP.OIDFile != "" {
		go logic.WatchConfig(ctx, settings.SNMP.OIDFile, logic.DefaultWatchInterval, func() {
			gw.ReloadFile()
		})
	}

	if settings.WebUI.Enabled {
		base, _ := settings.SessionParams()
		go func() {
			if err := webui.Main(ctx, webui.Options{
				DB:       db,
				Gateway:  gw,
				Hub:      hub,
				Settings: settings.WebUI,
				Base:     base,
			}); err != nil {
				logrus.Fatalf("MAIN: Web-UI-server: %v", err)
			}
		}()
		logrus.Info("MAIN: Web-UI-server started.")
	}

	<-ctx.Done()
	logrus.Info("MAIN: Shutting down.")
}
