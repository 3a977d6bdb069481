package mqtt_broker

import (
	"crypto/tls"
	"database/sql"
	"fmt"
	"log/slog"

	MQTT "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/sirupsen/logrus"

	"snmp-modbus-gateway/logic"
)

// Broker is the embedded MQTT broker. Its inline client publishes bridge
// state, register maps and register updates.
type Broker struct {
	server *MQTT.Server
}

// StartBroker prepares the broker accounts, configures the listeners of
// settings and starts serving in the background.
func StartBroker(db *sql.DB, settings logic.MQTTSettings) (*Broker, error) {
	password, err := logic.BrokerAccessManagement(db, settings.Users)
	if err != nil {
		return nil, fmt.Errorf("failed to manage broker access: %w", err)
	}
	if password != "" {
		logrus.Warnf("MQTT-Broker: Created user admin with password %s", password)
	}

	// Authentifizierungsdaten aus der Datenbank laden.
	authData, err := loadAuthDataFromDB(db)
	if err != nil {
		return nil, fmt.Errorf("failed to load auth data from the database: %w", err)
	}

	var tlsConfig *tls.Config
	if settings.TLS {
		cert, err := logic.LoadOrCreateCert(settings.TLSCert, settings.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load certificate: %w", err)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	s := MQTT.New(&MQTT.Options{
		InlineClient: true,
		Logger:       slog.New(slog.NewTextHandler(logrus.StandardLogger().WriterLevel(logrus.DebugLevel), nil)),
	})

	if err := s.AddHook(new(auth.Hook), &auth.Options{Data: authData}); err != nil {
		return nil, fmt.Errorf("failed to add auth hook: %w", err)
	}

	if err := createListeners(s, settings, tlsConfig); err != nil {
		s.Close()
		return nil, err
	}

	if err := s.Serve(); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to serve: %w", err)
	}
	logrus.Infof("MQTT-Broker: Listening on %s", settings.Address)
	return &Broker{server: s}, nil
}

func createListeners(s *MQTT.Server, settings logic.MQTTSettings, tlsConfig *tls.Config) error {
	ls := []listeners.Listener{
		listeners.NewTCP(listeners.Config{
			ID:        "tcp",
			Address:   settings.Address,
			TLSConfig: tlsConfig,
		}),
	}
	if settings.WebsocketAddress != "" {
		ls = append(ls, listeners.NewWebsocket(listeners.Config{
			ID:        "ws",
			Address:   settings.WebsocketAddress,
			TLSConfig: tlsConfig,
		}))
	}
	if settings.StatsAddress != "" {
		ls = append(ls, listeners.NewHTTPStats(listeners.Config{
			ID:      "stats",
			Address: settings.StatsAddress,
		}, s.Info))
	}

	for _, l := range ls {
		if err := s.AddListener(l); err != nil {
			return fmt.Errorf("error adding listener %s: %w", l.ID(), err)
		}
	}
	return nil
}

// Publish publishes through the inline client.
func (b *Broker) Publish(topic string, payload []byte, retain bool, qos byte) error {
	return b.server.Publish(topic, payload, retain, qos)
}

// Subscribe calls handler with the topic and payload of every message
// matching filter.
func (b *Broker) Subscribe(filter string, id int, handler func(topic string, payload []byte)) error {
	return b.server.Subscribe(filter, id, func(cl *MQTT.Client, sub packets.Subscription, pk packets.Packet) {
		handler(pk.TopicName, pk.Payload)
	})
}

// Close stops every listener and disconnects all clients.
func (b *Broker) Close() error {
	err := b.server.Close()
	logrus.Info("MQTT-Broker: Stopped.")
	return err
}
