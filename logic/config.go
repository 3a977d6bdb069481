package logic

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	yaml "gopkg.in/yaml.v2"

	"snmp-modbus-gateway/driver/modbus"
	"snmp-modbus-gateway/driver/snmp"
	"snmp-modbus-gateway/oidtable"
)

// ErrInvalidConfiguration is returned when the startup parameters are missing
// or out of range. Nothing has been opened when it is returned.
var ErrInvalidConfiguration = errors.New("invalid configuration")

// EnvPrefix prefixes every environment override, e.g. GATEWAY_SNMP_TARGET.
const EnvPrefix = "GATEWAY_"

type SNMPSettings struct {
	Target    string        `yaml:"target" env:"TARGET"`
	Community string        `yaml:"community" env:"COMMUNITY"`
	Port      int           `yaml:"port" env:"PORT"`
	Timeout   time.Duration `yaml:"timeout" env:"TIMEOUT"`
	Retries   int           `yaml:"retries" env:"RETRIES"`
	Interval  time.Duration `yaml:"interval" env:"INTERVAL"`
	OIDFile   string        `yaml:"oid_file" env:"OID_FILE"`
}

type ModbusSettings struct {
	// Empty means the first IPv4 address of the host.
	ListenAddress string `yaml:"listen_address" env:"LISTEN_ADDRESS"`
	Port          int    `yaml:"port" env:"PORT"`
	UnitID        int    `yaml:"unit_id" env:"UNIT_ID"`
	BaseAddress   int    `yaml:"base_address" env:"BASE_ADDRESS"`
	modbus.Sizes  `yaml:",inline"`
}

type ForwardSettings struct {
	Broker   string        `yaml:"broker" env:"BROKER"`
	Username string        `yaml:"username" env:"USERNAME"`
	Password string        `yaml:"password" env:"PASSWORD"`
	Topic    string        `yaml:"topic" env:"TOPIC"`
	Mode     string        `yaml:"mode" env:"MODE"`
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
}

type BrokerUser struct {
	Username string         `yaml:"username"`
	Password string         `yaml:"password"`
	Filters  map[string]int `yaml:"filters"`
}

type MQTTSettings struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Address string `yaml:"address" env:"ADDRESS"`
	// Optional extra listeners, disabled when empty.
	WebsocketAddress string          `yaml:"websocket_address" env:"WEBSOCKET_ADDRESS"`
	StatsAddress     string          `yaml:"stats_address" env:"STATS_ADDRESS"`
	TLS              bool            `yaml:"tls" env:"TLS"`
	TLSCert          string          `yaml:"tls_cert" env:"TLS_CERT"`
	TLSKey           string          `yaml:"tls_key" env:"TLS_KEY"`
	Users            []BrokerUser    `yaml:"users"`
	Forward          ForwardSettings `yaml:"forward" envPrefix:"FORWARD_"`
}

type WebUISettings struct {
	Enabled       bool   `yaml:"enabled" env:"ENABLED"`
	HTTPPort      string `yaml:"http_port" env:"HTTP_PORT"`
	SessionSecret string `yaml:"session_secret" env:"SESSION_SECRET"`
}

type DatabaseSettings struct {
	Path string `yaml:"path" env:"PATH"`
}

type LogSettings struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// Settings is the content of the gateway settings file.
type Settings struct {
	SNMP     SNMPSettings     `yaml:"snmp" envPrefix:"SNMP_"`
	Modbus   ModbusSettings   `yaml:"modbus" envPrefix:"MODBUS_"`
	MQTT     MQTTSettings     `yaml:"mqtt" envPrefix:"MQTT_"`
	WebUI    WebUISettings    `yaml:"webui" envPrefix:"WEBUI_"`
	Database DatabaseSettings `yaml:"database" envPrefix:"DB_"`
	Log      LogSettings      `yaml:"log" envPrefix:"LOG_"`
}

// DefaultSettings returns the settings used for every key the file and the
// environment leave unset.
func DefaultSettings() Settings {
	return Settings{
		SNMP: SNMPSettings{
			Port:     snmp.DefaultPort,
			Timeout:  snmp.DefaultTimeout,
			Retries:  snmp.DefaultRetries,
			Interval: snmp.DefaultInterval,
			OIDFile:  "OID.json",
		},
		Modbus: ModbusSettings{
			Port:        502,
			UnitID:      1,
			BaseAddress: oidtable.DefaultBaseAddress,
			Sizes:       modbus.DefaultSizes,
		},
		MQTT: MQTTSettings{
			Enabled: true,
			Address: ":1883",
			Forward: ForwardSettings{
				Topic:    "snmp-modbus-gateway",
				Mode:     "on-change",
				Interval: time.Minute,
			},
		},
		WebUI: WebUISettings{
			Enabled:  true,
			HTTPPort: "8080",
		},
		Database: DatabaseSettings{Path: "./snmp_modbus_gateway.db"},
		Log:      LogSettings{Level: "info", Format: "json"},
	}
}

// LoadSettings reads the YAML settings file at path on top of the defaults
// and applies GATEWAY_* environment overrides. A missing file is not an
// error.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return s, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
		default:
			if err := yaml.UnmarshalStrict(raw, &s); err != nil {
				return s, fmt.Errorf("%w: %s: %v", ErrInvalidConfiguration, path, err)
			}
		}
	}

	if err := env.ParseWithOptions(&s, env.Options{Prefix: EnvPrefix}); err != nil {
		return s, fmt.Errorf("%w: environment: %v", ErrInvalidConfiguration, err)
	}
	return s, nil
}

// SessionParams is the immutable record the bridge is started from.
type SessionParams struct {
	Target        string        `json:"target"`
	Community     string        `json:"-"`
	SNMPPort      uint16        `json:"snmpPort"`
	Timeout       time.Duration `json:"timeout"`
	Retries       int           `json:"retries"`
	Interval      time.Duration `json:"interval"`
	ListenAddress string        `json:"listenAddress"`
	ModbusPort    uint16        `json:"modbusPort"`
	UnitID        uint8         `json:"unitId"`
	BaseAddress   uint16        `json:"baseAddress"`
	Sizes         modbus.Sizes  `json:"sizes"`
}

// Validate checks the fields that must be present before anything is
// opened.
func (p SessionParams) Validate() error {
	var missing []string
	if strings.TrimSpace(p.Target) == "" {
		missing = append(missing, "target address")
	}
	if p.Community == "" {
		missing = append(missing, "community")
	}
	if p.SNMPPort == 0 {
		missing = append(missing, "snmp port")
	}
	if p.ModbusPort == 0 {
		missing = append(missing, "modbus port")
	}
	if p.UnitID == 0 {
		missing = append(missing, "unit id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidConfiguration, strings.Join(missing, ", "))
	}
	if p.Sizes.HoldingRegisters <= 0 {
		return fmt.Errorf("%w: holding register bank must not be empty", ErrInvalidConfiguration)
	}
	if p.Sizes.InputRegisters < 0 || p.Sizes.Coils < 0 || p.Sizes.DiscreteInputs < 0 {
		return fmt.Errorf("%w: negative bank size", ErrInvalidConfiguration)
	}
	return nil
}

// ListenHostPort returns "host:port" of the Modbus listener.
func (p SessionParams) ListenHostPort() string {
	return joinHostPort(p.ListenAddress, p.ModbusPort)
}

// SNMPConfig returns the agent address for the SNMP client.
func (p SessionParams) SNMPConfig() snmp.Config {
	return snmp.Config{
		Target:    p.Target,
		Port:      p.SNMPPort,
		Community: p.Community,
		Timeout:   p.Timeout,
		Retries:   p.Retries,
	}
}

// SessionParams converts the settings into session parameters.
func (s Settings) SessionParams() (SessionParams, error) {
	p := SessionParams{
		Target:        strings.TrimSpace(s.SNMP.Target),
		Community:     s.SNMP.Community,
		Timeout:       s.SNMP.Timeout,
		Retries:       s.SNMP.Retries,
		Interval:      s.SNMP.Interval,
		ListenAddress: strings.TrimSpace(s.Modbus.ListenAddress),
		Sizes:         s.Modbus.Sizes,
	}

	var err error
	if p.SNMPPort, err = portNumber("snmp port", s.SNMP.Port); err != nil {
		return p, err
	}
	if p.ModbusPort, err = portNumber("modbus port", s.Modbus.Port); err != nil {
		return p, err
	}
	if s.Modbus.UnitID < 1 || s.Modbus.UnitID > math.MaxUint8 {
		return p, fmt.Errorf("%w: unit id %d out of range 1..255", ErrInvalidConfiguration, s.Modbus.UnitID)
	}
	p.UnitID = uint8(s.Modbus.UnitID)
	if s.Modbus.BaseAddress < 0 || s.Modbus.BaseAddress > math.MaxUint16 {
		return p, fmt.Errorf("%w: base address %d out of range 0..65535", ErrInvalidConfiguration, s.Modbus.BaseAddress)
	}
	p.BaseAddress = uint16(s.Modbus.BaseAddress)

	return p, p.Validate()
}

// RawSessionParams carries the operator form fields as typed in.
type RawSessionParams struct {
	Target      string `form:"target" json:"target"`
	Community   string `form:"community" json:"community"`
	SNMPPort    string `form:"snmp_port" json:"snmpPort"`
	ModbusPort  string `form:"modbus_port" json:"modbusPort"`
	UnitID      string `form:"unit_id" json:"unitId"`
	BaseAddress string `form:"base_address" json:"baseAddress"`
}

// ParseSessionParams converts the form fields. Every field is required
// except the base address, which falls back to base.BaseAddress; fields the
// form does not carry (timeouts, bank sizes, listen address) come from base.
func ParseSessionParams(raw RawSessionParams, base SessionParams) (SessionParams, error) {
	p := base
	p.Target = strings.TrimSpace(raw.Target)
	p.Community = raw.Community

	var err error
	if p.SNMPPort, err = parseNumber("snmp port", raw.SNMPPort, 1, math.MaxUint16); err != nil {
		return p, err
	}
	if p.ModbusPort, err = parseNumber("modbus port", raw.ModbusPort, 1, math.MaxUint16); err != nil {
		return p, err
	}
	unit, err := parseNumber("unit id", raw.UnitID, 1, math.MaxUint8)
	if err != nil {
		return p, err
	}
	p.UnitID = uint8(unit)

	if strings.TrimSpace(raw.BaseAddress) != "" {
		if p.BaseAddress, err = parseNumber("base address", raw.BaseAddress, 0, math.MaxUint16); err != nil {
			return p, err
		}
	}

	return p, p.Validate()
}

func parseNumber(field, s string, lo, hi int) (uint16, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: missing %s", ErrInvalidConfiguration, field)
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q is not a number", ErrInvalidConfiguration, field, s)
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("%w: %s %d out of range %d..%d", ErrInvalidConfiguration, field, n, lo, hi)
	}
	return uint16(n), nil
}

func portNumber(field string, n int) (uint16, error) {
	if n < 1 || n > math.MaxUint16 {
		return 0, fmt.Errorf("%w: %s %d out of range 1..65535", ErrInvalidConfiguration, field, n)
	}
	return uint16(n), nil
}
