package config

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`

	Camera    CameraConfig    `yaml:"camera"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Relay     RelayConfig     `yaml:"relay"`
}

// CameraConfig holds the camera web API settings
type CameraConfig struct {
	Address  string        `yaml:"address" env:"CAMERA_ADDRESS"`
	Port     int           `yaml:"port" env:"CAMERA_PORT"`
	Username string        `yaml:"username" env:"CAMERA_USERNAME"`
	Password string        `yaml:"password" env:"CAMERA_PASSWORD"`
	Timeout  time.Duration `yaml:"timeout" env:"CAMERA_TIMEOUT"`

	// Preview stream
	Resolution string `yaml:"resolution" env:"CAMERA_RESOLUTION"`
	Encoding   string `yaml:"encoding" env:"CAMERA_ENCODING"`
	Bitrate    string `yaml:"bitrate" env:"CAMERA_BITRATE"`
	DisplayOut int    `yaml:"display_out" env:"CAMERA_DISPLAY_OUT"`
}

// MQTTConfig holds the hub connection and topic layout
type MQTTConfig struct {
	Broker   string `yaml:"broker" env:"MQTT_BROKER"`
	ClientID string `yaml:"client_id" env:"MQTT_CLIENT_ID"` // defaults to "{device_id}/{module_id}"
	Username string `yaml:"username" env:"MQTT_USERNAME"`
	Password string `yaml:"password" env:"MQTT_PASSWORD"`
	DeviceID string `yaml:"device_id" env:"MQTT_DEVICE_ID"`
	ModuleID string `yaml:"module_id" env:"MQTT_MODULE_ID"`

	MessageTimeout time.Duration `yaml:"message_timeout" env:"MQTT_MESSAGE_TIMEOUT"`

	// Topic patterns
	TopicTelemetry     string `yaml:"topic_telemetry" env:"MQTT_TOPIC_TELEMETRY"`
	TopicDesiredPatch  string `yaml:"topic_desired_patch" env:"MQTT_TOPIC_DESIRED_PATCH"`
	TopicTwinResponse  string `yaml:"topic_twin_response" env:"MQTT_TOPIC_TWIN_RESPONSE"`
	TopicTwinGet       string `yaml:"topic_twin_get" env:"MQTT_TOPIC_TWIN_GET"`
	TopicReportedPatch string `yaml:"topic_reported_patch" env:"MQTT_TOPIC_REPORTED_PATCH"`
	TopicInputs        string `yaml:"topic_inputs" env:"MQTT_TOPIC_INPUTS"`
}

// ArtifactsConfig holds where downloaded artifacts go
type ArtifactsConfig struct {
	Dir             string        `yaml:"dir" env:"ARTIFACT_DIR"`
	DownloadTimeout time.Duration `yaml:"download_timeout" env:"ARTIFACT_DOWNLOAD_TIMEOUT"`
	ModelDir        string        `yaml:"model_dir" env:"DEVICE_MODEL_DIR"`
	PushModel       bool          `yaml:"push_model" env:"PUSH_MODEL"`
}

// RelayConfig holds the module routing and restart settings
type RelayConfig struct {
	Output       string        `yaml:"output" env:"RELAY_OUTPUT"`
	Input        string        `yaml:"input" env:"RELAY_INPUT"`
	RestartDelay time.Duration `yaml:"restart_delay" env:"RELAY_RESTART_DELAY"`
}

// Default returns the configuration used when nothing else is set. The camera
// address falls back to this machine's IPv4 address.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Camera: CameraConfig{
			Address:    LocalIPv4(),
			Port:       1080,
			Username:   "admin",
			Password:   "admin",
			Timeout:    10 * time.Second,
			Resolution: "1080P",
			Encoding:   "AVC/H.264",
			Bitrate:    "1.5Mbps",
			DisplayOut: 1,
		},
		MQTT: MQTTConfig{
			Broker:             "tcp://localhost:1883",
			ModuleID:           "visionsample",
			MessageTimeout:     10 * time.Second,
			TopicTelemetry:     "devices/{device_id}/modules/{module_id}/messages/events/",
			TopicDesiredPatch:  "$iothub/twin/PATCH/properties/desired/#",
			TopicTwinResponse:  "$iothub/twin/res/#",
			TopicTwinGet:       "$iothub/twin/GET/?$rid={rid}",
			TopicReportedPatch: "$iothub/twin/PATCH/properties/reported/?$rid={rid}",
			TopicInputs:        "devices/{device_id}/modules/{module_id}/inputs/#",
		},
		Artifacts: ArtifactsConfig{
			Dir:             "./artifacts",
			DownloadTimeout: 5 * time.Minute,
			ModelDir:        "/data/misc/camera",
		},
		Relay: RelayConfig{
			Output:       "output1",
			Input:        "input1",
			RestartDelay: 2 * time.Second,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, the
// environment (including a .env file) and finally the command-line flags.
func Load(args []string) (*Config, error) {
	cfg := Default()

	fs := flag.NewFlagSet("visionmodule", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a YAML configuration file")
	pushModel := fs.Bool("pushmodel", false, "copy downloaded artifacts to the camera model directory before starting")
	fs.BoolVar(pushModel, "p", false, "shorthand for -pushmodel")
	address := fs.String("ip", "", "camera IP address")
	username := fs.String("username", "", "camera username")
	password := fs.String("password", "", "camera password")
	logLevel := fs.String("log-level", "", "log level (debug, info, warn, error)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	// parsing stops at the first non-flag, so "-p True -ip X" would drop -ip
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected argument %q (boolean flags take the form -p or -p=true)", fs.Arg(0))
	}

	if *configPath != "" {
		if err := loadFile(cfg, *configPath); err != nil {
			return nil, err
		}
	}

	// Load .env file if it exists
	_ = godotenv.Load()

	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("failed to decode environment: %w", err)
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "pushmodel", "p":
			cfg.Artifacts.PushModel = *pushModel
		case "ip":
			cfg.Camera.Address = *address
		case "username":
			cfg.Camera.Username = *username
		case "password":
			cfg.Camera.Password = *password
		case "log-level":
			cfg.LogLevel = *logLevel
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// Validate checks the settings the module cannot start without
func (c *Config) Validate() error {
	var problems []string

	if c.Camera.Address == "" {
		problems = append(problems, "camera address is not set and no local IPv4 address was found")
	}
	if c.Camera.Port <= 0 || c.Camera.Port > 65535 {
		problems = append(problems, fmt.Sprintf("invalid camera port %d", c.Camera.Port))
	}
	if c.MQTT.Broker == "" {
		problems = append(problems, "mqtt broker is required")
	}
	if c.MQTT.DeviceID == "" {
		problems = append(problems, "mqtt device id is required")
	}
	if c.MQTT.ModuleID == "" {
		problems = append(problems, "mqtt module id is required")
	}
	if c.Relay.Output == "" {
		problems = append(problems, "relay output is required")
	}
	if c.Artifacts.Dir == "" {
		problems = append(problems, "artifact directory is required")
	}
	if c.Artifacts.PushModel && c.Artifacts.ModelDir == "" {
		problems = append(problems, "model directory is required to push the model")
	}
	if c.Relay.RestartDelay < 0 {
		problems = append(problems, "restart delay must not be negative")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// LocalIPv4 returns the first non-loopback IPv4 address, preferring wireless
// interfaces. It returns "" when there is none.
func LocalIPv4() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}

	var fallback string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipNet.IP.To4()
			if ip == nil || ip.IsLoopback() {
				continue
			}
			if strings.HasPrefix(iface.Name, "wlan") {
				return ip.String()
			}
			if fallback == "" {
				fallback = ip.String()
			}
		}
	}
	return fallback
}
