// Package config loads the PAM process configuration from a YAML file and
// PETAL_-prefixed environment variables, producing a typed, immutable record.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"
)

const envPrefix = "PETAL_"

// MAVLink holds configuration for the external MAVLink proxy.
type MAVLink struct {
	Endpoint               string        `yaml:"endpoint"` // "udp:host:port" or "serial:/path:baud"
	Baud                   int           `yaml:"baud"`
	WorkerThreads          int           `yaml:"worker_threads"`
	HeartbeatSendFrequency float64       `yaml:"heartbeat_send_frequency"` // Hz
	SourceSystemID         uint8         `yaml:"source_system_id"`
	SourceComponentID      uint8         `yaml:"source_component_id"`
	BufferCapacity         int           `yaml:"buffer_capacity"`
	StartupTimeout         time.Duration `yaml:"startup_timeout"`
	RetryInterval          time.Duration `yaml:"retry_interval"`
}

// Redis holds configuration for the in-process broker proxy.
type Redis struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	UnixSocketPath string        `yaml:"unix_socket_path"`
	WorkerThreads  int           `yaml:"worker_threads"`
	StartupTimeout time.Duration `yaml:"startup_timeout"`
	RetryInterval  time.Duration `yaml:"retry_interval"`
}

// MQTT holds configuration for the HTTP-bridge-backed MQTT proxy.
type MQTT struct {
	TSClientHost   string        `yaml:"ts_client_host"`
	TSClientPort   int           `yaml:"ts_client_port"`
	CallbackHost   string        `yaml:"callback_host"`
	CallbackPort   int           `yaml:"callback_port"`
	IngressBuffer  int           `yaml:"ingress_buffer"`
	StartupTimeout time.Duration `yaml:"startup_timeout"`
	RetryInterval  time.Duration `yaml:"retry_interval"`
}

// Cloud holds configuration shared by the cloud DB and object-store proxies.
type Cloud struct {
	Endpoint        string        `yaml:"endpoint"`
	AccessTokenURL  string        `yaml:"access_token_url"`
	SessionTokenURL string        `yaml:"session_token_url"`
	S3BucketName    string        `yaml:"s3_bucket_name"`
	S3Region        string        `yaml:"s3_region"`
	S3EndpointURL   string        `yaml:"s3_endpoint_url"`
	StartupTimeout  time.Duration `yaml:"startup_timeout"`
	RetryInterval   time.Duration `yaml:"retry_interval"`
}

// LocalDB holds configuration for the on-device database service proxy.
type LocalDB struct {
	Endpoint       string        `yaml:"endpoint"`
	StartupTimeout time.Duration `yaml:"startup_timeout"`
	RetryInterval  time.Duration `yaml:"retry_interval"`
}

// Server holds configuration for the control/health HTTP API.
type Server struct {
	HTTPHost     string        `yaml:"http_host"`
	HTTPPort     int           `yaml:"http_port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// Logging holds configuration for the per-level logging pipeline.
type Logging struct {
	Level    string `yaml:"level"`
	ToFile   bool   `yaml:"to_file"`
	Dir      string `yaml:"dir"`
	RingSize int    `yaml:"ring_size"`
}

// Identity identifies this device for data-plane scoping.
type Identity struct {
	MachineID string `yaml:"machine_id"`
	OrgID     string `yaml:"org_id"`
}

// Config is the process-wide immutable configuration record. It is built
// once at startup: defaults, then YAML file, then PETAL_ environment
// overrides (env wins).
type Config struct {
	Server   Server   `yaml:"server"`
	Logging  Logging  `yaml:"logging"`
	MAVLink  MAVLink  `yaml:"mavlink"`
	Redis    Redis    `yaml:"redis"`
	MQTT     MQTT     `yaml:"mqtt"`
	Cloud    Cloud    `yaml:"cloud"`
	LocalDB  LocalDB  `yaml:"local_db"`
	Identity Identity `yaml:"identity"`

	// StartupPetals load synchronously before the HTTP server listens.
	StartupPetals []string `yaml:"startup_petals"`
	// EnabledPetals load in a background goroutine, one at a time, started
	// just before the HTTP server; loading does not wait for the server to
	// listen.
	EnabledPetals []string `yaml:"enabled_petals"`
	// EnabledProxies lists which proxies are currently turned on.
	EnabledProxies []string `yaml:"enabled_proxies"`
	// PetalDependencies maps a petal name to the proxies it requires.
	PetalDependencies map[string][]string `yaml:"petal_dependencies"`
	// ProxyDependencies maps a proxy name to the proxies it requires.
	ProxyDependencies map[string][]string `yaml:"proxy_dependencies"`
	// Petals optionally maps a petal name to a direct module import path.
	// The petal loader does not read it: direct resolution uses the
	// constructors registered with petal.RegisterDirect.
	Petals map[string]string `yaml:"petals"`

	// ConfigPath is the path this config was loaded from. The control API
	// persists enabled-petal/proxy changes back to this file via Save.
	ConfigPath string `yaml:"-"`
}

// Save writes cfg back to ConfigPath under an exclusive file lock, so a
// concurrent Save from another process (or a second in-flight control API
// request) can't interleave writes. It is a no-op if ConfigPath is empty —
// a process started without a config file has nothing to persist to. The
// write goes to a temp file in the same directory first, then renames over
// ConfigPath, so a crash mid-write never leaves a truncated config behind.
func (c *Config) Save() error {
	if c.ConfigPath == "" {
		return nil
	}

	lock := flock.New(c.ConfigPath + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("locking config file for write: %w", err)
	}
	defer lock.Unlock()

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	dir := filepath.Dir(c.ConfigPath)
	tmp, err := os.CreateTemp(dir, ".config-*.yaml.tmp")
	if err != nil {
		return fmt.Errorf("creating temp config file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp config file: %w", err)
	}
	if err := os.Rename(tmpPath, c.ConfigPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replacing config file: %w", err)
	}
	return nil
}

// Default returns a configuration with PAM's documented defaults.
func Default() *Config {
	return &Config{
		Server: Server{
			HTTPHost:     "0.0.0.0",
			HTTPPort:     8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Logging: Logging{
			Level:    "INFO",
			ToFile:   false,
			Dir:      "/var/log/pam",
			RingSize: 5000,
		},
		MAVLink: MAVLink{
			Endpoint:               "udp:127.0.0.1:14550",
			WorkerThreads:          4,
			HeartbeatSendFrequency: 1.0,
			SourceSystemID:         1,
			SourceComponentID:      191,
			BufferCapacity:         10000,
			StartupTimeout:         10 * time.Second,
			RetryInterval:          5 * time.Second,
		},
		Redis: Redis{
			Host:           "127.0.0.1",
			Port:           6379,
			WorkerThreads:  4,
			StartupTimeout: 5 * time.Second,
			RetryInterval:  2 * time.Second,
		},
		MQTT: MQTT{
			TSClientHost:   "127.0.0.1",
			TSClientPort:   8765,
			CallbackHost:   "127.0.0.1",
			CallbackPort:   8766,
			IngressBuffer:  1000,
			StartupTimeout: 10 * time.Second,
			RetryInterval:  5 * time.Second,
		},
		Cloud: Cloud{
			StartupTimeout: 10 * time.Second,
			RetryInterval:  10 * time.Second,
		},
		LocalDB: LocalDB{
			StartupTimeout: 5 * time.Second,
			RetryInterval:  5 * time.Second,
		},
		EnabledProxies:    []string{},
		PetalDependencies: map[string][]string{},
		ProxyDependencies: map[string][]string{},
		Petals:            map[string]string{},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// non-empty and present), then PETAL_-prefixed environment overrides.
// A malformed YAML file is the one fatal configuration error; a missing
// path is not, since defaults already apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config file %s: %w", path, err)
			}
		} else {
			expanded := os.ExpandEnv(string(data))
			if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
				return nil, fmt.Errorf("parsing config file %s: %w", path, err)
			}
			cfg.ConfigPath = path
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides walks well-known PETAL_ environment variables and
// overwrites the corresponding config field. Env always wins over the YAML
// file, matching the documented precedence.
func applyEnvOverrides(cfg *Config) {
	setString(&cfg.Logging.Level, "LOG_LEVEL")
	setBool(&cfg.Logging.ToFile, "LOG_TO_FILE")
	setString(&cfg.Logging.Dir, "LOG_DIR")

	setString(&cfg.MAVLink.Endpoint, "MAVLINK_ENDPOINT")
	setInt(&cfg.MAVLink.Baud, "MAVLINK_BAUD")
	setInt(&cfg.MAVLink.WorkerThreads, "MAVLINK_WORKER_THREADS")
	setFloat(&cfg.MAVLink.HeartbeatSendFrequency, "MAVLINK_HEARTBEAT_SEND_FREQUENCY")
	setUint8(&cfg.MAVLink.SourceSystemID, "SOURCE_SYSTEM_ID")
	setUint8(&cfg.MAVLink.SourceComponentID, "SOURCE_COMPONENT_ID")
	setDuration(&cfg.MAVLink.StartupTimeout, "MAVLINK_STARTUP_TIMEOUT")
	setDuration(&cfg.MAVLink.RetryInterval, "MAVLINK_RETRY_INTERVAL")

	setString(&cfg.Redis.Host, "REDIS_HOST")
	setInt(&cfg.Redis.Port, "REDIS_PORT")
	setString(&cfg.Redis.UnixSocketPath, "REDIS_UNIX_SOCKET_PATH")
	setInt(&cfg.Redis.WorkerThreads, "REDIS_WORKER_THREADS")
	setDuration(&cfg.Redis.StartupTimeout, "REDIS_STARTUP_TIMEOUT")
	setDuration(&cfg.Redis.RetryInterval, "REDIS_RETRY_INTERVAL")

	setString(&cfg.MQTT.TSClientHost, "TS_CLIENT_HOST")
	setInt(&cfg.MQTT.TSClientPort, "TS_CLIENT_PORT")
	setString(&cfg.MQTT.CallbackHost, "CALLBACK_HOST")
	setInt(&cfg.MQTT.CallbackPort, "CALLBACK_PORT")
	setDuration(&cfg.MQTT.StartupTimeout, "MQTT_STARTUP_TIMEOUT")
	setDuration(&cfg.MQTT.RetryInterval, "MQTT_RETRY_INTERVAL")

	setString(&cfg.Cloud.Endpoint, "CLOUD_ENDPOINT")
	setString(&cfg.Cloud.AccessTokenURL, "ACCESS_TOKEN_URL")
	setString(&cfg.Cloud.SessionTokenURL, "SESSION_TOKEN_URL")
	setString(&cfg.Cloud.S3BucketName, "S3_BUCKET_NAME")
	setDuration(&cfg.Cloud.StartupTimeout, "CLOUD_STARTUP_TIMEOUT")
	setDuration(&cfg.Cloud.RetryInterval, "CLOUD_RETRY_INTERVAL")

	setString(&cfg.Identity.MachineID, "MACHINE_ID")
	setString(&cfg.Identity.OrgID, "ORG_ID")
}

func lookupEnv(name string) (string, bool) {
	return os.LookupEnv(envPrefix + name)
}

func setString(dst *string, name string) {
	if v, ok := lookupEnv(name); ok && v != "" {
		*dst = v
	}
}

func setBool(dst *bool, name string) {
	if v, ok := lookupEnv(name); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setInt(dst *int, name string) {
	if v, ok := lookupEnv(name); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setUint8(dst *uint8, name string) {
	if v, ok := lookupEnv(name); ok {
		if n, err := strconv.ParseUint(v, 10, 8); err == nil {
			*dst = uint8(n)
		}
	}
}

func setFloat(dst *float64, name string) {
	if v, ok := lookupEnv(name); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setDuration(dst *time.Duration, name string) {
	if v, ok := lookupEnv(name); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// petalNamePrefix is the load-bearing prefix every petal name must start
// with (topic namespacing and logger routing both derive from it).
const petalNamePrefix = "petal-"

// ValidPetalName reports whether name satisfies the naming invariant.
func ValidPetalName(name string) bool {
	return strings.HasPrefix(name, petalNamePrefix) && len(name) > len(petalNamePrefix)
}
