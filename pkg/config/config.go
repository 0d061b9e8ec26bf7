package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Configuration struct {
	ListenAddr string
	// ObserverID identifies the field supervisor whose device is scanning.
	// It is attached to every visit record.
	ObserverID int64
	Tracker    TrackerSettings
	Discovery  DiscoverySettings
	Directory  BackendSettings
	Sink       BackendSettings
	Database   struct {
		User     string
		Password string
		Host     string
		DB       string
		SSLMode  string
	}
	Logging LoggingSettings
}

type TrackerSettings struct {
	// SilenceThreshold is the longest gap between sightings before a session
	// is considered ended.
	SilenceThreshold time.Duration
	// SweepInterval is how often active sessions are checked against the
	// silence threshold. It must be shorter than SilenceThreshold.
	SweepInterval    time.Duration
	LookupTimeout    time.Duration
	ReportTimeout    time.Duration
	DeliveryGuardTTL time.Duration
}

type DiscoverySettings struct {
	// Mode is "broker" to accept gateway connections on an embedded MQTT
	// broker, or "client" to subscribe to an existing broker.
	Mode   string
	Topics []string
	QoS    byte
	Broker struct {
		ListenAddr string
		// AllowedUsers restricts which MQTT usernames may connect. Empty
		// allows everyone.
		AllowedUsers []string
		// Credentials, when set, require gateways to present a password
		// matching the stored hash. See cmd/genpass.
		Credentials []GatewayCredential
	}
	Client struct {
		URL            string
		ClientID       string
		Username       string
		Password       string
		ConnectTimeout time.Duration
	}
}

type GatewayCredential struct {
	Username     string
	PasswordHash string
	Salt         string
}

type BackendSettings struct {
	// Kind is "http" or "postgres".
	Kind    string
	BaseURL string
	Timeout time.Duration
}

type LoggingSettings struct {
	Level  string
	Format string
}

const (
	DiscoveryModeBroker = "broker"
	DiscoveryModeClient = "client"

	BackendHTTP     = "http"
	BackendPostgres = "postgres"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Validate checks that the settings can drive a scan.
func (c *Configuration) Validate() error {
	var problems []string

	t := c.Tracker
	if t.SweepInterval <= 0 {
		problems = append(problems, "tracker.sweepinterval must be positive")
	}
	if t.SilenceThreshold <= t.SweepInterval {
		problems = append(problems, "tracker.silencethreshold must exceed tracker.sweepinterval")
	}
	if t.LookupTimeout <= 0 || t.ReportTimeout <= 0 {
		problems = append(problems, "tracker timeouts must be positive")
	}
	if t.DeliveryGuardTTL <= 0 {
		problems = append(problems, "tracker.deliveryguardttl must be positive")
	}

	switch c.Discovery.Mode {
	case DiscoveryModeBroker:
		if c.Discovery.Broker.ListenAddr == "" {
			problems = append(problems, "discovery.broker.listenaddr is required")
		}
		for i, cred := range c.Discovery.Broker.Credentials {
			if cred.Username == "" || cred.PasswordHash == "" {
				problems = append(problems, fmt.Sprintf("discovery.broker.credentials[%d] needs username and passwordhash", i))
			}
		}
	case DiscoveryModeClient:
		if c.Discovery.Client.URL == "" {
			problems = append(problems, "discovery.client.url is required")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown discovery.mode %q", c.Discovery.Mode))
	}
	if len(c.Discovery.Topics) == 0 {
		problems = append(problems, "discovery.topics must not be empty")
	}
	if c.Discovery.QoS > 2 {
		problems = append(problems, "discovery.qos must be 0, 1 or 2")
	}

	for name, b := range map[string]BackendSettings{"directory": c.Directory, "sink": c.Sink} {
		switch b.Kind {
		case BackendHTTP:
			if b.BaseURL == "" {
				problems = append(problems, name+".baseurl is required for http")
			}
		case BackendPostgres:
			if c.Database.Host == "" || c.Database.DB == "" {
				problems = append(problems, name+" uses postgres but database.host/db are not set")
			}
		default:
			problems = append(problems, fmt.Sprintf("unknown %s.kind %q", name, b.Kind))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// NeedsDatabase reports whether any backend is served from Postgres.
func (c *Configuration) NeedsDatabase() bool {
	return c.Directory.Kind == BackendPostgres || c.Sink.Kind == BackendPostgres
}

// DatabaseURL builds the postgres connection URL.
func (c *Configuration) DatabaseURL() string {
	sslMode := c.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=%s",
		c.Database.User, c.Database.Password, c.Database.Host, c.Database.DB, sslMode)
}
