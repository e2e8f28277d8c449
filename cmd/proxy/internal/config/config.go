package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// RuntimeEnvironment represents the execution environment
type RuntimeEnvironment string

const (
	RuntimeKubernetes RuntimeEnvironment = "kubernetes"
	RuntimeContainer  RuntimeEnvironment = "container"
	RuntimeVM         RuntimeEnvironment = "vm"
)

// DiscoveryMode represents backend discovery strategy
type DiscoveryMode string

const (
	DiscoveryKubernetes DiscoveryMode = "kubernetes"
	DiscoveryStatic     DiscoveryMode = "static"
)

// TLSMode represents TLS certificate source
type TLSMode string

const (
	TLSModeFile       TLSMode = "file"
	TLSModeKubernetes TLSMode = "kubernetes"
	TLSModeMemory     TLSMode = "memory"
)

// HandlerMode selects what negotiated connections are handed to.
type HandlerMode string

const (
	// HandlerServe serves HTTP/2 and HTTP/1.1 in process.
	HandlerServe HandlerMode = "serve"
	// HandlerForward pipes each connection to a discovered backend.
	HandlerForward HandlerMode = "forward"
)

// Config holds all application configuration
type Config struct {
	// Core
	Debug     bool        `envconfig:"DEBUG" default:"false"`
	LogFormat string      `envconfig:"LOG_FORMAT" default:"text"`
	Handler   HandlerMode `envconfig:"HANDLER_MODE" default:"serve"`

	// Runtime
	Runtime   RuntimeEnvironment `ignored:"true"`
	Namespace string             `ignored:"true"` // Only for Kubernetes runtime

	// Server
	BindHost         string `envconfig:"BIND_HOST" default:"0.0.0.0"`
	TLSPort          int    `envconfig:"TLS_PORT" default:"8443"`
	HealthServerPort string `envconfig:"HEALTH_SERVER_PORT" default:"8080"`

	// Acceptor tuning
	BufferSize       int           `envconfig:"BUFFER_SIZE" default:"16384"`
	BufferStrategy   string        `envconfig:"BUFFER_STRATEGY" default:"reusable"`
	IOThreads        int           `envconfig:"IO_THREADS" default:"8"`
	TaskThreads      int           `envconfig:"TASK_THREADS" default:"30"`
	HighWater        int           `envconfig:"CONNECTION_HIGH_WATER" default:"1000000"`
	LowWater         int           `envconfig:"CONNECTION_LOW_WATER" default:"1000000"`
	TCPNoDelay       bool          `envconfig:"TCP_NODELAY" default:"true"`
	TCPKeepAlive     time.Duration `envconfig:"TCP_KEEPALIVE" default:"3m"`
	HandshakeTimeout time.Duration `envconfig:"HANDSHAKE_TIMEOUT" default:"10s"`

	// PROXY protocol
	ProxyProtocolBehavior        string   `envconfig:"PROXY_PROTOCOL_BEHAVIOR"`
	ProxyProtocolAuthorizedAddrs []string `envconfig:"PROXY_PROTOCOL_AUTHORIZED_ADDRS"`

	// Backend Discovery
	DiscoveryMode  DiscoveryMode `ignored:"true"`
	StaticBackends string        `envconfig:"STATIC_BACKENDS"`
	KubeConfigPath string        `envconfig:"KUBECONFIG"`
	KubeContext    string        `envconfig:"KUBE_CONTEXT"`

	// TLS Configuration
	TLSMode                 TLSMode `ignored:"true"`
	TLSCertFile             string  `envconfig:"TLS_CERT_FILE"`
	TLSKeyFile              string  `envconfig:"TLS_KEY_FILE"`
	TLSSecretName           string  `envconfig:"TLS_SECRET_NAME"`
	TLSAutoGenerate         bool    `envconfig:"TLS_AUTO_GENERATE" default:"true"` // Generate self-signed if cert doesn't exist
	TLSAutoRenew            bool    `envconfig:"TLS_AUTO_RENEW" default:"true"`    // Regenerate if cert is invalid/expired
	TLSRenewalThresholdDays int     `envconfig:"TLS_RENEWAL_THRESHOLD_DAYS" default:"30"`
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// Runtime - Auto-detect or explicit
	cfg.Runtime = determineRuntime()
	cfg.Namespace = determineNamespace()
	cfg.DiscoveryMode = determineDiscoveryMode()
	cfg.TLSMode = determineTLSMode()

	// Legacy support
	cfg.applyLegacySupport()

	// Validation
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate ensures configuration is coherent. It is exported so flag
// overrides can be checked again.
func (c *Config) Validate() error {
	switch c.Handler {
	case HandlerServe, HandlerForward:
	default:
		return fmt.Errorf("unsupported HANDLER_MODE: %s (supported: %s, %s)", c.Handler, HandlerServe, HandlerForward)
	}

	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("unsupported LOG_FORMAT: %s (supported: text, json)", c.LogFormat)
	}

	if c.TLSPort < 0 || c.TLSPort > 65535 {
		return fmt.Errorf("TLS_PORT out of range: %d", c.TLSPort)
	}
	if c.IOThreads <= 0 || c.TaskThreads <= 0 {
		return fmt.Errorf("IO_THREADS and TASK_THREADS must be positive")
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("BUFFER_SIZE must be positive")
	}
	if c.LowWater > c.HighWater {
		return fmt.Errorf("CONNECTION_LOW_WATER (%d) must not exceed CONNECTION_HIGH_WATER (%d)", c.LowWater, c.HighWater)
	}

	if c.TLSMode == TLSModeFile {
		if c.TLSCertFile == "" || c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_CERT_FILE and TLS_KEY_FILE must be set when using file-based TLS")
		}
	}

	if c.TLSMode == TLSModeKubernetes && c.TLSSecretName == "" {
		return fmt.Errorf("TLS_SECRET_NAME must be set when using kubernetes TLS mode")
	}

	if c.Handler == HandlerForward && c.DiscoveryMode == DiscoveryStatic && c.StaticBackends == "" {
		return fmt.Errorf("static discovery in forward mode requires STATIC_BACKENDS")
	}

	// Kubernetes access from a plain container needs an explicit kubeconfig
	if c.NeedsKubernetes() && c.Runtime == RuntimeContainer && c.KubeConfigPath == "" {
		return fmt.Errorf("kubernetes access in container runtime requires KUBECONFIG path")
	}

	return nil
}

// NeedsKubernetes reports whether any component talks to the API server.
func (c *Config) NeedsKubernetes() bool {
	return c.TLSMode == TLSModeKubernetes ||
		(c.Handler == HandlerForward && c.DiscoveryMode == DiscoveryKubernetes)
}

// applyLegacySupport handles backward compatibility
func (c *Config) applyLegacySupport() {
	// Legacy: HTTPS_PORT
	if legacyPort := getEnv("HTTPS_PORT", ""); legacyPort != "" && os.Getenv("TLS_PORT") == "" {
		if port, err := strconv.Atoi(legacyPort); err == nil {
			c.TLSPort = port
		}
	}

	// Legacy: TLS_ENABLE_SELF_SIGNED
	if getEnvBool("TLS_ENABLE_SELF_SIGNED", false) {
		c.TLSAutoGenerate = true
	}

	// Legacy: POD_NAMESPACE
	if podNS := getEnv("POD_NAMESPACE", ""); podNS != "" && c.Namespace == "" {
		c.Namespace = podNS
	}
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	boolValue, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return boolValue
}

func determineRuntime() RuntimeEnvironment {
	// Explicit runtime setting
	if runtime := os.Getenv("RUNTIME"); runtime != "" {
		switch strings.ToLower(runtime) {
		case "kubernetes", "k8s":
			return RuntimeKubernetes
		case "container", "docker":
			return RuntimeContainer
		case "vm", "virtual-machine", "bare-metal":
			return RuntimeVM
		}
	}

	// Auto-detect: Check if running in Kubernetes
	if _, err := os.Stat("/var/run/secrets/kubernetes.io/serviceaccount"); err == nil {
		return RuntimeKubernetes
	}

	// Auto-detect: Check if running in container
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return RuntimeContainer
	}

	// Default to VM
	return RuntimeVM
}

func determineNamespace() string {
	// Explicit namespace
	if ns := os.Getenv("NAMESPACE"); ns != "" {
		return ns
	}

	// Kubernetes downward API
	if ns := os.Getenv("POD_NAMESPACE"); ns != "" {
		return ns
	}

	// Read from service account (in-cluster)
	if data, err := os.ReadFile("/var/run/secrets/kubernetes.io/serviceaccount/namespace"); err == nil {
		return strings.TrimSpace(string(data))
	}

	return "default"
}

func determineDiscoveryMode() DiscoveryMode {
	// Explicit mode
	if mode := os.Getenv("DISCOVERY_MODE"); mode != "" {
		if strings.ToLower(mode) == "static" {
			return DiscoveryStatic
		}
		return DiscoveryKubernetes
	}

	// Auto-detect: Static if STATIC_BACKENDS is set
	if os.Getenv("STATIC_BACKENDS") != "" {
		return DiscoveryStatic
	}

	return DiscoveryKubernetes
}

func determineTLSMode() TLSMode {
	// Explicit mode
	if mode := os.Getenv("TLS_MODE"); mode != "" {
		switch strings.ToLower(mode) {
		case "file", "filesystem":
			return TLSModeFile
		case "kubernetes", "k8s", "secret":
			return TLSModeKubernetes
		case "memory", "in-memory":
			return TLSModeMemory
		}
	}

	// Auto-detect based on configuration
	if os.Getenv("TLS_CERT_FILE") != "" {
		return TLSModeFile
	}

	if os.Getenv("TLS_SECRET_NAME") != "" {
		return TLSModeKubernetes
	}

	return TLSModeMemory
}
