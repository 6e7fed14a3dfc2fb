// Package config holds the process-wide, immutable-after-start
// configuration for the master and slave roles, per spec section 3.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultAuthTimeout    = 10 * time.Second
	DefaultRequestTimeout = 30 * time.Second
	DefaultLocalTimeout   = 30 * time.Second

	DefaultReconnectBaseDelay = 5 * time.Second
	DefaultReconnectMaxDelay  = 60 * time.Second
	DefaultPingInterval       = 30 * time.Second
)

// MasterConfig is the master's process-wide configuration.
type MasterConfig struct {
	Addr   string
	Secret string

	AuthTimeout    time.Duration
	RequestTimeout time.Duration

	// MaxConcurrentRequestsPerSlave bounds in-flight forwarded requests per
	// slave; 0 disables the limit. See SPEC_FULL.md supplemented feature 1.
	MaxConcurrentRequestsPerSlave int

	TrustProxy         bool
	TrustedProxyCIDRs  string
}

// MasterConfigFromEnv builds a MasterConfig from the environment, per
// spec section 6: DEPLOYMENT_MODE=master, CLUSTER_SECRET.
func MasterConfigFromEnv() (MasterConfig, error) {
	if mode := envString("DEPLOYMENT_MODE", ""); mode != "master" {
		return MasterConfig{}, ErrNotMasterMode
	}
	secret := envString("CLUSTER_SECRET", "")
	if secret == "" {
		return MasterConfig{}, errMissingSecret
	}
	return MasterConfig{
		Addr:                          envString("MASTER_ADDR", ":8080"),
		Secret:                        secret,
		AuthTimeout:                   envDuration("CLUSTER_AUTH_TIMEOUT_SECONDS", DefaultAuthTimeout),
		RequestTimeout:                envDuration("CLUSTER_REQUEST_TIMEOUT_SECONDS", DefaultRequestTimeout),
		MaxConcurrentRequestsPerSlave: envInt("CLUSTER_MAX_CONCURRENT_REQUESTS_PER_SLAVE", 0),
		TrustProxy:                    envBool("CLUSTER_TRUST_PROXY", false),
		TrustedProxyCIDRs:             envString("CLUSTER_TRUSTED_PROXY_CIDRS", ""),
	}, nil
}

// ErrNotMasterMode is returned by MasterConfigFromEnv when DEPLOYMENT_MODE
// is not "master". Callers distinguish this from a genuine master-mode
// misconfiguration (e.g. errMissingSecret) to fall back to standalone mode
// instead of exiting, per spec section 7.
var ErrNotMasterMode = errors.New("config: DEPLOYMENT_MODE is not \"master\"")

var errMissingSecret = errors.New("config: CLUSTER_SECRET is required in master mode")

// SlaveConfig is the slave's process-wide configuration.
type SlaveConfig struct {
	MasterURL string
	SlaveID   string
	SlaveName string
	Secret    string
	LocalPort int

	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	PingInterval       time.Duration
	LocalTimeout       time.Duration
}

// SlaveConfigFromEnv builds a SlaveConfig from the environment, per spec
// section 6: DEPLOYMENT_MODE=slave, MASTER_URL, SLAVE_ID, SLAVE_NAME
// (optional), CLUSTER_SECRET, PORT.
func SlaveConfigFromEnv() (SlaveConfig, error) {
	if mode := envString("DEPLOYMENT_MODE", ""); mode != "slave" {
		return SlaveConfig{}, errNotSlaveMode
	}
	masterURL := envString("MASTER_URL", "")
	if masterURL == "" {
		return SlaveConfig{}, errMissingMasterURL
	}
	slaveID := envString("SLAVE_ID", "")
	if slaveID == "" {
		return SlaveConfig{}, errMissingSlaveID
	}
	secret := envString("CLUSTER_SECRET", "")
	if secret == "" {
		return SlaveConfig{}, errMissingSecret
	}
	port := envInt("PORT", 0)
	if port <= 0 || port > 65535 {
		return SlaveConfig{}, errMissingPort
	}

	name := envString("SLAVE_NAME", slaveID)

	return SlaveConfig{
		MasterURL:          strings.TrimRight(masterURL, "/"),
		SlaveID:            slaveID,
		SlaveName:          name,
		Secret:             secret,
		LocalPort:          port,
		ReconnectBaseDelay: envDuration("SLAVE_RECONNECT_BASE_SECONDS", DefaultReconnectBaseDelay),
		ReconnectMaxDelay:  envDuration("SLAVE_RECONNECT_MAX_SECONDS", DefaultReconnectMaxDelay),
		PingInterval:       envDuration("SLAVE_PING_INTERVAL_SECONDS", DefaultPingInterval),
		LocalTimeout:       envDuration("SLAVE_LOCAL_TIMEOUT_SECONDS", DefaultLocalTimeout),
	}, nil
}

var (
	errNotSlaveMode     = errors.New("config: DEPLOYMENT_MODE is not \"slave\"")
	errMissingMasterURL = errors.New("config: MASTER_URL is required in slave mode")
	errMissingSlaveID   = errors.New("config: SLAVE_ID is required in slave mode")
	errMissingPort      = errors.New("config: PORT must be a valid local service port")
)

func envString(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// envDuration reads an integer-seconds environment variable into a
// time.Duration, mirroring the reference gateway's envInt-then-convert
// pattern for *_SECONDS settings.
func envDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return time.Duration(n) * time.Second
}
