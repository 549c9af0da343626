// Package config loads per-manager configuration from the environment,
// with .env file support for development setups.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/callsig/call"
)

// IceServer describes one STUN/TURN server for media transport
// establishment.
type IceServer struct {
	URLs       []string
	Username   string
	Credential string
}

// Config carries the tunable negotiation parameters of one call
// manager. Constructed explicitly per manager; there is no global
// configuration state.
type Config struct {
	AnswerTimeout   time.Duration
	InitiateTimeout time.Duration
	IncomingGrace   time.Duration
	IceServers      []IceServer
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		AnswerTimeout:   call.DefaultAnswerTimeout,
		InitiateTimeout: call.DefaultInitiateTimeout,
		IncomingGrace:   call.DefaultIncomingGrace,
	}
}

// Load builds a configuration from the environment, reading a .env
// file first when present. Unset variables keep their defaults.
//
// Recognized variables:
//
//	CALLSIG_ANSWER_TIMEOUT    seconds
//	CALLSIG_INITIATE_TIMEOUT  seconds
//	CALLSIG_INCOMING_GRACE    seconds
//	CALLSIG_ICE_SERVERS       "url=...,user=...,pass=...;url=..."
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		// A missing .env file is the normal production case.
		logrus.WithFields(logrus.Fields{
			"function": "Load",
			"error":    err,
		}).Debug("No .env file loaded")
	}

	cfg := Default()
	var err error
	if cfg.AnswerTimeout, err = secondsEnv("CALLSIG_ANSWER_TIMEOUT", cfg.AnswerTimeout); err != nil {
		return nil, err
	}
	if cfg.InitiateTimeout, err = secondsEnv("CALLSIG_INITIATE_TIMEOUT", cfg.InitiateTimeout); err != nil {
		return nil, err
	}
	if cfg.IncomingGrace, err = secondsEnv("CALLSIG_INCOMING_GRACE", cfg.IncomingGrace); err != nil {
		return nil, err
	}
	if raw := os.Getenv("CALLSIG_ICE_SERVERS"); raw != "" {
		if cfg.IceServers, err = ParseIceServers(raw); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func secondsEnv(name string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return 0, fmt.Errorf("invalid %s value %q", name, raw)
	}
	return time.Duration(secs) * time.Second, nil
}

// ParseIceServers parses the compact server list format: entries
// separated by ';', each a comma-separated list of key=value fields
// with keys "url" (repeatable), "user", and "pass".
func ParseIceServers(raw string) ([]IceServer, error) {
	var servers []IceServer
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		var srv IceServer
		for _, field := range strings.Split(entry, ",") {
			field = strings.TrimSpace(field)
			eq := strings.IndexByte(field, '=')
			if eq < 0 {
				return nil, fmt.Errorf("invalid ICE server field %q", field)
			}
			key, value := field[:eq], field[eq+1:]
			switch key {
			case "url":
				srv.URLs = append(srv.URLs, value)
			case "user":
				srv.Username = value
			case "pass":
				srv.Credential = value
			default:
				return nil, fmt.Errorf("unknown ICE server key %q", key)
			}
		}
		if len(srv.URLs) == 0 {
			return nil, fmt.Errorf("ICE server entry %q has no url", entry)
		}
		servers = append(servers, srv)
	}
	return servers, nil
}

// CallOptions converts the configuration into manager options for the
// given local identity.
func (c *Config) CallOptions(ownIdentity, anonID string) call.Options {
	return call.Options{
		OwnIdentity:     ownIdentity,
		AnonID:          anonID,
		AnswerTimeout:   c.AnswerTimeout,
		InitiateTimeout: c.InitiateTimeout,
		IncomingGrace:   c.IncomingGrace,
	}
}
