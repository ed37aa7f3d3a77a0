package config

import (
	"errors"
	"fmt"
	"net/url"
)

// Validate ensures required fields are present.
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return errors.New("env is required")
	}
	if !cfg.Feed.Enabled && !cfg.Replay.Enabled {
		return errors.New("at least one of feed.enabled / replay.enabled must be true")
	}
	if cfg.Feed.Enabled {
		u, err := url.Parse(cfg.Feed.URL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			return fmt.Errorf("feed.url must be a ws:// or wss:// url, got %q", cfg.Feed.URL)
		}
		if cfg.Feed.ConnectTimeout <= 0 {
			return errors.New("feed.connectTimeout must be > 0")
		}
		if cfg.Feed.ReconnectDelay <= 0 {
			return errors.New("feed.reconnectDelay must be > 0")
		}
		if cfg.Feed.ReadTimeout < 0 {
			return errors.New("feed.readTimeout must be >= 0")
		}
	}
	switch cfg.Store.Driver {
	case "postgres":
		if cfg.Store.DSN == "" {
			return errors.New("store.dsn is required for postgres (or DATABASE_URL)")
		}
	case "pebble":
		if cfg.Store.Path == "" {
			return errors.New("store.path is required for pebble")
		}
	case "memory":
	default:
		return fmt.Errorf("store.driver %q not supported (postgres, pebble, memory)", cfg.Store.Driver)
	}
	if cfg.Store.WriteTimeout < 0 || cfg.Store.QueryTimeout < 0 {
		return errors.New("store timeouts must be >= 0")
	}
	if cfg.Replay.Enabled {
		if cfg.Replay.Addr == "" {
			return errors.New("replay.addr is required")
		}
		if cfg.Replay.PacingInterval < 0 {
			return errors.New("replay.pacingInterval must be >= 0")
		}
		if cfg.Replay.MessageRate < 0 || cfg.Replay.MessageBurst < 0 {
			return errors.New("replay.messageRate / replay.messageBurst must be >= 0")
		}
	}
	if len(cfg.Mirror.Brokers) > 0 && cfg.Mirror.Topic == "" {
		return errors.New("mirror.topic is required when mirror.brokers is set")
	}
	if cfg.Alert.Enabled && (cfg.Alert.Throttle < 0 || cfg.Alert.CriticalAfter < 0) {
		return errors.New("alert.throttle / alert.criticalAfter must be >= 0")
	}
	return nil
}
