package events

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// LoadConfigFromEnv reads the Kafka settings. Publishing stays off unless
// DEVICECAP_KAFKA_BROKERS is set.
//
//   - DEVICECAP_KAFKA_BROKERS (comma separated host:port list)
//   - DEVICECAP_KAFKA_TOPIC (default devicecap.session-events)
//   - DEVICECAP_KAFKA_QUEUE_SIZE
//   - DEVICECAP_KAFKA_WRITE_TIMEOUT
func LoadConfigFromEnv() Config {
	cfg := Config{
		Topic:        "devicecap.session-events",
		QueueSize:    1024,
		WriteTimeout: 5 * time.Second,
	}
	for _, b := range strings.Split(os.Getenv("DEVICECAP_KAFKA_BROKERS"), ",") {
		if b = strings.TrimSpace(b); b != "" {
			cfg.Brokers = append(cfg.Brokers, b)
		}
	}
	if v := strings.TrimSpace(os.Getenv("DEVICECAP_KAFKA_TOPIC")); v != "" {
		cfg.Topic = v
	}
	if n, err := strconv.Atoi(strings.TrimSpace(os.Getenv("DEVICECAP_KAFKA_QUEUE_SIZE"))); err == nil && n > 0 {
		cfg.QueueSize = n
	}
	if d, err := time.ParseDuration(strings.TrimSpace(os.Getenv("DEVICECAP_KAFKA_WRITE_TIMEOUT"))); err == nil && d > 0 {
		cfg.WriteTimeout = d
	}
	return cfg
}
