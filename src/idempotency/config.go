package idempotency

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	StorePath       string        `envconfig:"IDEMPOTENCY_STORE_PATH" default:"/var/lib/signalrelay/idempotency"`
	InMemory        bool          `envconfig:"IDEMPOTENCY_IN_MEMORY" default:"false"`
	TTL             time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"90s"`
	Bucket          time.Duration `envconfig:"IDEMPOTENCY_BUCKET" default:"60s"`
	FingerprintMode string        `envconfig:"IDEMPOTENCY_FINGERPRINT_MODE" default:"payload"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
