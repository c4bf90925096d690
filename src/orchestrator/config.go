package orchestrator

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Workers            int           `envconfig:"ORCHESTRATOR_WORKERS" default:"8"`
	AccountConcurrency int           `envconfig:"ORCHESTRATOR_ACCOUNT_CONCURRENCY" default:"2"`
	ProtectionRetries  int           `envconfig:"PROTECTION_RETRIES" default:"3"`
	RetryBaseDelay     time.Duration `envconfig:"RETRY_BASE_DELAY" default:"500ms"`
	RetryMaxDelay      time.Duration `envconfig:"RETRY_MAX_DELAY" default:"8s"`
	CallTimeout        time.Duration `envconfig:"EXCHANGE_CALL_TIMEOUT" default:"10s"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
