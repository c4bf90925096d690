package health

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	FailureThreshold int `envconfig:"HEALTH_FAILURE_THRESHOLD" default:"10"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
