package reconciler

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Interval      time.Duration `envconfig:"RECONCILE_INTERVAL" default:"30s"`
	MaxPositions  int           `envconfig:"RECONCILE_MAX_POSITIONS" default:"200"`
	SizeTolerance float64       `envconfig:"RECONCILE_SIZE_TOLERANCE" default:"0.001"`
	StreamURL     string        `envconfig:"RECONCILE_STREAM_URL" default:""`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
