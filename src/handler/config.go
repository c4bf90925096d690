package handler

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	RatePerMinute int   `envconfig:"WEBHOOK_RATE_PER_MINUTE" default:"60"`
	RateBurst     int   `envconfig:"WEBHOOK_RATE_BURST" default:"10"`
	MaxBodyBytes  int64 `envconfig:"WEBHOOK_MAX_BODY_BYTES" default:"1048576"`
}

func GetConfig() *Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return &config
}
