package connectors

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	PhemexBaseURL  string `envconfig:"PHEMEX_BASE_URL" default:"https://testnet-api.phemex.com"`
	BinanceBaseURL string `envconfig:"BINANCE_BASE_URL" default:"https://api.binance.com"`
	KucoinBaseURL  string `envconfig:"KUCOIN_BASE_URL" default:"https://api-futures.kucoin.com"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
