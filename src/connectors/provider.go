package connectors

import (
	"fmt"
	"sync"

	"signalrelay/src/model"
	"signalrelay/src/security"
)

// Provider hands out a connector for a subscriber account.
type Provider interface {
	ConnectorForAccount(account model.Account) (ExchangeConnector, error)
}

// CredentialProvider builds connectors from the account's encrypted API
// credentials and caches them per account id.
type CredentialProvider struct {
	config Config

	mu    sync.Mutex
	cache map[uint]ExchangeConnector
}

func NewCredentialProvider() *CredentialProvider {
	return &CredentialProvider{
		config: GetConfig(),
		cache:  make(map[uint]ExchangeConnector),
	}
}

func (p *CredentialProvider) ConnectorForAccount(account model.Account) (ExchangeConnector, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.cache[account.ID]; ok {
		return conn, nil
	}

	apiKey, err := security.DecryptString(account.APIKeyEnc)
	if err != nil {
		return nil, fmt.Errorf("decrypt api key for account %d: %w", account.ID, err)
	}
	apiSecret, err := security.DecryptString(account.APISecretEnc)
	if err != nil {
		return nil, fmt.Errorf("decrypt api secret for account %d: %w", account.ID, err)
	}

	var conn ExchangeConnector
	switch account.Exchange {
	case "phemex":
		conn = NewPhemexConnector(apiKey, apiSecret, p.config.PhemexBaseURL)
	case "binance":
		conn = NewBinanceConnector(apiKey, apiSecret, p.config.BinanceBaseURL)
	case "kucoin":
		if account.PassphraseEnc == "" {
			return nil, fmt.Errorf("account %d: kucoin requires an api passphrase", account.ID)
		}
		passphrase, err := security.DecryptString(account.PassphraseEnc)
		if err != nil {
			return nil, fmt.Errorf("decrypt api passphrase for account %d: %w", account.ID, err)
		}
		conn = NewKucoinConnector(apiKey, apiSecret, passphrase, p.config.KucoinBaseURL)
	default:
		return nil, fmt.Errorf("no connector for exchange %q", account.Exchange)
	}

	p.cache[account.ID] = conn
	return conn, nil
}

// StaticProvider maps account ids straight to connectors, for tests and tools.
type StaticProvider map[uint]ExchangeConnector

func (p StaticProvider) ConnectorForAccount(account model.Account) (ExchangeConnector, error) {
	conn, ok := p[account.ID]
	if !ok {
		return nil, fmt.Errorf("connector for account %d not found", account.ID)
	}
	return conn, nil
}
