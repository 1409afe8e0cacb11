package gateway

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/freelancesl/escrow-pay/config"
	"github.com/freelancesl/escrow-pay/payments"
	"github.com/sirupsen/logrus"
)

// Registry resolves a provider id to its gateway. It is built once at startup
// and read-only afterwards.
type Registry struct {
	gateways map[string]payments.Gateway
}

// NewRegistry builds one gateway per configured provider.
func NewRegistry(cfg *config.Config, log logrus.FieldLogger) (*Registry, error) {
	r := &Registry{gateways: make(map[string]payments.Gateway)}
	callbackURL := strings.TrimRight(cfg.PublicURL, "/") + "/api/v1/payments/callback"
	client := &http.Client{Timeout: cfg.InitiateTimeout + cfg.ReleaseTimeout}

	for id, creds := range cfg.Providers {
		switch creds.Kind {
		case config.ProviderKindMock:
			r.gateways[id] = NewMock(id, cfg.MockDelay)
		case config.ProviderKindMobileMoney:
			r.gateways[id] = NewMobileMoney(creds, callbackURL, client)
		case config.ProviderKindStellar:
			r.gateways[id] = NewStellar(id, cfg.Stellar, nil)
		default:
			return nil, fmt.Errorf("provider %q: unknown kind %q", id, creds.Kind)
		}
		log.WithFields(logrus.Fields{"provider": id, "kind": creds.Kind}).Info("payment provider registered")
	}

	if _, ok := r.gateways[cfg.DefaultProvider]; !ok {
		return nil, fmt.Errorf("%w: default provider %q", payments.ErrUnknownProvider, cfg.DefaultProvider)
	}
	return r, nil
}

// Register adds or replaces a gateway.
func (r *Registry) Register(gw payments.Gateway) {
	if r.gateways == nil {
		r.gateways = make(map[string]payments.Gateway)
	}
	r.gateways[gw.Name()] = gw
}

func (r *Registry) Lookup(provider string) (payments.Gateway, error) {
	gw, ok := r.gateways[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", payments.ErrUnknownProvider, provider)
	}
	return gw, nil
}
