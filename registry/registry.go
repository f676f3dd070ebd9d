// Package registry manages the catalog of pay-per-call services: onboarding
// with schema validation, proxy URL assignment, and cached discovery.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/xeipuuv/gojsonschema"

	facilitator "github.com/x402-upl/facilitator"
	"github.com/x402-upl/facilitator/cache"
	"github.com/x402-upl/facilitator/store"
)

const (
	discoveryTTL       = 5 * time.Minute
	discoveryKeyPrefix = "discovery:"
)

// Registration is the onboarding request for a new service.
type Registration struct {
	URL          string          `json:"url"`
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	Category     string          `json:"category"`
	OwnerWallet  string          `json:"ownerWallet"`
	PricePerCall float64         `json:"pricePerCall"`
	InputSchema  json.RawMessage `json:"inputSchema,omitempty"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
	WebhookURL   string          `json:"webhookUrl,omitempty"`
}

// Registry is the service catalog.
type Registry struct {
	store       store.ServiceStore
	cache       cache.Cache
	proxyDomain string
	log         *logrus.Logger
}

// New creates a Registry. proxyDomain is the base domain proxy URLs are
// minted under; cache may be nil to disable discovery caching.
func New(st store.ServiceStore, c cache.Cache, proxyDomain string, log *logrus.Logger) *Registry {
	if proxyDomain == "" {
		proxyDomain = "proxy.x402.dev"
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Registry{store: st, cache: c, proxyDomain: proxyDomain, log: log}
}

// Register onboards a service. The upstream URL must be unused and declared
// I/O schemas must be valid JSON Schema documents.
func (r *Registry) Register(ctx context.Context, reg Registration) (*store.Service, error) {
	if reg.URL == "" || reg.Name == "" || reg.OwnerWallet == "" {
		return nil, facilitator.NewPaymentError(facilitator.ErrCodeInvalidPayload,
			"url, name, and ownerWallet are required", nil)
	}

	if existing, err := r.store.GetServiceByURL(ctx, reg.URL); err == nil {
		return nil, facilitator.NewPaymentError(facilitator.ErrCodeDuplicateRegistration,
			"service URL already registered", map[string]interface{}{"serviceId": existing.ID})
	}

	if err := validateSchema("inputSchema", reg.InputSchema); err != nil {
		return nil, err
	}
	if err := validateSchema("outputSchema", reg.OutputSchema); err != nil {
		return nil, err
	}

	svc := &store.Service{
		URL:          reg.URL,
		ProxyURL:     r.mintProxyURL(),
		Name:         reg.Name,
		Description:  reg.Description,
		Category:     reg.Category,
		OwnerWallet:  reg.OwnerWallet,
		PricePerCall: reg.PricePerCall,
		InputSchema:  reg.InputSchema,
		OutputSchema: reg.OutputSchema,
		WebhookURL:   reg.WebhookURL,
	}
	if err := r.store.CreateService(ctx, svc); err != nil {
		return nil, err
	}

	r.invalidateDiscovery(ctx)
	r.log.WithFields(logrus.Fields{
		"serviceId": svc.ID,
		"url":       svc.URL,
		"proxyUrl":  svc.ProxyURL,
	}).Info("service registered")
	return svc, nil
}

// mintProxyURL assigns a unique subdomain under the proxy domain.
func (r *Registry) mintProxyURL() string {
	sub := strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	return fmt.Sprintf("https://%s.%s", sub, r.proxyDomain)
}

// validateSchema checks that a declared schema compiles as JSON Schema. An
// empty schema is allowed.
func validateSchema(field string, raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	if _, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw)); err != nil {
		return facilitator.NewPaymentError(facilitator.ErrCodeInvalidSchema,
			fmt.Sprintf("invalid %s", field), map[string]interface{}{"error": err.Error()})
	}
	return nil
}

// Get returns one service.
func (r *Registry) Get(ctx context.Context, serviceID string) (*store.Service, error) {
	svc, err := r.store.GetService(ctx, serviceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, facilitator.NewPaymentError(facilitator.ErrCodeServiceNotFound,
				"service not found", map[string]interface{}{"serviceId": serviceID})
		}
		return nil, err
	}
	return svc, nil
}

// Discover lists services by category, serving from cache when warm.
func (r *Registry) Discover(ctx context.Context, category string) ([]*store.Service, error) {
	key := discoveryKeyPrefix + category

	if r.cache != nil {
		if data, err := r.cache.Get(ctx, key); err == nil {
			var out []*store.Service
			if err := json.Unmarshal(data, &out); err == nil {
				return out, nil
			}
		}
	}

	services, err := r.store.FindServices(ctx, store.ServiceFilter{Category: category})
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		if data, err := json.Marshal(services); err == nil {
			if err := r.cache.Set(ctx, key, data, discoveryTTL); err != nil {
				r.log.WithError(err).Warn("failed to cache discovery results")
			}
		}
	}
	return services, nil
}

// ListByOwner lists every service registered by one wallet.
func (r *Registry) ListByOwner(ctx context.Context, ownerWallet string) ([]*store.Service, error) {
	return r.store.FindServices(ctx, store.ServiceFilter{OwnerWallet: ownerWallet})
}

// SetVerified flips the verification flag on a service.
func (r *Registry) SetVerified(ctx context.Context, serviceID string, verified bool) (*store.Service, error) {
	svc, err := r.Get(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	svc.Verified = verified
	if err := r.store.UpdateService(ctx, svc); err != nil {
		return nil, err
	}
	r.invalidateDiscovery(ctx)
	return svc, nil
}

// RecordCall folds one proxied call into the service's usage counters.
func (r *Registry) RecordCall(ctx context.Context, serviceID string, amount float64, success bool) error {
	svc, err := r.store.GetService(ctx, serviceID)
	if err != nil {
		return err
	}
	svc.TotalCalls++
	if success {
		svc.SuccessfulCalls++
		svc.TotalRevenue += amount
	}
	return r.store.UpdateService(ctx, svc)
}

func (r *Registry) invalidateDiscovery(ctx context.Context) {
	if r.cache == nil {
		return
	}
	if err := r.cache.DeleteByPattern(ctx, discoveryKeyPrefix+"*"); err != nil {
		r.log.WithError(err).Warn("failed to invalidate discovery cache")
	}
}
