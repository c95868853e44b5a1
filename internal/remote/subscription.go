package remote

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
)

// Registrar makes sure both systems deliver change notifications to the
// bridge's webhook endpoints. It is run once at startup; registration is
// idempotent in effect, not in mechanism, because the scheduler API offers
// no update call.
type Registrar struct {
	scheduler *SchedulerClient
	crm       *CRMClient
	logger    *log.Logger

	schedulerCallbackURL string
	crmCallbackURL       string
}

func NewRegistrar(scheduler *SchedulerClient, crm *CRMClient, schedulerCallbackURL, crmCallbackURL string, logger *log.Logger) *Registrar {
	if logger == nil {
		logger = log.Default()
	}
	return &Registrar{
		scheduler:            scheduler,
		crm:                  crm,
		logger:               logger,
		schedulerCallbackURL: schedulerCallbackURL,
		crmCallbackURL:       crmCallbackURL,
	}
}

// EnsureAll registers webhook subscriptions on both sides. Empty callback
// URLs skip that side, which keeps local development without a public
// endpoint working.
func (r *Registrar) EnsureAll(ctx context.Context) error {
	if r.schedulerCallbackURL != "" {
		if err := r.ensureSchedulerSubscription(ctx); err != nil {
			return fmt.Errorf("scheduler subscription: %w", err)
		}
	}
	if r.crmCallbackURL != "" {
		if err := r.ensureCRMSubscriptions(ctx); err != nil {
			return fmt.Errorf("crm subscriptions: %w", err)
		}
	}
	return nil
}

type schedulerSubscription struct {
	ID    string `json:"id"`
	Scope string `json:"scope"`
	URL   string `json:"url"`
}

// ensureSchedulerSubscription deletes any existing customer-scope
// subscription and recreates it. Delete-then-create is the only reliable
// path: the API rejects duplicate scopes and cannot change a URL in place.
func (r *Registrar) ensureSchedulerSubscription(ctx context.Context) error {
	resp, err := r.scheduler.core.doJSON(ctx, http.MethodGet, "/api/v2/subscription/", nil, nil)
	if err != nil {
		return err
	}
	var listed struct {
		Results []schedulerSubscription `json:"results"`
	}
	if err := decodeJSON(resp.body, &listed); err != nil {
		return err
	}
	for _, sub := range listed.Results {
		if sub.Scope != "customer" {
			continue
		}
		if _, err := r.scheduler.core.doJSON(ctx, http.MethodDelete, "/api/v2/subscription/"+url.PathEscape(sub.ID)+"/", nil, nil); err != nil {
			return err
		}
		r.logger.Printf("removed stale scheduler subscription %s (%s)", sub.ID, sub.URL)
	}
	_, err = r.scheduler.core.doJSON(ctx, http.MethodPost, "/api/v2/subscription/", nil, map[string]any{
		"scope": "customer",
		"url":   r.schedulerCallbackURL,
	})
	if err != nil {
		return err
	}
	r.logger.Printf("scheduler customer subscription registered at %s", r.schedulerCallbackURL)
	return nil
}

// crmEventTypes are the contact lifecycle events the bridge subscribes to.
var crmEventTypes = []string{"contact.creation", "contact.propertyChange", "contact.deletion"}

func (r *Registrar) ensureCRMSubscriptions(ctx context.Context) error {
	resp, err := r.crm.core.doJSON(ctx, http.MethodGet, "/webhooks/v3/subscriptions", nil, nil)
	if err != nil {
		return err
	}
	var listed struct {
		Results []struct {
			EventType string `json:"eventType"`
			Active    bool   `json:"active"`
		} `json:"results"`
	}
	if err := decodeJSON(resp.body, &listed); err != nil {
		return err
	}
	existing := map[string]bool{}
	for _, sub := range listed.Results {
		if sub.Active {
			existing[sub.EventType] = true
		}
	}
	for _, eventType := range crmEventTypes {
		if existing[eventType] {
			continue
		}
		_, err := r.crm.core.doJSON(ctx, http.MethodPost, "/webhooks/v3/subscriptions", nil, map[string]any{
			"eventType": eventType,
			"active":    true,
			"url":       r.crmCallbackURL,
		})
		if err != nil {
			return err
		}
		r.logger.Printf("crm subscription %s registered at %s", eventType, r.crmCallbackURL)
	}
	return nil
}
