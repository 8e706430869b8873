package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"dealflow/cache"
	"dealflow/domainerr"
	"dealflow/logging"
)

// Provider serves definitions to the engine through a TTL cache and guards
// imports with the document validator.
type Provider struct {
	store     Store
	cache     *cache.TTL[Definition]
	validator *Validator
	logger    *slog.Logger
}

func NewProvider(store Store, validator *Validator, ttl time.Duration) *Provider {
	p := &Provider{
		store:     store,
		validator: validator,
		logger:    logging.WithModule("workflow"),
	}
	p.cache = cache.NewTTL[Definition](ttl, store.GetDefinition)
	return p
}

// Cache exposes the definition cache so callers can invalidate or inspect it.
func (p *Provider) Cache() *cache.TTL[Definition] {
	return p.cache
}

func (p *Provider) Get(ctx context.Context, id string) (Definition, error) {
	if strings.TrimSpace(id) == "" {
		return Definition{}, domainerr.Validation("workflow.get", "definition id is required")
	}
	return p.cache.Get(ctx, id)
}

func (p *Provider) List(ctx context.Context) ([]Definition, error) {
	return p.store.ListDefinitions(ctx)
}

// Import validates def, fills in missing identifiers and stores it.
func (p *Provider) Import(ctx context.Context, def Definition) (Definition, error) {
	if p.validator != nil {
		if err := p.validator.ValidateDefinition(def); err != nil {
			return Definition{}, err
		}
	}

	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	sort.Slice(def.Steps, func(i, j int) bool { return def.Steps[i].Order < def.Steps[j].Order })
	for i := range def.Steps {
		if def.Steps[i].ID == "" {
			def.Steps[i].ID = uuid.NewString()
		}
		for j := range def.Steps[i].Automations {
			if def.Steps[i].Automations[j].ID == "" {
				def.Steps[i].Automations[j].ID = fmt.Sprintf("%s-%d", def.Steps[i].Key, j+1)
			}
		}
	}

	stored, err := p.store.InsertDefinition(ctx, def)
	if err != nil {
		return Definition{}, err
	}
	p.cache.Invalidate(stored.ID)

	p.logger.InfoContext(ctx, "workflow definition imported", "definition_id", stored.ID, "steps", len(stored.Steps))
	return stored, nil
}
