package memstore

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"dealflow/auth"
	"dealflow/condition"
	"dealflow/contact"
	"dealflow/domainerr"
	"dealflow/workflow"
)

type Workflows struct {
	s *Store
}

var _ workflow.Store = (*Workflows)(nil)

func (r *Workflows) GetDefinition(_ context.Context, id string) (workflow.Definition, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	def, ok := r.s.definitions[id]
	if !ok {
		return workflow.Definition{}, domainerr.NotFound("workflow.get", "workflow definition")
	}
	return def, nil
}

func (r *Workflows) ListDefinitions(context.Context) ([]workflow.Definition, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]workflow.Definition, 0, len(r.s.definitions))
	for _, def := range r.s.definitions {
		out = append(out, def)
	}
	return sortedBy(out, func(a, b workflow.Definition) bool { return a.CreatedAt.After(b.CreatedAt) }), nil
}

func (r *Workflows) InsertDefinition(_ context.Context, def workflow.Definition) (workflow.Definition, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if _, ok := r.s.definitions[def.ID]; ok {
		return workflow.Definition{}, domainerr.New("workflow.import", domainerr.CodeConflict, "workflow definition already exists")
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = r.s.now()
	}
	r.s.definitions[def.ID] = def
	return def, nil
}

type Templates struct {
	s *Store
}

var _ condition.TemplateStore = (*Templates)(nil)

func (r *Templates) ListTemplates(context.Context) ([]condition.Template, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return append([]condition.Template(nil), r.s.templates...), nil
}

func (r *Templates) InsertTemplates(_ context.Context, templates []condition.Template) ([]condition.Template, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	seen := make(map[string]bool, len(r.s.templates)+len(templates))
	for _, existing := range r.s.templates {
		seen[existing.ID] = true
	}
	out := make([]condition.Template, 0, len(templates))
	for _, t := range templates {
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		if seen[t.ID] {
			return nil, domainerr.New("condition.template", domainerr.CodeConflict, "template already exists")
		}
		seen[t.ID] = true
		if t.CreatedAt.IsZero() {
			t.CreatedAt = r.s.now()
		}
		out = append(out, t)
	}
	r.s.templates = append(r.s.templates, out...)
	return append([]condition.Template(nil), out...), nil
}

type Contacts struct {
	s *Store
}

var _ contact.Store = (*Contacts)(nil)

func (r *Contacts) Insert(_ context.Context, c contact.Contact) (contact.Contact, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.data.transactions[c.TransactionID]; !ok {
		return contact.Contact{}, domainerr.NotFound("contact.add", "transaction")
	}
	c.ID = uuid.NewString()
	c.CreatedAt = r.s.now()
	r.s.contacts = append(r.s.contacts, c)
	return c, nil
}

func (r *Contacts) ListByTransaction(_ context.Context, transactionID string) ([]contact.Contact, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []contact.Contact
	for _, c := range r.s.contacts {
		if c.TransactionID == transactionID {
			out = append(out, c)
		}
	}
	return out, nil
}

type Users struct {
	s *Store
}

var _ auth.Repository = (*Users)(nil)

func (r *Users) CreateUser(_ context.Context, p auth.CreateUserParams) (auth.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	email := strings.ToLower(p.Email)
	for _, u := range r.s.users {
		if u.Email == email {
			return auth.User{}, auth.ErrDuplicateEmail
		}
	}
	now := r.s.now()
	u := auth.User{
		ID:           uuid.NewString(),
		Email:        email,
		FullName:     p.FullName,
		PasswordHash: p.PasswordHash,
		Role:         p.Role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	r.s.users = append(r.s.users, u)
	return u, nil
}

func (r *Users) GetUserByEmail(_ context.Context, email string) (auth.User, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	email = strings.ToLower(email)
	for _, u := range r.s.users {
		if u.Email == email {
			return u, nil
		}
	}
	return auth.User{}, auth.ErrUserNotFound
}

func (r *Users) GetUserByID(_ context.Context, userID string) (auth.User, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for _, u := range r.s.users {
		if u.ID == userID {
			return u, nil
		}
	}
	return auth.User{}, auth.ErrUserNotFound
}
