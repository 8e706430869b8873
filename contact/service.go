package contact

import (
	"context"
	"fmt"
	"strings"

	"dealflow/domainerr"
)

// Store abstracts repository operations for the service.
type Store interface {
	Insert(ctx context.Context, c Contact) (Contact, error)
	ListByTransaction(ctx context.Context, transactionID string) ([]Contact, error)
}

// Service exposes business-level contact operations.
type Service struct {
	repo Store
}

// NewService builds a Service using the provided repository.
func NewService(repo Store) *Service {
	return &Service{repo: repo}
}

func (s *Service) Add(ctx context.Context, req AddRequest) (Contact, error) {
	const op = "contact.add"
	if !req.Role.Valid() {
		return Contact{}, domainerr.Validation(op, fmt.Sprintf("unknown contact role %q", req.Role))
	}
	name := strings.TrimSpace(req.FullName)
	if name == "" {
		return Contact{}, domainerr.Validation(op, "full_name is required")
	}
	lang := strings.ToLower(strings.TrimSpace(req.Language))
	switch lang {
	case "":
		lang = "fr"
	case "fr", "en":
	default:
		return Contact{}, domainerr.Validation(op, fmt.Sprintf("unsupported language %q", req.Language))
	}

	c := Contact{
		TransactionID: req.TransactionID,
		Role:          req.Role,
		FullName:      name,
		Language:      lang,
	}
	if email := strings.TrimSpace(req.Email); email != "" {
		c.Email = &email
	}
	return s.repo.Insert(ctx, c)
}

func (s *Service) List(ctx context.Context, transactionID string) ([]Contact, error) {
	return s.repo.ListByTransaction(ctx, transactionID)
}

// PrimaryContact returns the first contact with role on the transaction.
func (s *Service) PrimaryContact(ctx context.Context, transactionID string, role Role) (Contact, error) {
	contacts, err := s.repo.ListByTransaction(ctx, transactionID)
	if err != nil {
		return Contact{}, err
	}
	for _, c := range contacts {
		if c.Role == role {
			return c, nil
		}
	}
	return Contact{}, domainerr.NotFound("contact.primary", fmt.Sprintf("%s contact", role))
}
