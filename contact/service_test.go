package contact

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealflow/domainerr"
)

type fakeStore struct {
	contacts []Contact
}

func (f *fakeStore) Insert(_ context.Context, c Contact) (Contact, error) {
	c.ID = fmt.Sprintf("contact-%d", len(f.contacts)+1)
	c.CreatedAt = time.Now()
	f.contacts = append(f.contacts, c)
	return c, nil
}

func (f *fakeStore) ListByTransaction(_ context.Context, transactionID string) ([]Contact, error) {
	var out []Contact
	for _, c := range f.contacts {
		if c.TransactionID == transactionID {
			out = append(out, c)
		}
	}
	return out, nil
}

func TestServiceAddDefaultsAndValidation(t *testing.T) {
	svc := NewService(&fakeStore{})
	ctx := context.Background()

	c, err := svc.Add(ctx, AddRequest{TransactionID: "tx", Role: RoleBuyer, FullName: " Marie Tremblay ", Email: "marie@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "Marie Tremblay", c.FullName)
	assert.Equal(t, "fr", c.Language)
	require.NotNil(t, c.Email)

	noEmail, err := svc.Add(ctx, AddRequest{TransactionID: "tx", Role: RoleNotary, FullName: "Me Roy", Language: "EN"})
	require.NoError(t, err)
	assert.Nil(t, noEmail.Email)
	assert.Equal(t, "en", noEmail.Language)

	_, err = svc.Add(ctx, AddRequest{TransactionID: "tx", Role: "mayor", FullName: "x"})
	assert.Equal(t, domainerr.CodeValidationFailed, domainerr.CodeOf(err))

	_, err = svc.Add(ctx, AddRequest{TransactionID: "tx", Role: RoleSeller, FullName: "x", Language: "de"})
	assert.Equal(t, domainerr.CodeValidationFailed, domainerr.CodeOf(err))
}

func TestServicePrimaryContact(t *testing.T) {
	svc := NewService(&fakeStore{})
	ctx := context.Background()

	_, err := svc.Add(ctx, AddRequest{TransactionID: "tx", Role: RoleBuyer, FullName: "First Buyer"})
	require.NoError(t, err)
	_, err = svc.Add(ctx, AddRequest{TransactionID: "tx", Role: RoleBuyer, FullName: "Second Buyer"})
	require.NoError(t, err)

	c, err := svc.PrimaryContact(ctx, "tx", RoleBuyer)
	require.NoError(t, err)
	assert.Equal(t, "First Buyer", c.FullName)

	_, err = svc.PrimaryContact(ctx, "tx", RoleLender)
	assert.ErrorIs(t, err, domainerr.ErrNotFound)

	list, err := svc.List(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, list)
}
