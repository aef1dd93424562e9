package store

import "github.com/google/uuid"

type uuidProvider struct{}

// NewUUIDProvider constructs a KeyProvider that issues UUIDv7 idempotency keys.
func NewUUIDProvider() KeyProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewKey() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
