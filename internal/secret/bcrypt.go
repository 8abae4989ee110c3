package secret

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Bcrypt hashes room secrets with bcrypt. The zero value uses bcrypt.DefaultCost.
type Bcrypt struct {
	Cost int
}

func NewBcrypt(cost int) *Bcrypt {
	return &Bcrypt{Cost: cost}
}

// Hash returns a one-way hash of plain.
func (b *Bcrypt) Hash(plain string) (string, error) {
	cost := b.Cost
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}

	h, err := bcrypt.GenerateFromPassword([]byte(plain), cost)
	if err != nil {
		return "", fmt.Errorf("secret: hash: %w", err)
	}
	return string(h), nil
}

// Verify reports whether plain hashes to hash.
func (b *Bcrypt) Verify(hash, plain string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}
