package storetest

import (
	"testing"

	"github.com/pscheid92/votetally/internal/domain"
)

func TestMemoryStore_Contract(t *testing.T) {
	Run(t, func(*testing.T) domain.Store { return NewMemoryStore() })
}
