package pkg

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashPassword(t *testing.T) {
	passwordHash := HashPassword("admin")
	assert.Equal(t, "8c6976e5b5410415bde908bd4dee15dfb167a9c873fc4bb8a81f6f2ab448a918", passwordHash)
	assert.True(t, CheckPasswordHash("admin", passwordHash))
	assert.False(t, CheckPasswordHash("Admin", passwordHash))
	assert.False(t, CheckPasswordHash("admin", ""))

	// same input, same digest
	assert.Equal(t, HashPassword("password"), HashPassword("password"))
	assert.True(t, CheckPasswordHash("password", "5e884898da28047151d0e56f8dc6292773603d0d6aabbdd62a11ef721d1542d8"))
	assert.Len(t, HashPassword(""), 64)
}
