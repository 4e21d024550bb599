package middleware

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAccessOptionsAllowed(t *testing.T) {
	open := AccessOptions{}
	assert.True(t, open.Allowed(7), "no restrictions admits everyone")

	adminOnly := AccessOptions{AdminID: 1}
	assert.True(t, adminOnly.Allowed(1))
	assert.False(t, adminOnly.Allowed(2), "admin id without allow-list locks the bot down")

	listed := AccessOptions{AdminID: 1, AllowedIDs: []int64{2, 3}}
	assert.True(t, listed.Allowed(1), "admin is always admitted")
	assert.True(t, listed.Allowed(2))
	assert.True(t, listed.Allowed(3))
	assert.False(t, listed.Allowed(4))

	listOnly := AccessOptions{AllowedIDs: []int64{5}}
	assert.True(t, listOnly.Allowed(5))
	assert.False(t, listOnly.Allowed(6))
}
