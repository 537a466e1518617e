package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfigOptions(t *testing.T) {
	opts := Config{
		Host:        "cache.internal",
		Port:        "6380",
		DB:          2,
		PoolSize:    20,
		MinIdleConn: 3,
		DialTimeout: 5 * time.Second,
		ReadTimeout: 2 * time.Second,
	}.Options()

	assert.Equal(t, "cache.internal:6380", opts.Addr)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, 20, opts.PoolSize)
	assert.Equal(t, 3, opts.MinIdleConns)
	assert.Equal(t, 2*time.Second, opts.WriteTimeout)
	assert.Equal(t, 3*time.Second, opts.PoolTimeout)
}

func TestCloseNil(t *testing.T) {
	assert.NoError(t, Close(nil))
}
