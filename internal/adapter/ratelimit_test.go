package adapter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"acms/internal/config"
	"acms/internal/types"
)

func testLimitConfig() config.RateLimitConfig {
	cfg := config.DefaultConfig().RateLimits
	cfg.IngestPerMinute = 2
	cfg.QueriesPerMinute = 2
	cfg.ExportsPerDay = 1
	return cfg
}

func TestAllowWithinBurst(t *testing.T) {
	r := newRateLimiter(testLimitConfig())

	require.NoError(t, r.allow("u1", opIngest))
	require.NoError(t, r.allow("u1", opIngest))

	err := r.allow("u1", opIngest)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrRateLimited)

	var limited *RateLimitedError
	require.ErrorAs(t, err, &limited)
	assert.Greater(t, limited.RetryAfter, time.Duration(0))
}

func TestAllowPerUserIsolation(t *testing.T) {
	r := newRateLimiter(testLimitConfig())

	require.NoError(t, r.allow("u1", opExport))
	require.Error(t, r.allow("u1", opExport))

	// A different user has an untouched bucket.
	assert.NoError(t, r.allow("u2", opExport))
}

func TestAllowPerOperationIsolation(t *testing.T) {
	r := newRateLimiter(testLimitConfig())

	require.NoError(t, r.allow("u1", opIngest))
	require.NoError(t, r.allow("u1", opIngest))
	require.Error(t, r.allow("u1", opIngest))

	// Exhausting ingest leaves the query bucket untouched.
	assert.NoError(t, r.allow("u1", opQuery))
}
