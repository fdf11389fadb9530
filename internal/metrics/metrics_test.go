package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(EnrollmentVerifications.WithLabelValues("nonce_mismatch"))
	EnrollmentVerifications.WithLabelValues("nonce_mismatch").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(EnrollmentVerifications.WithLabelValues("nonce_mismatch")))

	before = testutil.ToFloat64(SweeperRows.WithLabelValues("pending_users"))
	SweeperRows.WithLabelValues("pending_users").Add(3)
	assert.Equal(t, before+3, testutil.ToFloat64(SweeperRows.WithLabelValues("pending_users")))
}
