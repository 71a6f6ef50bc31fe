package carrier

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllowlist(t *testing.T) {
	require.True(t, Allowlist(nil, "anything"))
	require.True(t, Allowlist([]string{"USPS", "dhl"}, " usps "))
	require.False(t, Allowlist([]string{"usps"}, "fedex"))
}
