package version

import (
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProtocolIsSemver(t *testing.T) {
	v, err := semver.NewVersion(Protocol)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v.Major())
}

func TestInfoString(t *testing.T) {
	info := Info{CommitHash: "0123456789abcdef", BuildTime: "today", Version: "v1.2.3", Protocol: Protocol}
	assert.Equal(t, "0123456", info.Short())
	assert.Equal(t, "certifier v1.2.3 (protocol 1.0.0, commit 0123456, built today)", info.String())

	assert.Equal(t, "dev", Info{CommitHash: "dev"}.Short())
}
