package deployment

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// =============================================================================
// Naming Tests
// =============================================================================

func TestNetworkName(t *testing.T) {
	assert.Equal(t, "stacker_shop", NetworkName("shop"))
	assert.Equal(t, "stacker_", NetworkName(""))
}

func TestVolumeName(t *testing.T) {
	assert.Equal(t, "stacker_shop_pgdata", VolumeName("shop", "pgdata"))
	assert.Equal(t, "stacker_shop_postgres_data", VolumeName("shop", "postgres_data"))
}

func TestContainerName(t *testing.T) {
	assert.Equal(t, "stacker_shop_flask", ContainerName("shop", "flask"))
}

func TestImageTag(t *testing.T) {
	assert.Equal(t, "stacker_shop_react:latest", ImageTag("shop", "react"))
}

func TestNames_DistinctPerProject(t *testing.T) {
	assert.NotEqual(t, ContainerName("a", "web"), ContainerName("b", "web"))
	assert.NotEqual(t, NetworkName("a"), NetworkName("b"))
}
