package deployment

import "fmt"

// =============================================================================
// Resource Naming Functions
// =============================================================================

// NetworkName generates the network name for a project.
// Pattern: stacker_{project}
//
// Example:
//
//	NetworkName("shop") // returns "stacker_shop"
func NetworkName(project string) string {
	return fmt.Sprintf("stacker_%s", project)
}

// VolumeName generates a named volume for a project.
// Pattern: stacker_{project}_{volumeName}
func VolumeName(project, volumeName string) string {
	return fmt.Sprintf("stacker_%s_%s", project, volumeName)
}

// ContainerName generates the container name for a service.
// Pattern: stacker_{project}_{serviceName}
//
// Example:
//
//	ContainerName("shop", "flask") // returns "stacker_shop_flask"
func ContainerName(project, serviceName string) string {
	return fmt.Sprintf("stacker_%s_%s", project, serviceName)
}

// ImageTag generates the tag for an image built from source.
// Pattern: stacker_{project}_{serviceName}:latest
func ImageTag(project, serviceName string) string {
	return fmt.Sprintf("stacker_%s_%s:latest", project, serviceName)
}
