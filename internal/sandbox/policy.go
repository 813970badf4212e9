package sandbox

import "fmt"

// DockerPolicy constrains the container isolation unit.
type DockerPolicy struct {
	Image   string   // image holding the streamcoder binary
	Binary  string   // path of the binary inside the image
	Network bool     // whether the container gets a network
	CPUs    string   // docker --cpus value, empty for no limit
	Images  []string // images the host permits
}

// DefaultDockerPolicy returns safe defaults for the container executor.
func DefaultDockerPolicy() DockerPolicy {
	return DockerPolicy{
		Image:   "streamcoder:latest",
		Binary:  "/usr/local/bin/streamcoder",
		Network: false,
		CPUs:    "1",
		Images:  []string{"streamcoder:latest"},
	}
}

// IsImageAllowed checks if an image is on the allowlist.
func (p DockerPolicy) IsImageAllowed(image string) bool {
	for _, allowed := range p.Images {
		if allowed == image {
			return true
		}
	}
	return false
}

// Validate reports a policy that could never start a container.
func (p DockerPolicy) Validate() error {
	if p.Image == "" || p.Binary == "" {
		return fmt.Errorf("docker isolation needs an image and a binary path")
	}
	if !p.IsImageAllowed(p.Image) {
		return fmt.Errorf("image %q not in allowlist", p.Image)
	}
	return nil
}
