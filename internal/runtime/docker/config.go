package docker

// Config describes how to reach the Docker engine and harden sandboxes.
type Config struct {
	// Host overrides DOCKER_HOST when set.
	Host string
	// TmpfsSize sizes the writable /tmp mount of every sandbox, e.g. "16m".
	TmpfsSize string
	// DefaultNanoCPUs applies when a run does not set a CPU quota.
	DefaultNanoCPUs int64
}

const (
	defaultTmpfsSize = "16m"
	defaultNanoCPUs  = 1_000_000_000
)

func (c Config) withDefaults() Config {
	if c.TmpfsSize == "" {
		c.TmpfsSize = defaultTmpfsSize
	}
	if c.DefaultNanoCPUs <= 0 {
		c.DefaultNanoCPUs = defaultNanoCPUs
	}
	return c
}
