package domain

// WorkerMode selects where the worker process runs
type WorkerMode string

const (
	WorkerLocal  WorkerMode = "local"
	WorkerDocker WorkerMode = "docker"
)

// Valid reports whether m is a known mode
func (m WorkerMode) Valid() bool {
	return m == WorkerLocal || m == WorkerDocker
}

// Settings is the mutable operational configuration. Credential fields
// hold raw secrets and must not leave the process unmasked.
type Settings struct {
	WorkerMode      WorkerMode
	AnthropicAPIKey string
	GitHubToken     string
}

// Credentials are handed to a worker at start
type Credentials struct {
	AnthropicAPIKey string
	GitHubToken     string
}
