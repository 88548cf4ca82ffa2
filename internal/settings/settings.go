// Package settings holds the process-wide operational settings: the worker
// mode and the credentials handed to workers.
package settings

import (
	"fmt"
	"sync"

	"github.com/hochfrequenz/uiqa-orchestrator/internal/domain"
)

const (
	keyWorkerMode      = "worker_mode"
	keyAnthropicAPIKey = "anthropic_api_key"
	keyGitHubToken     = "github_token"
)

// Persister stores settings as key/value pairs
type Persister interface {
	LoadSettings() (map[string]string, error)
	SaveSettings(values map[string]string) error
}

// View is the read model of the settings. Credentials are masked.
type View struct {
	WorkerMode      domain.WorkerMode `json:"worker_mode"`
	AnthropicAPIKey *string           `json:"anthropic_api_key"`
	GitHubToken     *string           `json:"github_token"`
}

// Update is a partial settings change. Nil fields are left untouched; an
// empty credential string clears the credential.
type Update struct {
	WorkerMode      *domain.WorkerMode `json:"worker_mode,omitempty"`
	AnthropicAPIKey *string            `json:"anthropic_api_key,omitempty"`
	GitHubToken     *string            `json:"github_token,omitempty"`
}

// Store owns the settings. Reads are safe from any goroutine.
type Store struct {
	mu      sync.RWMutex
	persist Persister
	current domain.Settings
}

// New loads persisted settings on top of defaults
func New(persist Persister, defaults domain.Settings) (*Store, error) {
	if defaults.WorkerMode == "" {
		defaults.WorkerMode = domain.WorkerLocal
	}
	values, err := persist.LoadSettings()
	if err != nil {
		return nil, fmt.Errorf("loading settings: %w", err)
	}

	current := defaults
	if v, ok := values[keyWorkerMode]; ok && domain.WorkerMode(v).Valid() {
		current.WorkerMode = domain.WorkerMode(v)
	}
	if v, ok := values[keyAnthropicAPIKey]; ok {
		current.AnthropicAPIKey = v
	}
	if v, ok := values[keyGitHubToken]; ok {
		current.GitHubToken = v
	}

	return &Store{persist: persist, current: current}, nil
}

// Get returns the masked settings
func (s *Store) Get() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return view(s.current)
}

// Effective returns the raw settings, including credentials. Only the worker
// supervisor should need this.
func (s *Store) Effective() domain.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Update merges u into the settings and persists the changed keys. A mode
// change only applies to the next worker start.
func (s *Store) Update(u Update) (View, error) {
	if u.WorkerMode != nil && !u.WorkerMode.Valid() {
		return View{}, fmt.Errorf("invalid worker mode %q: must be local or docker", *u.WorkerMode)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current
	changed := make(map[string]string)
	if u.WorkerMode != nil {
		next.WorkerMode = *u.WorkerMode
		changed[keyWorkerMode] = string(next.WorkerMode)
	}
	if u.AnthropicAPIKey != nil {
		next.AnthropicAPIKey = *u.AnthropicAPIKey
		changed[keyAnthropicAPIKey] = next.AnthropicAPIKey
	}
	if u.GitHubToken != nil {
		next.GitHubToken = *u.GitHubToken
		changed[keyGitHubToken] = next.GitHubToken
	}

	if len(changed) > 0 {
		if err := s.persist.SaveSettings(changed); err != nil {
			return View{}, fmt.Errorf("saving settings: %w", err)
		}
	}
	s.current = next
	return view(next), nil
}

func view(st domain.Settings) View {
	return View{
		WorkerMode:      st.WorkerMode,
		AnthropicAPIKey: Mask(st.AnthropicAPIKey),
		GitHubToken:     Mask(st.GitHubToken),
	}
}

// hiddenMin is the number of hidden characters a partially masked secret must exceed
const hiddenMin = 4

// Mask redacts a secret for display: nil when unset, "***" unless more than
// hiddenMin characters stay hidden, otherwise the first 8 and last 4.
func Mask(secret string) *string {
	if secret == "" {
		return nil
	}
	masked := "***"
	if len(secret) > 8+4+hiddenMin {
		masked = secret[:8] + "..." + secret[len(secret)-4:]
	}
	return &masked
}
