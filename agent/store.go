package agent

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// ═══════════════════════════════════════════════════════════════════════════════
// AGENT STORE - YAML-backed active-agent set with interval refresh
// ═══════════════════════════════════════════════════════════════════════════════
//
// The store is the read-only snapshot source for agent configuration. The file
// is re-read on an explicit interval; in-flight executions keep the config
// they were started with.
//
// ═══════════════════════════════════════════════════════════════════════════════

type storeFile struct {
	Agents []Config `yaml:"agents"`
}

// Store holds the active-agent set loaded from a YAML file
type Store struct {
	mu   sync.RWMutex
	path string

	agents   map[string]Config   // agent id -> config
	byWallet map[string][]string // lowercased target wallet -> agent ids

	stopCh chan struct{}
	once   sync.Once
}

// NewStore loads the agent file and returns a store. The file must parse and
// every enabled agent must validate; a broken file at startup is fatal.
func NewStore(path string) (*Store, error) {
	s := &Store{
		path:   path,
		stopCh: make(chan struct{}),
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// reload re-reads the agent file and swaps the snapshot on success
func (s *Store) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read agent file: %w", err)
	}

	var f storeFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse agent file: %w", err)
	}

	agents := make(map[string]Config, len(f.Agents))
	byWallet := make(map[string][]string)
	for _, cfg := range f.Agents {
		if cfg.Disabled {
			continue
		}
		if err := cfg.ApplyPreset(); err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if _, dup := agents[cfg.ID]; dup {
			return fmt.Errorf("duplicate agent id %q", cfg.ID)
		}
		agents[cfg.ID] = cfg
		wallet := strings.ToLower(cfg.TargetWallet)
		byWallet[wallet] = append(byWallet[wallet], cfg.ID)
	}

	s.mu.Lock()
	s.agents = agents
	s.byWallet = byWallet
	s.mu.Unlock()

	log.Info().
		Int("agents", len(agents)).
		Str("path", s.path).
		Msg("👥 Agent set loaded")

	return nil
}

// StartRefresh re-reads the file on the given interval until Stop is called.
// A failed refresh keeps the previous snapshot.
func (s *Store) StartRefresh(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				if err := s.reload(); err != nil {
					log.Warn().Err(err).Msg("⚠️ Agent refresh failed, keeping previous set")
				}
			}
		}
	}()
}

// Stop halts the refresh loop
func (s *Store) Stop() {
	s.once.Do(func() { close(s.stopCh) })
}

// Get returns the config for an agent id
func (s *Store) Get(id string) (Config, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.agents[id]
	return cfg, ok
}

// FollowersOf returns the configs of every agent mirroring the given wallet
func (s *Store) FollowersOf(wallet string) []Config {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byWallet[strings.ToLower(wallet)]
	if len(ids) == 0 {
		return nil
	}
	out := make([]Config, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.agents[id])
	}
	return out
}

// Wallets returns the distinct target wallets of the active-agent set
func (s *Store) Wallets() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.byWallet))
	for w := range s.byWallet {
		out = append(out, w)
	}
	return out
}

// All returns a copy of the active-agent set
func (s *Store) All() []Config {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Config, 0, len(s.agents))
	for _, cfg := range s.agents {
		out = append(out, cfg)
	}
	return out
}
