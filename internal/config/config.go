package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"quorumledger/internal/domain"
	"quorumledger/internal/quorum"
)

const FileName = "quorumledger.yml"

// Config models quorumledger.yml.
type Config struct {
	Token struct {
		Name        string `yaml:"name"`
		Symbol      string `yaml:"symbol"`
		Decimals    uint8  `yaml:"decimals"`
		TotalSupply uint64 `yaml:"total_supply"`
	} `yaml:"token"`
	Addresses struct {
		TaskManager string `yaml:"task_manager"`
		Ledger      string `yaml:"ledger"`
	} `yaml:"addresses"`
	Committee Committee       `yaml:"committee"`
	Quorum    QuorumConfig    `yaml:"quorum"`
	Webhooks  []WebhookConfig `yaml:"webhooks"`
}

// Committee is the initial role membership applied by `ql init`.
type Committee struct {
	Admins     []string `yaml:"admins"`
	Creators   []string `yaml:"creators"`
	Approvers  []string `yaml:"approvers"`
	Executors  []string `yaml:"executors"`
	Finalizers []string `yaml:"finalizers"`
}

type QuorumConfig struct {
	Policy      string `yaml:"policy"`
	Numerator   int    `yaml:"numerator,omitempty"`
	Denominator int    `yaml:"denominator,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run ql init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Validate checks the config and normalizes every address to lower case.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Token.Name) == "" {
		return fmt.Errorf("config.token.name is required")
	}
	if strings.TrimSpace(c.Token.Symbol) == "" {
		return fmt.Errorf("config.token.symbol is required")
	}
	if c.Token.TotalSupply == 0 || c.Token.TotalSupply > 1<<63-1 {
		return fmt.Errorf("config.token.total_supply must be between 1 and 2^63-1")
	}
	tm, err := nonZero("config.addresses.task_manager", c.Addresses.TaskManager)
	if err != nil {
		return err
	}
	led, err := nonZero("config.addresses.ledger", c.Addresses.Ledger)
	if err != nil {
		return err
	}
	if tm == led {
		return fmt.Errorf("config.addresses: task manager and ledger must differ")
	}
	c.Addresses.TaskManager, c.Addresses.Ledger = tm.String(), led.String()
	if len(c.Committee.Admins) == 0 {
		return fmt.Errorf("config.committee.admins needs at least one address")
	}
	for _, list := range []struct {
		name string
		vals []string
	}{
		{"admins", c.Committee.Admins},
		{"creators", c.Committee.Creators},
		{"approvers", c.Committee.Approvers},
		{"executors", c.Committee.Executors},
		{"finalizers", c.Committee.Finalizers},
	} {
		for i, raw := range list.vals {
			a, err := nonZero(fmt.Sprintf("config.committee.%s[%d]", list.name, i), raw)
			if err != nil {
				return err
			}
			list.vals[i] = a.String()
		}
	}
	if _, err := c.Policy(); err != nil {
		return fmt.Errorf("config.quorum: %w", err)
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must be >= 0", i)
		}
	}
	return nil
}

func nonZero(field, raw string) (domain.Address, error) {
	a, err := domain.ParseAddress(raw)
	if err != nil {
		return "", fmt.Errorf("%s: %w", field, err)
	}
	if a.IsZero() {
		return "", fmt.Errorf("%s: %w", field, domain.ErrZeroAddress)
	}
	return a, nil
}

// Policy builds the configured quorum policy.
func (c *Config) Policy() (quorum.Policy, error) {
	return quorum.New(c.Quorum.Policy, c.Quorum.Numerator, c.Quorum.Denominator)
}

// Members returns the configured committee for role as addresses. Call
// after Validate.
func (c Committee) Members(role domain.RoleKind) []domain.Address {
	var raw []string
	switch role {
	case domain.RoleAdmin:
		raw = c.Admins
	case domain.RoleCreator:
		raw = c.Creators
	case domain.RoleApprover:
		raw = c.Approvers
	case domain.RoleExecutor:
		raw = c.Executors
	case domain.RoleFinalizer:
		raw = c.Finalizers
	}
	out := make([]domain.Address, 0, len(raw))
	for _, r := range raw {
		out = append(out, domain.Address(r))
	}
	return out
}

// Default task manager and ledger addresses for a fresh workspace.
const (
	DefaultTaskManager = "0x7a5c000000000000000000000000000000000001"
	DefaultLedger      = "0x7a5c000000000000000000000000000000000002"
)

// GenerateDefault returns default config YAML with admin holding every
// operational role, so a single operator can drive the whole flow. The
// ledger starts registered as a finalizer.
func GenerateDefault(admin domain.Address) string {
	return fmt.Sprintf(defaultTemplate, DefaultTaskManager, DefaultLedger, admin, admin, admin, admin, DefaultLedger)
}

// Default returns the default Config for a single-operator workspace.
func Default(admin domain.Address) *Config {
	cfg, err := FromYAML([]byte(GenerateDefault(admin)))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

const defaultTemplate = `token:
  name: Qlindo Realestate Investment Token
  symbol: QLINDO
  decimals: 0
  total_supply: 10000000000

addresses:
  task_manager: "%s"
  ledger: "%s"

committee:
  admins: ["%s"]
  creators: ["%s"]
  approvers: ["%s"]
  executors: ["%s"]
  finalizers: ["%s"]

quorum:
  policy: majority

webhooks: []
`
