package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models taskdesk.yml. It carries the seed directory of
// departments and users that an empty database is populated from.
type Config struct {
	Seed struct {
		Departments []SeedDepartment `yaml:"departments"`
		Users       []SeedUser       `yaml:"users"`
	} `yaml:"seed"`
}

type SeedDepartment struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type SeedUser struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	Email        string `yaml:"email"`
	DepartmentID string `yaml:"department_id"`
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "taskdesk.yml")
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

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
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

// Validate ensures the seed directory is internally consistent.
func (c *Config) Validate() error {
	depts := map[string]bool{}
	for i, d := range c.Seed.Departments {
		if d.ID == "" {
			return fmt.Errorf("seed.departments[%d].id is required", i)
		}
		if d.Name == "" {
			return fmt.Errorf("seed department %s has no name", d.ID)
		}
		if depts[d.ID] {
			return fmt.Errorf("seed department %s defined twice", d.ID)
		}
		depts[d.ID] = true
	}
	emails := map[string]bool{}
	for i, u := range c.Seed.Users {
		if u.ID == "" {
			return fmt.Errorf("seed.users[%d].id is required", i)
		}
		if u.Name == "" || u.Email == "" {
			return fmt.Errorf("seed user %s needs name and email", u.ID)
		}
		if !strings.Contains(u.Email, "@") {
			return fmt.Errorf("seed user %s has invalid email %q", u.ID, u.Email)
		}
		if emails[u.Email] {
			return fmt.Errorf("seed email %s used twice", u.Email)
		}
		emails[u.Email] = true
		if !depts[u.DepartmentID] {
			return fmt.Errorf("seed user %s references unknown department %s", u.ID, u.DepartmentID)
		}
	}
	return nil
}

// Default returns the built-in seed directory.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(err)
	}
	return cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `seed:
  departments:
    - id: 11111111-1111-1111-1111-111111111111
      name: IT
      description: "Information technology"
    - id: 22222222-2222-2222-2222-222222222222
      name: HR
      description: "Human resources"
    - id: 33333333-3333-3333-3333-333333333333
      name: Finance
      description: "Finance and accounting"

  users:
    - id: aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa
      name: Alice Johnson
      email: alice@taskdesk.local
      department_id: 11111111-1111-1111-1111-111111111111
    - id: bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb
      name: Bob Smith
      email: bob@taskdesk.local
      department_id: 11111111-1111-1111-1111-111111111111
    - id: cccccccc-cccc-cccc-cccc-cccccccccccc
      name: Carol Davis
      email: carol@taskdesk.local
      department_id: 22222222-2222-2222-2222-222222222222
    - id: dddddddd-dddd-dddd-dddd-dddddddddddd
      name: Dan Miller
      email: dan@taskdesk.local
      department_id: 33333333-3333-3333-3333-333333333333
`
