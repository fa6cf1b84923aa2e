package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const starterConfig = `# gorelay configuration
max_concurrent_tasks: 5
task_timeout_seconds: 1800
bind_addr: 127.0.0.1:18790
log_level: info
commands_file: commands.yaml

executor:
  binary: claude
  default_profile: default

queue:
  backend: sqlite

providers:
  generic:
    kind: generic
    mention_prefix: "@agent"
    default_command: analyze
`

const starterCommands = `# Static command source. Dynamic commands (API) override entries by name.
version: 1
providers:
  generic:
    - name: analyze
      aliases: [investigate]
      target_profile: default
      prompt_template: |
        Analyze the following request from {{author}} ({{provider}} {{external_id}}):

        {{args}}
    - name: review
      target_profile: reviewer
      prompt_template: "Review {{url}}: {{args}}"
      requires_approval: true
`

// WriteGenesis writes a starter config.yaml and commands.yaml into homeDir.
// Existing files are left untouched.
func WriteGenesis(homeDir string) error {
	files := map[string]string{
		ConfigPath(homeDir):                     starterConfig,
		filepath.Join(homeDir, "commands.yaml"): starterCommands,
	}
	for path, body := range files {
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", filepath.Base(path), err)
		}
	}
	if err := os.MkdirAll(filepath.Join(homeDir, "profiles", "default"), 0o755); err != nil {
		return fmt.Errorf("create default profile: %w", err)
	}
	return nil
}
