package dispatch

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ruleFile is the on-disk shape of the dispatch rule set.
type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules reads and validates the YAML rule file. A malformed rule set
// fails with a diagnostic identifying the offending rule by index and name.
func LoadRules(path string) ([]Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dispatch: read rules file: %w", err)
	}

	var f ruleFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("dispatch: parse rules file: %w", err)
	}
	if err := ValidateRules(f.Rules); err != nil {
		return nil, err
	}
	return f.Rules, nil
}

// ValidateRules checks the whole rule set. The first invalid rule aborts
// validation so the diagnostic stays focused.
func ValidateRules(rules []Rule) error {
	if len(rules) == 0 {
		return fmt.Errorf("dispatch: rule set is empty")
	}

	seen := make(map[string]struct{}, len(rules))
	for i, r := range rules {
		where := fmt.Sprintf("rule %d (%q)", i, r.Name)

		if strings.TrimSpace(r.Name) == "" {
			return fmt.Errorf("dispatch: rule %d: name is required", i)
		}
		if _, dup := seen[r.Name]; dup {
			return fmt.Errorf("dispatch: %s: duplicate rule name", where)
		}
		seen[r.Name] = struct{}{}

		switch r.Action {
		case ActionAccept:
			if strings.TrimSpace(r.RoomTemplate) == "" {
				return fmt.Errorf("dispatch: %s: accept rules require room_template", where)
			}
			if !strings.Contains(r.RoomTemplate, RoomTemplatePlaceholder) {
				return fmt.Errorf("dispatch: %s: room_template must contain %s", where, RoomTemplatePlaceholder)
			}
			if strings.TrimSpace(r.AgentProfile) == "" {
				return fmt.Errorf("dispatch: %s: accept rules require agent_profile", where)
			}
		case ActionReject:
			// Reject rules need no target; reject_reason is optional.
		default:
			return fmt.Errorf("dispatch: %s: action must be accept or reject, got %q", where, r.Action)
		}
	}
	return nil
}
