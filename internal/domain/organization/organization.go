package organization

import (
	"fmt"
	"strings"
)

// Organization is one configured dispatch target: a firm whose invoice
// folder is scanned each week for dates inside the current month's document.
type Organization struct {
	Name          string   `yaml:"name"`
	FolderKeyword string   `yaml:"folder_keyword"`
	Recipients    []string `yaml:"recipients"`
	CC            []string `yaml:"cc"`
	Template      string   `yaml:"template"`
}

// Validate checks the fields required just to evaluate an organization.
// An empty recipient list is deliberately NOT a validation error: the
// decision engine reports it as a per-organization skip so one misconfigured
// firm never blocks the rest of the run.
func (o *Organization) Validate() error {
	if strings.TrimSpace(o.Name) == "" {
		return fmt.Errorf("organization name is required")
	}
	if strings.TrimSpace(o.FolderKeyword) == "" {
		return fmt.Errorf("organization %q: folder_keyword is required", o.Name)
	}
	return nil
}

// HasRecipients reports whether at least one non-blank recipient address is
// configured. A decision can only become a send when this is true.
func (o *Organization) HasRecipients() bool {
	for _, r := range o.Recipients {
		if strings.TrimSpace(r) != "" {
			return true
		}
	}
	return false
}
