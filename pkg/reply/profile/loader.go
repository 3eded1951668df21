package profile

import (
	"embed"
	"fmt"
	"strings"
)

const defaultProfileName = "default"

const providerOpenCode = "opencode"

//go:embed templates/*.md
var templatesFS embed.FS

// ResolveSystemPrompt returns the embedded fallback system prompt for a
// reply backend. OpenCode agents carry their own prompt, so it gets none.
func ResolveSystemPrompt(provider string) (string, error) {
	templateName := defaultTemplateName(provider)
	if templateName == "" {
		return "", nil
	}

	content, err := templatesFS.ReadFile(templatePath(templateName))
	if err != nil {
		return "", fmt.Errorf("load %s profile template: %w", templateName, err)
	}

	prompt := strings.TrimSpace(string(content))
	if prompt == "" {
		return "", fmt.Errorf("profile template %q is empty", templateName)
	}

	return prompt, nil
}

func defaultTemplateName(provider string) string {
	if strings.EqualFold(strings.TrimSpace(provider), providerOpenCode) {
		return ""
	}

	return defaultProfileName
}

func templatePath(templateName string) string {
	return "templates/" + strings.TrimSpace(templateName) + ".md"
}
