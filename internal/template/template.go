// Package template substitutes {placeholder} markers in campaign subjects and bodies.
package template

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/kursadbilgin/campaign-mailer/internal/domain"
)

// ErrMissingPlaceholder is returned when a marker has no matching variable.
var ErrMissingPlaceholder = fmt.Errorf("%w: missing placeholder", domain.ErrValidation)

var markerPattern = regexp.MustCompile(`\{\s*([A-Za-z0-9_][A-Za-z0-9_\- ]*?)\s*\}`)

// MissingPlaceholderError names the markers that could not be resolved.
type MissingPlaceholderError struct {
	Names []string
}

func (e *MissingPlaceholderError) Error() string {
	return fmt.Sprintf("%s: %s", ErrMissingPlaceholder.Error(), strings.Join(e.Names, ", "))
}

func (e *MissingPlaceholderError) Is(target error) bool {
	return target == ErrMissingPlaceholder || errors.Is(ErrMissingPlaceholder, target)
}

// Render replaces every marker in text with the matching variable. Variable
// lookup ignores case and surrounding whitespace.
func Render(text string, vars map[string]string) (string, error) {
	lookup := normalizeVars(vars)

	var missing []string
	seen := make(map[string]struct{})

	rendered := markerPattern.ReplaceAllStringFunc(text, func(marker string) string {
		name := markerName(marker)
		if value, ok := lookup[strings.ToLower(name)]; ok {
			return value
		}
		if _, dup := seen[name]; !dup {
			seen[name] = struct{}{}
			missing = append(missing, name)
		}
		return marker
	})

	if len(missing) > 0 {
		return "", &MissingPlaceholderError{Names: missing}
	}
	return rendered, nil
}

// RenderTemplate renders both subject and body of t.
func RenderTemplate(t domain.Template, vars map[string]string) (domain.Template, error) {
	subject, err := Render(t.Subject, vars)
	if err != nil {
		return domain.Template{}, fmt.Errorf("subject: %w", err)
	}
	body, err := Render(t.Body, vars)
	if err != nil {
		return domain.Template{}, fmt.Errorf("body: %w", err)
	}
	return domain.Template{Subject: subject, Body: body}, nil
}

// Placeholders lists the distinct marker names in text, in order of first appearance.
func Placeholders(text string) []string {
	matches := markerPattern.FindAllString(text, -1)
	names := make([]string, 0, len(matches))
	seen := make(map[string]struct{}, len(matches))
	for _, marker := range matches {
		name := markerName(marker)
		key := strings.ToLower(name)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		names = append(names, name)
	}
	return names
}

func markerName(marker string) string {
	sub := markerPattern.FindStringSubmatch(marker)
	if len(sub) < 2 {
		return strings.TrimSpace(strings.Trim(marker, "{}"))
	}
	return strings.TrimSpace(sub[1])
}

func normalizeVars(vars map[string]string) map[string]string {
	lookup := make(map[string]string, len(vars))
	for k, v := range vars {
		lookup[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return lookup
}
