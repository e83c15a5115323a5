// Package template renders message bodies from flat {{var}} templates.
package template

import (
	"fmt"
	"strings"
)

// Default bodies per template key. Shops can override these through the
// settings surface; the renderer only needs a body string and variables.
var defaultBodies = map[string]string{
	"abandoned_checkout": "Hi {{first_name}}, you left something behind! Finish checking out at {{shop_name}}: {{checkout_url}}",
	"order_paid":         "Thanks {{first_name}}! Your {{shop_name}} order {{order_number}} is confirmed.",
	"back_in_stock":      "Good news {{first_name}} - {{product_name}} is back in stock at {{shop_name}}: {{product_url}}",
}

// ErrUnknownTemplate is wrapped into errors for unregistered keys.
var ErrUnknownTemplate = fmt.Errorf("unknown template")

// Renderer substitutes {{var}} placeholders in registered bodies.
type Renderer struct {
	bodies map[string]string
}

// NewRenderer creates a renderer seeded with the default bodies.
func NewRenderer() *Renderer {
	bodies := make(map[string]string, len(defaultBodies))
	for k, v := range defaultBodies {
		bodies[k] = v
	}
	return &Renderer{bodies: bodies}
}

// SetBody registers or replaces the body for a template key.
func (r *Renderer) SetBody(key, body string) {
	r.bodies[key] = body
}

// Render substitutes vars into the body for the given key. Every
// placeholder must be supplied; a missing variable is an error naming it.
func (r *Renderer) Render(templateKey string, vars map[string]string) (string, error) {
	body, ok := r.bodies[templateKey]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTemplate, templateKey)
	}

	var out strings.Builder
	for {
		start := strings.Index(body, "{{")
		if start < 0 {
			out.WriteString(body)
			break
		}
		end := strings.Index(body[start:], "}}")
		if end < 0 {
			out.WriteString(body)
			break
		}

		out.WriteString(body[:start])
		name := strings.TrimSpace(body[start+2 : start+end])
		value, ok := vars[name]
		if !ok {
			return "", fmt.Errorf("template %s: missing variable %q", templateKey, name)
		}
		out.WriteString(value)
		body = body[start+end+2:]
	}

	return out.String(), nil
}
