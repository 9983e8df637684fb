// Package mailing renders step templates with Liquid tokens such as
// {{ contact.first_name | default: "there" }} or {{ workspace.name }}.
package mailing

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/osteele/liquid"

	"github.com/ignite/sequence-engine/internal/domain"
)

// Renderer is a Liquid token renderer with a parsed-template cache. It is
// safe for concurrent use.
type Renderer struct {
	engine *liquid.Engine
	cache  sync.Map // template hash -> *liquid.Template
}

// NewRenderer creates a renderer with the custom filters registered.
func NewRenderer() *Renderer {
	r := &Renderer{engine: liquid.NewEngine()}
	r.registerFilters()
	return r
}

func (r *Renderer) registerFilters() {
	// {{ contact.first_name | default: "Friend" }}
	r.engine.RegisterFilter("default", func(value interface{}, fallback string) interface{} {
		if value == nil {
			return fallback
		}
		if s := fmt.Sprintf("%v", value); s == "" || s == "<nil>" {
			return fallback
		}
		return value
	})

	// {{ contact.first_name | titlecase }}
	r.engine.RegisterFilter("titlecase", func(s string) string {
		words := strings.Fields(strings.ToLower(s))
		for i, w := range words {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
		return strings.Join(words, " ")
	})

	// {{ contact.full_name | first_word }}
	r.engine.RegisterFilter("first_word", func(s string) string {
		if f := strings.Fields(s); len(f) > 0 {
			return f[0]
		}
		return ""
	})
}

// Validate parses tmpl and reports syntax errors.
func (r *Renderer) Validate(tmpl string) error {
	_, err := r.parse(tmpl)
	return err
}

// Render substitutes contact and workspace tokens into tmpl. Missing
// variables render as empty strings.
func (r *Renderer) Render(tmpl string, c *domain.Contact, ws *domain.Workspace) (string, error) {
	if !strings.Contains(tmpl, "{{") && !strings.Contains(tmpl, "{%") {
		return tmpl, nil
	}
	tpl, err := r.parse(tmpl)
	if err != nil {
		return "", err
	}
	out, err := tpl.RenderString(Bindings(c, ws))
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return out, nil
}

func (r *Renderer) parse(tmpl string) (*liquid.Template, error) {
	sum := md5.Sum([]byte(tmpl))
	key := hex.EncodeToString(sum[:])
	if cached, ok := r.cache.Load(key); ok {
		return cached.(*liquid.Template), nil
	}
	tpl, err := r.engine.ParseString(tmpl)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	r.cache.Store(key, tpl)
	return tpl, nil
}

// Bindings builds the Liquid context. Contact fields are available both
// under contact.* and at the top level.
func Bindings(c *domain.Contact, ws *domain.Workspace) map[string]interface{} {
	contact := map[string]interface{}{}
	if c != nil {
		contact = map[string]interface{}{
			"id":         c.ID,
			"first_name": c.FirstName,
			"last_name":  c.LastName,
			"full_name":  strings.TrimSpace(c.FirstName + " " + c.LastName),
			"email":      c.Email,
			"phone":      c.Phone,
			"stage":      c.Stage,
			"categories": c.Categories,
		}
		custom := make(map[string]interface{}, len(c.CustomFields))
		for k, v := range c.CustomFields {
			custom[k] = v
		}
		contact["custom"] = custom
	}
	workspace := map[string]interface{}{}
	if ws != nil {
		workspace = map[string]interface{}{
			"id":         ws.ID,
			"name":       ws.Name,
			"from_name":  ws.FromName,
			"from_email": ws.FromEmail,
		}
	}

	out := map[string]interface{}{
		"contact":   contact,
		"workspace": workspace,
	}
	for k, v := range contact {
		out[k] = v
	}
	return out
}
