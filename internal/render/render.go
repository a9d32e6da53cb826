// Package render substitutes lead-derived tokens into outbound message content.
//
// A token is anything between "{{" and "}}". A bare name is looked up in the lead
// variables; anything else is parsed as a sandboxed expression (see expr.go).
// Tokens that do not resolve are left in the output exactly as written.
package render

import (
	"regexp"
	"strings"
	"time"

	"github.com/hexamarkco/kifersaude-sub001/internal/models"
)

// DateLayout is how lead timestamps are rendered.
const DateLayout = "02/01/2006"

var tokenRegex = regexp.MustCompile(`\{\{(.*?)\}\}`)

// Variables returns the token values for a lead. Keys are lowercase.
func Variables(lead models.Lead) map[string]string {
	name := strings.TrimSpace(lead.FullName)
	first := ""
	if fields := strings.Fields(name); len(fields) > 0 {
		first = fields[0]
	}
	return map[string]string{
		"nome":            name,
		"primeiro_nome":   first,
		"origem":          lead.Origin,
		"cidade":          lead.City,
		"responsavel":     lead.Owner,
		"telefone":        lead.Phone,
		"email":           lead.Email,
		"status":          lead.Status,
		"estado":          lead.State,
		"regiao":          lead.Region,
		"data_criacao":    formatDate(lead.CreatedAt),
		"ultimo_contato":  formatDate(lead.LastContactAt),
		"proximo_retorno": formatDate(lead.NextFollowUpAt),
	}
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(DateLayout)
}

// Render replaces every resolvable token in template with its value for lead.
func Render(template string, lead models.Lead) string {
	if !strings.Contains(template, "{{") {
		return template
	}
	vars := Variables(lead)
	return tokenRegex.ReplaceAllStringFunc(template, func(token string) string {
		inner := strings.TrimSpace(token[2 : len(token)-2])
		if v, ok := vars[strings.ToLower(inner)]; ok {
			return v
		}
		v, err := Eval(inner, vars)
		if err != nil {
			return token
		}
		return v
	})
}

// RenderMessage renders every text-bearing field of a message.
func RenderMessage(m models.MessageContent, lead models.Lead) models.MessageContent {
	m.Text = Render(m.Text, lead)
	m.Caption = Render(m.Caption, lead)
	m.MediaURL = strings.TrimSpace(Render(m.MediaURL, lead))
	m.Filename = Render(m.Filename, lead)
	return m
}

// IsEmpty reports whether a rendered message has nothing to send: blank text for a
// text message, or a blank media URL for a media message.
func IsEmpty(m models.MessageContent) bool {
	if m.Type.IsMedia() {
		return strings.TrimSpace(m.MediaURL) == ""
	}
	return strings.TrimSpace(m.Text) == ""
}
