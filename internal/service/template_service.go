package service

import (
	"html"
	"strings"
)

// RenderTemplate substitutes {key} placeholders with HTML-escaped values.
// Unknown placeholders are left untouched.
func RenderTemplate(template string, data map[string]string) string {
	if len(data) == 0 || !strings.Contains(template, "{") {
		return template
	}
	pairs := make([]string, 0, len(data)*2)
	for k, v := range data {
		pairs = append(pairs, "{"+k+"}", html.EscapeString(v))
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

func recipientFields(email, senderName string) map[string]string {
	return map[string]string{
		"email":       email,
		"sender_name": senderName,
	}
}
