package provider

import (
	"fmt"
)

// templateCopy holds the body copy for each approved WhatsApp template.
// Meta renders these server-side from the template name; the Twilio adapter
// renders them locally since it sends plain bodies. The producer only picks
// a template name and computes the ordered parameter list.
var templateCopy = map[string]string{
	"booking_confirmation":   "Beste %s, uw wasafspraak voor %s op %s bij %s is bevestigd. Tot dan!",
	"booking_reminder":       "Beste %s, een herinnering: uw wasafspraak voor %s is morgen om %s.",
	"subscription_activated": "Beste %s, uw wasabonnement %s is actief. Veel wasplezier!",
	"payment_failed":         "Beste %s, de incasso voor uw abonnement %s is mislukt (%s). Werk uw betaalgegevens bij.",
}

// templateParamCount mirrors the parameter counts of the approved templates.
var templateParamCount = map[string]int{
	"booking_confirmation":   4,
	"booking_reminder":       3,
	"subscription_activated": 2,
	"payment_failed":         3,
}

// KnownTemplate reports whether the template name is in the approved catalog.
func KnownTemplate(name string) bool {
	_, ok := templateCopy[name]
	return ok
}

// TemplateParamCount returns the expected parameter count for a template.
func TemplateParamCount(name string) (int, bool) {
	n, ok := templateParamCount[name]
	return n, ok
}

// RenderTemplateText renders a template's body copy with its ordered
// parameters. Used by adapters that deliver plain text bodies.
func RenderTemplateText(name string, params []string) (string, error) {
	copyText, ok := templateCopy[name]
	if !ok {
		return "", NewTerminal(CodeTemplateRejected, fmt.Sprintf("unknown template %q", name))
	}
	want, _ := templateParamCount[name]
	if len(params) != want {
		return "", NewTerminal(CodeTemplateRejected,
			fmt.Sprintf("template %q expects %d params, got %d", name, want, len(params)))
	}

	args := make([]any, len(params))
	for i, p := range params {
		args[i] = p
	}
	return fmt.Sprintf(copyText, args...), nil
}
