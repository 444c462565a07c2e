package config

import "strings"

const (
	ModeAuto    = "auto"
	ModeSandbox = "sandbox"
	ModeLive    = "live"
)

// Whole values copied verbatim from env templates.
var placeholderValues = map[string]bool{
	"your":        true,
	"test":        true,
	"dummy":       true,
	"changeme":    true,
	"change_me":   true,
	"placeholder": true,
	"todo":        true,
}

// IsSandbox reports whether the gateway should run without talking to Daraja.
// In auto mode that is the case whenever any credential is missing or looks
// like a template value.
func (c *MpesaConfig) IsSandbox() bool {
	switch strings.ToLower(c.Mode) {
	case ModeSandbox:
		return true
	case ModeLive:
		return false
	default:
		return c.placeholderField() != ""
	}
}

// SandboxReason names what put the gateway in sandbox mode, or returns ""
// when it runs live.
func (c *MpesaConfig) SandboxReason() string {
	switch strings.ToLower(c.Mode) {
	case ModeSandbox:
		return "mode=sandbox"
	case ModeLive:
		return ""
	}
	if field := c.placeholderField(); field != "" {
		return field + " missing or placeholder"
	}
	return ""
}

func (c *MpesaConfig) placeholderField() string {
	fields := []struct{ name, value string }{
		{"consumer_key", c.ConsumerKey},
		{"consumer_secret", c.ConsumerSecret},
		{"shortcode", c.Shortcode},
		{"passkey", c.Passkey},
	}
	for _, f := range fields {
		if isPlaceholder(f.value) {
			return f.name
		}
	}
	return ""
}

func isPlaceholder(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	switch {
	case v == "":
		return true
	case placeholderValues[v]:
		return true
	case strings.HasPrefix(v, "your_"), strings.HasPrefix(v, "your-"), strings.HasPrefix(v, "<"):
		return true
	case len(v) >= 3 && strings.Trim(v, "x") == "":
		return true
	}
	return false
}
