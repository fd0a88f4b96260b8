package app

import (
	"errors"
	"strings"

	"github.com/swipe/banklink-service/pkg/plaidclient"
)

const RedactedValue = "[REDACTED]"

// Scrubber removes secrets from values before they are logged or returned.
// Keys that name a secret are redacted wholesale; known secret values are
// replaced wherever they appear inside strings.
type Scrubber struct {
	secrets []string
}

// NewScrubber returns a scrubber that always hides the given values.
func NewScrubber(secrets ...string) *Scrubber {
	return &Scrubber{secrets: nonEmpty(secrets)}
}

// Scrub returns a redacted copy of value. extra adds per-call secrets such as
// the access credential in use.
func (s *Scrubber) Scrub(value any, extra ...string) any {
	var secrets []string
	if s != nil {
		secrets = append(secrets, s.secrets...)
	}
	secrets = append(secrets, nonEmpty(extra)...)
	return scrubValue(value, secrets)
}

// ScrubString replaces every known secret inside text.
func (s *Scrubber) ScrubString(text string, extra ...string) string {
	out, _ := s.Scrub(text, extra...).(string)
	return out
}

// ProviderDetails extracts the client-facing details of a provider failure:
// the decoded error payload when there is one, else the error text.
func (s *Scrubber) ProviderDetails(err error, extra ...string) any {
	if apiErr, ok := plaidclient.AsAPIError(err); ok && apiErr.Payload != nil {
		return s.Scrub(apiErr.Payload, extra...)
	}
	if err == nil {
		return nil
	}
	return s.ScrubString(err.Error(), extra...)
}

func scrubValue(value any, secrets []string) any {
	switch typed := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, v := range typed {
			if shouldRedactKey(key) {
				out[key] = RedactedValue
				continue
			}
			out[key] = scrubValue(v, secrets)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i := range typed {
			out[i] = scrubValue(typed[i], secrets)
		}
		return out
	case string:
		for _, secret := range secrets {
			typed = strings.ReplaceAll(typed, secret, RedactedValue)
		}
		return typed
	default:
		return value
	}
}

func shouldRedactKey(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" || isTraceabilityKey(key) {
		return false
	}
	sensitive := []string{
		"password",
		"secret",
		"token",
		"authorization",
		"api_key",
		"apikey",
		"access_key",
		"refresh",
		"credential",
		"signature",
		"client_id",
	}
	for _, s := range sensitive {
		if strings.Contains(key, s) {
			return true
		}
	}
	return false
}

func isTraceabilityKey(key string) bool {
	switch key {
	case "request_id", "item_id", "institution_id", "error_type", "error_code":
		return true
	default:
		return false
	}
}

func nonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	return out
}

// errorText is err.Error() with secrets scrubbed, for log lines.
func (s *Scrubber) errorText(err error, extra ...string) string {
	if err == nil {
		return ""
	}
	var inputErr *InputError
	if errors.As(err, &inputErr) {
		return inputErr.Message
	}
	return s.ScrubString(err.Error(), extra...)
}
