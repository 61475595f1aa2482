package models

import (
	"errors"
	"net/url"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Host is a registered 3x-ui panel (xui_hosts row)
type Host struct {
	Name      string
	URL       string
	Username  string
	Password  string
	InboundID int

	// Optional base for subscription links, may contain "{token}"
	SubscriptionURL string
}

// Validate checks that a host row is usable for a panel session
func (h *Host) Validate() error {
	return validation.ValidateStruct(h,
		validation.Field(&h.Name, validation.Required),
		validation.Field(&h.URL, validation.Required, validation.By(panelURL)),
		validation.Field(&h.Username, validation.Required),
		validation.Field(&h.InboundID, validation.Required, validation.Min(1)),
	)
}

func panelURL(value interface{}) error {
	s, _ := value.(string)
	if URLHostname(s) == "" {
		return errors.New("must be an absolute URL with a host")
	}
	return nil
}

// Hostname returns the bare hostname of the panel URL
func (h *Host) Hostname() string {
	return URLHostname(h.URL)
}

// URLHostname extracts the hostname from a URL, or "" when unparsable
func URLHostname(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// URLScheme returns the URL scheme when it is http or https, otherwise "https"
func URLScheme(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "https"
	}
	if u.Scheme == "http" || u.Scheme == "https" {
		return u.Scheme
	}
	return "https"
}
