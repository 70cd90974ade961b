package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrUnsafeScheme is returned for page URLs that are not http or https.
var ErrUnsafeScheme = errors.New("config: only http and https pages can be guarded")

// maxIDLen bounds page ids, which appear in inspect paths and metric labels.
const maxIDLen = 128

// Check validates a page's id, URL and stealth level.
func (p PageConfig) Check() error {
	if err := CheckID(p.ID); err != nil {
		return err
	}
	if err := CheckURL(p.URL); err != nil {
		return err
	}
	switch p.StealthLevel {
	case "0", "1", "2", "auto":
		return nil
	default:
		return fmt.Errorf("config: stealth_level %q", p.StealthLevel)
	}
}

// CheckURL accepts absolute http(s) URLs with a host.
func CheckURL(raw string) error {
	if raw == "" {
		return errors.New("config: url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("config: invalid url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return ErrUnsafeScheme
	}
	if u.Hostname() == "" {
		return fmt.Errorf("config: url %q has no host", raw)
	}
	return nil
}

// CheckID accepts ids made of letters, digits, '_', '-' and '.'.
func CheckID(id string) error {
	if id == "" {
		return errors.New("config: id must not be empty")
	}
	if len(id) > maxIDLen {
		return fmt.Errorf("config: id too long (max %d)", maxIDLen)
	}
	for _, r := range id {
		if !isIDChar(r) {
			return fmt.Errorf("config: invalid character %q in id", r)
		}
	}
	return nil
}

func isIDChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') || r == '_' || r == '-' || r == '.'
}
