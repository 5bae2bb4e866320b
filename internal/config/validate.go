package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate runs struct tag validation followed by cross-field checks.
func (c *Config) Validate() error {
	if err := structValidator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}

	seen := make(map[string]bool, len(c.Classes))
	for _, cc := range c.Classes {
		if seen[cc.Name] {
			return fmt.Errorf("class %q configured more than once", cc.Name)
		}
		seen[cc.Name] = true
	}

	for name, raw := range map[string]string{
		"notify.discord.webhook_url": c.Notify.Discord.WebhookURL,
		"notify.webhook.url":         c.Notify.Webhook.URL,
	} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s is not an absolute URL", name)
		}
	}

	if c.Events.DefaultLimit > c.Events.Capacity {
		return fmt.Errorf("events.default_limit (%d) exceeds events.capacity (%d)",
			c.Events.DefaultLimit, c.Events.Capacity)
	}
	return nil
}
