package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/mattjoyce/relay/internal/pattern"
)

var structValidator = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report yaml names so errors point at the file, not the Go struct.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks field constraints, unresolved ${VAR} placeholders, and
// that every client pattern parses and is mounted once.
func Validate(cfg *Config) error {
	if err := structValidator.Struct(cfg); err != nil {
		return describe(err)
	}

	secrets := map[string]string{
		"listener.secret": cfg.Listener.Secret,
		"listener.token":  cfg.Listener.Token,
		"journal.path":    cfg.Journal.Path,
	}
	for i, t := range cfg.Listener.Tokens {
		secrets[fmt.Sprintf("listener.tokens[%d].token", i)] = t.Token
	}
	for i, c := range cfg.Clients {
		prefix := fmt.Sprintf("clients[%d]", i)
		secrets[prefix+".url"] = c.URL
		secrets[prefix+".secret"] = c.Secret
		secrets[prefix+".token"] = c.Token
		secrets[prefix+".reply_to"] = c.ReplyTo
	}
	for field, value := range secrets {
		if m := envVarPattern.FindStringSubmatch(value); m != nil {
			return fmt.Errorf("%s: environment variable ${%s} is not set", field, m[1])
		}
	}

	if cfg.Listener.Enabled && cfg.Listener.Listen == "" {
		return fmt.Errorf("listener.listen is required when the listener is enabled")
	}

	seen := make(map[string]int, len(cfg.Clients))
	for i, c := range cfg.Clients {
		if c.Async && c.ReplyTo == "" {
			return fmt.Errorf("clients[%d].reply_to is required for async clients", i)
		}
		p, err := pattern.Parse(c.Pattern)
		if err != nil {
			return fmt.Errorf("clients[%d].pattern: %w", i, err)
		}
		key := p.String()
		if j, dup := seen[key]; dup {
			return fmt.Errorf("clients[%d].pattern %q duplicates clients[%d]", i, key, j)
		}
		seen[key] = i
	}
	return nil
}

// describe turns validator errors into yaml field paths.
func describe(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		msg := fmt.Sprintf("%s failed %q", field, fe.Tag())
		if fe.Param() != "" {
			msg += fmt.Sprintf(" (%s)", fe.Param())
		}
		msgs = append(msgs, msg)
	}
	return errors.New(strings.Join(msgs, "; "))
}
