package dispatch

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/mattjoyce/relay/internal/pattern"
)

var validate = validator.New()

// ValidateFacts returns a Validator that checks each named fact against a
// validator tag. A fact missing from the message is validated as nil, so
// "required" rejects it and "omitempty,..." accepts it.
func ValidateFacts(rules map[string]string) (Validator, error) {
	names := make([]string, 0, len(rules))
	for name, tag := range rules {
		if strings.TrimSpace(tag) == "" {
			return nil, fmt.Errorf("rule for %q is empty", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	return func(msg pattern.Message) error {
		var failures []string
		for _, name := range names {
			if err := validate.Var(msg[name], rules[name]); err != nil {
				var verrs validator.ValidationErrors
				if errors.As(err, &verrs) {
					for _, fe := range verrs {
						failures = append(failures, fmt.Sprintf("%s failed %q", name, fe.Tag()))
					}
					continue
				}
				return fmt.Errorf("rule for %q: %w", name, err)
			}
		}
		if len(failures) > 0 {
			return errors.New(strings.Join(failures, "; "))
		}
		return nil
	}, nil
}

// chainValidators runs vs in order and stops at the first failure.
func chainValidators(vs ...Validator) Validator {
	var live []Validator
	for _, v := range vs {
		if v != nil {
			live = append(live, v)
		}
	}
	switch len(live) {
	case 0:
		return nil
	case 1:
		return live[0]
	}
	return func(msg pattern.Message) error {
		for _, v := range live {
			if err := v(msg); err != nil {
				return err
			}
		}
		return nil
	}
}
