package auth

import (
	"context"
	"fmt"
	"strings"
)

type Identity struct {
	Role string
}

type APIKeyValidator interface {
	Validate(ctx context.Context, apiKey string) (Identity, bool)
}

// StaticAPIKeyValidator resolves API keys from a fixed key:role spec, e.g.
// "k1:analyst,k2:admin".
type StaticAPIKeyValidator struct {
	keys map[string]Identity
}

func NewStaticAPIKeyValidator(spec string) (*StaticAPIKeyValidator, error) {
	validator := &StaticAPIKeyValidator{keys: map[string]Identity{}}
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return validator, nil
	}

	for _, entry := range strings.Split(spec, ",") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid static key entry %q: expected key:role", entry)
		}
		key := strings.TrimSpace(parts[0])
		role := strings.TrimSpace(parts[1])
		if key == "" || role == "" {
			return nil, fmt.Errorf("invalid static key entry %q: empty key/role", entry)
		}
		validator.keys[key] = Identity{Role: role}
	}

	return validator, nil
}

func (v *StaticAPIKeyValidator) Validate(_ context.Context, apiKey string) (Identity, bool) {
	identity, ok := v.keys[apiKey]
	return identity, ok
}
