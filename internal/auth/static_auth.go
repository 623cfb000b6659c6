package auth

import (
	"context"
)

// StaticAuthenticator accepts API keys from a fixed table. With an empty
// table it accepts any tsk_ key, which is only suitable for development.
type StaticAuthenticator struct {
	keys map[string]*SecurityContext
}

// NewStaticAuthenticator maps API keys to caller ids. Static callers are
// granted every permission.
func NewStaticAuthenticator(keys map[string]string) *StaticAuthenticator {
	a := &StaticAuthenticator{keys: make(map[string]*SecurityContext, len(keys))}
	for key, caller := range keys {
		a.keys[key] = &SecurityContext{CallerID: caller, Permissions: []string{"*"}, Method: "static"}
	}
	return a
}

func (a *StaticAuthenticator) Authenticate(ctx context.Context) (*SecurityContext, error) {
	token, err := ExtractBearerToken(ctx)
	if err != nil {
		return nil, err
	}
	if !IsAPIKey(token) {
		return nil, ErrUnauthenticated
	}
	if len(a.keys) == 0 {
		id := token
		if len(id) > 8 {
			id = id[:8]
		}
		return &SecurityContext{CallerID: "static-" + id, Permissions: []string{"*"}, Method: "static"}, nil
	}
	sc, ok := a.keys[token]
	if !ok {
		return nil, ErrUnauthenticated
	}
	return sc, nil
}
