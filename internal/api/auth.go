package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"studio-job-queue/internal/models"
)

// ErrUnauthenticated means no actor could be derived from the request.
var ErrUnauthenticated = errors.New("unauthenticated")

// Authenticator resolves the caller of a request.
type Authenticator interface {
	Authenticate(r *http.Request) (models.Actor, error)
}

// NewAuthenticator returns a bearer-token authenticator when tokens are
// configured, otherwise one that trusts X-Actor-ID / X-Actor-Role headers.
// tokens maps token to "actorId:role".
func NewAuthenticator(tokens map[string]string) Authenticator {
	if len(tokens) == 0 {
		return HeaderAuthenticator{}
	}
	actors := make(map[string]models.Actor, len(tokens))
	for tok, v := range tokens {
		id, role, ok := strings.Cut(v, ":")
		if !ok {
			continue
		}
		kind, ok := parseRole(role)
		if !ok {
			continue
		}
		actors[tok] = models.Actor{ID: id, Kind: kind}
	}
	return TokenAuthenticator{actors: actors}
}

// TokenAuthenticator maps static bearer tokens to actors.
type TokenAuthenticator struct {
	actors map[string]models.Actor
}

func (a TokenAuthenticator) Authenticate(r *http.Request) (models.Actor, error) {
	h := r.Header.Get("Authorization")
	tok, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || tok == "" {
		return models.Actor{}, ErrUnauthenticated
	}
	actor, ok := a.actors[strings.TrimSpace(tok)]
	if !ok {
		return models.Actor{}, ErrUnauthenticated
	}
	return actor, nil
}

// HeaderAuthenticator trusts caller-supplied identity headers. Development only.
type HeaderAuthenticator struct{}

func (HeaderAuthenticator) Authenticate(r *http.Request) (models.Actor, error) {
	id := strings.TrimSpace(r.Header.Get("X-Actor-ID"))
	if id == "" {
		return models.Actor{}, ErrUnauthenticated
	}
	role := r.Header.Get("X-Actor-Role")
	if role == "" {
		role = string(models.ActorClient)
	}
	kind, ok := parseRole(role)
	if !ok {
		return models.Actor{}, ErrUnauthenticated
	}
	return models.Actor{ID: id, Kind: kind}, nil
}

// Only operators and clients authenticate over HTTP; worker and system
// identities never come from a request.
func parseRole(role string) (models.ActorKind, bool) {
	switch models.ActorKind(strings.ToLower(strings.TrimSpace(role))) {
	case models.ActorOperator:
		return models.ActorOperator, true
	case models.ActorClient:
		return models.ActorClient, true
	}
	return "", false
}

type actorKey struct{}

func withActor(ctx context.Context, a models.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFrom returns the authenticated actor stored on ctx.
func ActorFrom(ctx context.Context) (models.Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(models.Actor)
	return a, ok
}
