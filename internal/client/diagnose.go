package client

import (
	"context"
	"errors"
)

// Reachability is the outcome of Diagnose.
type Reachability string

const (
	Unreachable    Reachability = "unreachable"
	SecretDeclined Reachability = "secret_declined"
	Degraded       Reachability = "degraded"
	Reachable      Reachability = "ok"
)

// doctorProbeID is a job id that is never written; an authenticated lookup
// of it answers 404 when the secret is accepted.
const doctorProbeID = "bridge-doctor-probe"

// Diagnosis explains how the verification host responded.
type Diagnosis struct {
	State  Reachability
	Detail string
	Hello  string
}

// Diagnose tells an unreachable host apart from one that declines the
// secret, and both from a host whose agent is degraded.
func Diagnose(ctx context.Context, c *Client) Diagnosis {
	if err := c.Health(ctx); err != nil {
		return Diagnosis{State: Unreachable, Detail: err.Error()}
	}

	_, err := c.Result(ctx, doctorProbeID)
	switch {
	case errors.Is(err, ErrUnauthorized):
		return Diagnosis{State: SecretDeclined, Detail: err.Error()}
	case err != nil && !errors.Is(err, ErrPending):
		return Diagnosis{State: Unreachable, Detail: err.Error()}
	}

	reply, err := c.Hello(ctx, "doctor")
	if errors.Is(err, ErrDegraded) {
		return Diagnosis{State: Degraded, Detail: err.Error()}
	}
	if err != nil {
		return Diagnosis{State: Unreachable, Detail: err.Error()}
	}
	d := Diagnosis{State: Reachable, Detail: reply.Message}
	if reply.Reply != nil {
		d.Hello = *reply.Reply
	}
	return d
}
