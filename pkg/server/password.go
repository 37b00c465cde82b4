package server

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log"
	"strings"
	"sync"
)

// PolicyMode selects how a password layer contributes to the effective
// admission secret.
type PolicyMode uint8

const (
	PolicyNone PolicyMode = iota
	PolicyAuto
	PolicyDefined
)

func (m PolicyMode) String() string {
	switch m {
	case PolicyAuto:
		return "auto"
	case PolicyDefined:
		return "defined"
	default:
		return "none"
	}
}

// Policy is one layer of password configuration
type Policy struct {
	Mode  PolicyMode
	Value string // set only for PolicyDefined
}

// noneTokens are raw values that mean "no password" in addition to the empty string
var noneTokens = map[string]bool{
	"null":    true,
	"none":    true,
	"unset":   true,
	"default": true,
	"false":   true,
	"0":       true,
	"off":     true,
	"no":      true,
}

// ParsePolicy interprets a raw configuration value. Empty and falsy tokens
// mean none, "auto" (any case) means generate, anything else is a literal.
func ParsePolicy(raw string) Policy {
	t := strings.TrimSpace(raw)
	if t == "" {
		return Policy{Mode: PolicyNone}
	}
	lower := strings.ToLower(t)
	if noneTokens[lower] {
		return Policy{Mode: PolicyNone}
	}
	if lower == "auto" {
		return Policy{Mode: PolicyAuto}
	}
	return Policy{Mode: PolicyDefined, Value: t}
}

// GenerateToken returns a random URL-safe token of 22 characters (16 bytes of entropy)
func GenerateToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// PasswordResolver computes the admission secret for each server instance.
//
// Layers are consulted in order: the instance policy, then the master
// policy, then the literal given on the command line. A master "auto"
// token is generated at most once per resolver and shared by every
// instance that inherits it; an instance "auto" token is generated fresh
// on every call and never cached.
type PasswordResolver struct {
	master    Policy
	instances map[int]Policy
	fallback  string

	generate func() (string, error)

	masterOnce  sync.Once
	masterToken string
	masterErr   error
}

// NewPasswordResolver creates a resolver. instances may be nil.
func NewPasswordResolver(master Policy, instances map[int]Policy, fallback string) *PasswordResolver {
	if instances == nil {
		instances = make(map[int]Policy)
	}
	return &PasswordResolver{
		master:    master,
		instances: instances,
		fallback:  fallback,
		generate:  GenerateToken,
	}
}

// Resolve returns the password for an instance number. An empty string
// means no password is required.
func (r *PasswordResolver) Resolve(instance int) (string, error) {
	inst := r.instances[instance]

	switch inst.Mode {
	case PolicyDefined:
		log.Printf("[security] Using explicit password for instance %d.", instance)
		return inst.Value, nil

	case PolicyAuto:
		pw, err := r.generate()
		if err != nil {
			return "", fmt.Errorf("instance %d: %w", instance, err)
		}
		log.Printf("[security] Generated password for instance %d (auto): %s", instance, pw)
		return pw, nil
	}

	pw, err := r.masterPassword()
	if err != nil {
		return "", fmt.Errorf("instance %d: %w", instance, err)
	}
	if pw != "" {
		log.Printf("[security] Using master password for instance %d.", instance)
		return pw, nil
	}

	if r.fallback != "" {
		log.Printf("[security] Using explicit CLI password for instance %d.", instance)
		return r.fallback, nil
	}

	log.Printf("[security] No password required for instance %d.", instance)
	return "", nil
}

// masterPassword applies the master policy. The auto token is logged once,
// when it is generated; it cannot be recovered any other way.
func (r *PasswordResolver) masterPassword() (string, error) {
	switch r.master.Mode {
	case PolicyDefined:
		return r.master.Value, nil
	case PolicyAuto:
		r.masterOnce.Do(func() {
			r.masterToken, r.masterErr = r.generate()
			if r.masterErr == nil {
				log.Printf("[security] Generated master password (auto): %s", r.masterToken)
			}
		})
		return r.masterToken, r.masterErr
	}
	return "", nil
}
