// Package credential parses and validates the service-account key used to mint
// gateway access tokens.
package credential

import (
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/mail"
	"net/url"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tinywideclouds/go-push-delivery/pkg/dispatch"
)

// ConfigError reports a missing or malformed credential field.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("service account credential: %s: %s", e.Field, e.Reason)
}

// Is lets callers match with errors.Is(err, dispatch.ErrConfig).
func (e *ConfigError) Is(target error) bool {
	return target == dispatch.ErrConfig
}

// ServiceAccount is the parsed, immutable service-account key.
type ServiceAccount struct {
	clientEmail  string
	privateKeyID string
	privateKey   *rsa.PrivateKey
	tokenURI     string
	projectID    string
}

func (s *ServiceAccount) ClientEmail() string         { return s.clientEmail }
func (s *ServiceAccount) PrivateKeyID() string        { return s.privateKeyID }
func (s *ServiceAccount) PrivateKey() *rsa.PrivateKey { return s.privateKey }
func (s *ServiceAccount) TokenURI() string            { return s.tokenURI }
func (s *ServiceAccount) ProjectID() string           { return s.projectID }

// keyFile mirrors the JSON key file issued by the cloud console.
type keyFile struct {
	Type         string `json:"type"`
	ProjectID    string `json:"project_id"`
	PrivateKeyID string `json:"private_key_id"`
	PrivateKey   string `json:"private_key"`
	ClientEmail  string `json:"client_email"`
	TokenURI     string `json:"token_uri"`
}

// Load parses a raw JSON key. Any failure is a *ConfigError.
func Load(raw []byte) (*ServiceAccount, error) {
	var kf keyFile
	if err := json.Unmarshal(raw, &kf); err != nil {
		return nil, &ConfigError{Field: "key file", Reason: err.Error()}
	}

	if kf.Type != "" && kf.Type != "service_account" {
		return nil, &ConfigError{Field: "type", Reason: fmt.Sprintf("unsupported credential type %q", kf.Type)}
	}
	if strings.TrimSpace(kf.ClientEmail) == "" {
		return nil, &ConfigError{Field: "client_email", Reason: "missing"}
	}
	// A bare address only; display-name forms are not valid issuers.
	if addr, err := mail.ParseAddress(kf.ClientEmail); err != nil || addr.Address != kf.ClientEmail {
		return nil, &ConfigError{Field: "client_email", Reason: "malformed address"}
	}
	if strings.TrimSpace(kf.ProjectID) == "" {
		return nil, &ConfigError{Field: "project_id", Reason: "missing"}
	}
	if strings.TrimSpace(kf.PrivateKey) == "" {
		return nil, &ConfigError{Field: "private_key", Reason: "missing"}
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(kf.PrivateKey))
	if err != nil {
		return nil, &ConfigError{Field: "private_key", Reason: err.Error()}
	}
	if err := validateTokenURI(kf.TokenURI); err != nil {
		return nil, err
	}

	return &ServiceAccount{
		clientEmail:  kf.ClientEmail,
		privateKeyID: kf.PrivateKeyID,
		privateKey:   key,
		tokenURI:     kf.TokenURI,
		projectID:    kf.ProjectID,
	}, nil
}

// LoadFile reads and parses the key at path.
func LoadFile(path string) (*ServiceAccount, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Field: "key file", Reason: err.Error()}
	}
	return Load(raw)
}

func validateTokenURI(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return &ConfigError{Field: "token_uri", Reason: "missing"}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return &ConfigError{Field: "token_uri", Reason: err.Error()}
	}
	if (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return &ConfigError{Field: "token_uri", Reason: "must be an absolute http(s) URL"}
	}
	return nil
}
