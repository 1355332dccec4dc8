package credential_test

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-push-delivery/internal/credential"
	"github.com/tinywideclouds/go-push-delivery/pkg/dispatch"
)

func newPEMKey(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
}

func validKey(t *testing.T) map[string]string {
	return map[string]string{
		"type":           "service_account",
		"project_id":     "sales-tracking",
		"private_key_id": "kid-1",
		"private_key":    newPEMKey(t),
		"client_email":   "pusher@sales-tracking.iam.gserviceaccount.com",
		"token_uri":      "https://oauth2.googleapis.com/token",
	}
}

func marshal(t *testing.T, m map[string]string) []byte {
	b, err := json.Marshal(m)
	require.NoError(t, err)
	return b
}

func TestLoad(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		sa, err := credential.Load(marshal(t, validKey(t)))
		require.NoError(t, err)

		assert.Equal(t, "sales-tracking", sa.ProjectID())
		assert.Equal(t, "pusher@sales-tracking.iam.gserviceaccount.com", sa.ClientEmail())
		assert.Equal(t, "kid-1", sa.PrivateKeyID())
		assert.Equal(t, "https://oauth2.googleapis.com/token", sa.TokenURI())
		assert.NotNil(t, sa.PrivateKey())
	})

	testCases := []struct {
		name  string
		field string
		value string
	}{
		{name: "Missing client email", field: "client_email", value: ""},
		{name: "Client email without domain", field: "client_email", value: "pusher@"},
		{name: "Client email is not an address", field: "client_email", value: "not-an-email"},
		{name: "Client email with display name", field: "client_email", value: "Pusher <pusher@sales-tracking.iam.gserviceaccount.com>"},
		{name: "Missing project", field: "project_id", value: ""},
		{name: "Missing key", field: "private_key", value: ""},
		{name: "Garbage key", field: "private_key", value: "not a pem"},
		{name: "Missing token uri", field: "token_uri", value: ""},
		{name: "Relative token uri", field: "token_uri", value: "/token"},
		{name: "Wrong type", field: "type", value: "authorized_user"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			key := validKey(t)
			key[tc.field] = tc.value

			_, err := credential.Load(marshal(t, key))

			require.Error(t, err)
			assert.ErrorIs(t, err, dispatch.ErrConfig)
			var cfgErr *credential.ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tc.field, cfgErr.Field)
		})
	}

	t.Run("Malformed JSON", func(t *testing.T) {
		_, err := credential.Load([]byte("{"))
		assert.ErrorIs(t, err, dispatch.ErrConfig)
	})
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, os.WriteFile(path, marshal(t, validKey(t)), 0o600))

	sa, err := credential.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "sales-tracking", sa.ProjectID())

	_, err = credential.LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, dispatch.ErrConfig)
}
