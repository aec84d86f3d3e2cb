// Package sync provides the interfaces external projects implement to plug
// their own infrastructure into the synchronization engine.
package sync

import "context"

// SecretProvider retrieves secrets from an external system, for example a
// vault, instead of the datasync configuration.
type SecretProvider interface {
	// GetSecret retrieves a secret by name. The map must include a "type"
	// field and the fields required by that type, using the same conventions
	// as secrets in the configuration file:
	//
	//   - "text": {"type": "text", "value": "..."}
	//   - "token_auth": {"type": "token_auth", "token": "ghp_abc123..."}
	//   - "basic_auth": {"type": "basic_auth", "username": "user", "password": "pass"}
	//   - "github_app_auth": {"type": "github_app_auth", "integration_id": 12345,
	//     "installation_id": 67890, "private_key": "/path/to/key.pem"}
	//
	// Returns an error if the secret cannot be retrieved or does not exist.
	GetSecret(ctx context.Context, name string) (map[string]any, error)
}
