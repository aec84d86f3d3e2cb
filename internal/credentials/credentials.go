// Package credentials resolves the secrets of a repository's credential group
// into the username and token embedded in its remote URL.
package credentials

import (
	"bytes"
	"context"
	"fmt"
	gohttp "net/http"
	"net/url"
	"os"
	"sync"

	"github.com/bradleyfalzon/ghinstallation/v2"

	"github.com/sotplane/datasync/internal/config"
	pkgsync "github.com/sotplane/datasync/pkg/sync"
)

// GitHubAppUsername is used with installation tokens minted for GitHub apps.
const GitHubAppUsername = "x-access-token"

// Credentials are embedded as userinfo into a remote URL. Either field may be empty.
type Credentials struct {
	Username string
	Token    string
}

func (c Credentials) Empty() bool {
	return c.Username == "" && c.Token == ""
}

// ResolutionError reports a credential group secret that could not be retrieved.
type ResolutionError struct {
	Group  string
	Secret string
	Role   string
	Err    error
}

func (e *ResolutionError) Error() string {
	if e.Secret == "" {
		return fmt.Sprintf("credential group %q: %v", e.Group, e.Err)
	}
	return fmt.Sprintf("credential group %q: %s secret %q: %v", e.Group, e.Role, e.Secret, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// GroupSource looks up credential groups with their secrets bound.
type GroupSource interface {
	GetCredentialGroup(ctx context.Context, name string) (*config.CredentialGroup, error)
}

type Resolver struct {
	groups   GroupSource
	provider pkgsync.SecretProvider
	gh       github
}

func NewResolver(groups GroupSource) *Resolver {
	return &Resolver{groups: groups}
}

// WithSecretProvider makes the resolver retrieve secret values from provider
// instead of the stored configuration. Secrets are still named by the group.
func (r *Resolver) WithSecretProvider(provider pkgsync.SecretProvider) *Resolver {
	r.provider = provider
	return r
}

// Resolve returns the credentials the group defines for accessType. A nil
// group resolves to empty credentials.
func (r *Resolver) Resolve(ctx context.Context, group *string, accessType string) (Credentials, error) {
	var creds Credentials
	if group == nil || *group == "" {
		return creds, nil
	}

	g, err := r.groups.GetCredentialGroup(ctx, *group)
	if err != nil {
		return creds, &ResolutionError{Group: *group, Err: err}
	}

	if ref := g.Lookup(accessType, config.RoleUsername); ref != nil {
		value, err := r.resolve(ctx, ref)
		if err != nil {
			return creds, &ResolutionError{Group: g.Name, Secret: ref.Name, Role: config.RoleUsername, Err: err}
		}
		if creds.Username, err = r.username(value); err != nil {
			return creds, &ResolutionError{Group: g.Name, Secret: ref.Name, Role: config.RoleUsername, Err: err}
		}
	}

	role := config.RoleToken
	ref := g.Lookup(accessType, role)
	if ref == nil {
		role = config.RolePassword
		ref = g.Lookup(accessType, role)
	}
	if ref != nil {
		value, err := r.resolve(ctx, ref)
		if err != nil {
			return creds, &ResolutionError{Group: g.Name, Secret: ref.Name, Role: role, Err: err}
		}
		token, username, err := r.token(ctx, value)
		if err != nil {
			return creds, &ResolutionError{Group: g.Name, Secret: ref.Name, Role: role, Err: err}
		}
		creds.Token = token
		if creds.Username == "" {
			creds.Username = username
		}
	}

	return creds, nil
}

func (r *Resolver) resolve(ctx context.Context, ref *config.SecretRef) (any, error) {
	if r.provider == nil {
		return ref.Resolve(ctx)
	}

	value, err := r.provider.GetSecret(ctx, ref.Name)
	if err != nil {
		return nil, err
	}
	secret := &config.Secret{Name: ref.Name, Value: value}
	return secret.Typed(ctx)
}

func (*Resolver) username(value any) (string, error) {
	switch value := value.(type) {
	case config.SecretText:
		return value.Value, nil
	case config.SecretBasicAuth:
		return value.Username, nil
	default:
		return "", fmt.Errorf("unsupported secret type %T for a username", value)
	}
}

// token returns the token and, for secret types that imply one, a username.
func (r *Resolver) token(ctx context.Context, value any) (string, string, error) {
	switch value := value.(type) {
	case config.SecretText:
		return value.Value, "", nil
	case config.SecretTokenAuth:
		return value.Token, "", nil
	case config.SecretPassword:
		return value.Password, "", nil
	case config.SecretBasicAuth:
		return value.Password, value.Username, nil
	case config.SecretGitHubApp:
		token, err := r.gh.Token(ctx, value.IntegrationID, value.InstallationID, value.PrivateKey)
		if err != nil {
			return "", "", err
		}
		return token, GitHubAppUsername, nil
	default:
		return "", "", fmt.Errorf("unsupported secret type %T for a token", value)
	}
}

// URL embeds the credentials into remote. Username and token are
// percent-encoded independently. A token without a username becomes the
// username, as expected by most Git hosting services.
func URL(remote string, creds Credentials) (string, error) {
	u, err := url.Parse(remote)
	if err != nil {
		return "", err
	}

	switch {
	case creds.Username != "" && creds.Token != "":
		u.User = url.UserPassword(creds.Username, creds.Token)
	case creds.Token != "":
		u.User = url.User(creds.Token)
	case creds.Username != "":
		u.User = url.User(creds.Username)
	}

	return u.String(), nil
}

// Redact removes any userinfo from a URL so that it can be logged.
func Redact(remote string) string {
	u, err := url.Parse(remote)
	if err != nil {
		return "<invalid URL>"
	}
	u.User = nil
	return u.String()
}

type github struct {
	integrationID  int64
	installationID int64
	privateKey     []byte
	tr             *ghinstallation.Transport
	mu             sync.Mutex
}

func (gh *github) Token(ctx context.Context, integrationID, installationID int64, privateKeyFile string) (string, error) {
	privateKey, err := os.ReadFile(privateKeyFile)
	if err != nil {
		return "", err
	}

	tr, err := gh.transport(integrationID, installationID, privateKey)
	if err != nil {
		return "", err
	}

	return tr.Token(ctx)
}

// transport caches the installation transport, and with it the token, for
// as long as the app identity does not change.
func (gh *github) transport(integrationID, installationID int64, privateKey []byte) (*ghinstallation.Transport, error) {
	gh.mu.Lock()
	defer gh.mu.Unlock()

	if gh.tr == nil || gh.integrationID != integrationID || gh.installationID != installationID || !bytes.Equal(gh.privateKey, privateKey) {
		tr, err := ghinstallation.New(gohttp.DefaultTransport, integrationID, installationID, privateKey)
		if err != nil {
			return nil, err
		}

		gh.integrationID = integrationID
		gh.installationID = installationID
		gh.privateKey = privateKey
		gh.tr = tr
	}

	return gh.tr, nil
}
