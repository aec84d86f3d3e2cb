package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/goccy/go-yaml"
	"github.com/swaggest/jsonschema-go"
)

// Secret defines the configuration for secrets used for Git authentication, database
// access and archive uploads.
//
// Each secret is stored as a map of key-value pairs. Secret type is also declared in the config.
// For example, a token for HTTPS Git access might look like this (in YAML):
//
// gitlab_token:
//
//	type: token_auth
//	token: ${GITLAB_TOKEN}
//
// String values may refer to environment variables using the ${VAR_NAME} syntax; they
// are expanded on every use, never when the configuration is loaded.
//
// Currently the following secret types are supported:
//
//   - "text" for a literal value. Value for key "value" is expected.
//   - "env" for a value read from an environment variable. Value for key "variable" is expected.
//   - "file" for a value read from a file. Value for key "path" is expected.
//   - "basic_auth" for HTTP basic authentication. Values for keys "username" and "password" are expected.
//   - "token_auth" for token authentication. Value for a key "token" is expected.
//   - "password" for password authentication. Value for key "password" is expected.
//   - "github_app_auth" for GitHub App authentication. Values for keys "integration_id", "installation_id",
//     and "private_key" (path to a PEM file) are expected.
//   - "aws_auth" for AWS authentication. Values for keys "access_key_id", "secret_access_key", and optional
//     "session_token" are expected.
//   - "azure_auth" for Azure authentication. Values for keys "account_name" and "account_key" are expected.
//   - "gcp_auth" for Google Cloud authentication. Value for a key "api_key" or "credentials" is expected.
type Secret struct {
	Name  string         `json:"-"`
	Value map[string]any `json:"-"`
}

func (s *Secret) Ref() *SecretRef {
	return &SecretRef{Name: s.Name, value: s}
}

func (*Secret) PrepareJSONSchema(schema *jsonschema.Schema) error {
	schema.Type = nil
	schema.AddType(jsonschema.Object)
	return nil
}

func (s *Secret) MarshalYAML() (any, error) {
	if len(s.Value) == 0 {
		return map[string]any{}, nil
	}
	return s.Value, nil
}

func (s *Secret) MarshalJSON() ([]byte, error) {
	v, err := s.MarshalYAML()
	if err != nil {
		return nil, err
	}

	return json.Marshal(v)
}

func (s *Secret) UnmarshalYAML(bs []byte) error {
	if err := yaml.Unmarshal(bs, &s.Value); err != nil {
		return fmt.Errorf("expected mapping node: %w", err)
	}
	return nil
}

func (s *Secret) UnmarshalJSON(bs []byte) error {
	return json.Unmarshal(bs, &s.Value)
}

func (s *Secret) Equal(other *Secret) bool {
	return fastEqual(s, other, func(s, other *Secret) bool {
		return s.Name == other.Name && reflect.DeepEqual(s.Value, other.Value)
	})
}

// get retrieves the values from any external source as necessary.
func (s *Secret) get() map[string]any {
	value := make(map[string]any, len(s.Value))

	for k, v := range s.Value {
		switch v := v.(type) {
		case string:
			value[k] = os.ExpandEnv(v)
		default: // Keep non-string values as is
			value[k] = v
		}
	}

	return value
}

// Typed decodes the secret into one of the Secret* types below. Secrets of
// type "env" and "file" are read here, so failures to reach their backing
// store surface as errors.
func (s *Secret) Typed(context.Context) (any, error) {
	m := s.get()

	if len(m) == 0 {
		return nil, fmt.Errorf("secret %q is not configured", s.Name)
	}

	switch m["type"] {
	case "text":
		var value SecretText
		if err := decode(m, &value); err != nil {
			return nil, err
		}
		return value, nil

	case "env":
		var value SecretEnv
		if err := decode(m, &value); err != nil {
			return nil, err
		} else if value.Variable == "" {
			return nil, errors.New("missing variable in env secret")
		}
		v, ok := os.LookupEnv(value.Variable)
		if !ok {
			return nil, fmt.Errorf("environment variable %s is not set", value.Variable)
		}
		return SecretText{Value: v}, nil

	case "file":
		var value SecretFile
		if err := decode(m, &value); err != nil {
			return nil, err
		} else if value.Path == "" {
			return nil, errors.New("missing path in file secret")
		}
		bs, err := os.ReadFile(value.Path)
		if err != nil {
			return nil, err
		}
		return SecretText{Value: strings.TrimRight(string(bs), "\r\n")}, nil

	case "aws_auth":
		var value SecretAWS

		if err := decode(m, &value); err != nil {
			return nil, err
		} else if value.AccessKeyID == "" || value.SecretAccessKey == "" {
			return nil, errors.New("missing access_key_id or secret_access_key in AWS secret")
		}

		return value, nil

	case "azure_auth":
		var value SecretAzure

		if err := decode(m, &value); err != nil {
			return nil, err
		} else if value.AccountName == "" || value.AccountKey == "" {
			return nil, errors.New("missing account_name or account_key in Azure secret")
		}

		return value, nil

	case "gcp_auth":
		var value SecretGCP

		if err := decode(m, &value); err != nil {
			return nil, err
		} else if value.APIKey == "" && value.Credentials == "" {
			return nil, errors.New("missing api_key or credentials in GCP secret")
		}

		return value, nil

	case "github_app_auth":
		var value SecretGitHubApp

		if err := decode(m, &value); err != nil {
			return nil, err
		}

		return value, nil

	case "basic_auth":
		var value SecretBasicAuth
		if err := decode(m, &value); err != nil {
			return nil, err
		}

		return value, nil

	case "token_auth":
		var value SecretTokenAuth
		if err := decode(m, &value); err != nil {
			return nil, err
		}

		return value, nil

	case "password":
		var value SecretPassword
		if err := decode(m, &value); err != nil {
			return nil, err
		}

		return value, nil

	default:
		return nil, fmt.Errorf("unknown secret type %q", s.Value["type"])
	}
}

type SecretText struct {
	Value string `json:"value"`
}

type SecretEnv struct {
	Variable string `json:"variable"`
}

type SecretFile struct {
	Path string `json:"path"`
}

type SecretAWS struct {
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	SessionToken    string `json:"session_token"`
}

type SecretGCP struct {
	APIKey      string `json:"api_key"`
	Credentials string `json:"credentials"` // Credentials file as JSON.
}

type SecretAzure struct {
	AccountName string `json:"account_name"`
	AccountKey  string `json:"account_key"`
}

type SecretGitHubApp struct {
	IntegrationID  int64  `json:"integration_id"`
	InstallationID int64  `json:"installation_id"`
	PrivateKey     string `json:"private_key"` // Path to the private key PEM file.
}

type SecretBasicAuth struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type SecretTokenAuth struct {
	Token string `json:"token"`
}

type SecretPassword struct {
	Password string `json:"password"`
}

// we use this one so we don't need duplicate tags on every struct
func decode(input any, output any) error {
	config := &mapstructure.DecoderConfig{
		TagName:          "json",
		Metadata:         nil,
		Result:           output,
		WeaklyTypedInput: true,
	}

	decoder, err := mapstructure.NewDecoder(config)
	if err != nil {
		return err
	}

	return decoder.Decode(input)
}

// SecretRef names a secret and, once the configuration is loaded, carries
// the secret itself.
type SecretRef struct {
	Name  string `json:"-"`
	value *Secret
}

// NewSecretRef returns a reference bound to value.
func NewSecretRef(value *Secret) *SecretRef {
	return &SecretRef{Name: value.Name, value: value}
}

func (s *SecretRef) name() string {
	if s == nil {
		return ""
	}
	return s.Name
}

// Bound reports whether the referenced secret was found.
func (s *SecretRef) Bound() bool {
	return s != nil && s.value != nil
}

// Resolve retrieves the secret value from the secret store. If the secret is not found, an error is returned.
// If the secret is found, it returns the value as an interface{} which can be further typed as needed.
func (s *SecretRef) Resolve(ctx context.Context) (any, error) {
	if s.value == nil {
		return nil, fmt.Errorf("secret %q not found", s.Name)
	}

	return s.value.Typed(ctx)
}

func (*SecretRef) PrepareJSONSchema(schema *jsonschema.Schema) error {
	schema.Type = nil
	schema.AddType(jsonschema.String)
	schema.Properties = nil
	schema.AdditionalProperties = nil
	return nil
}

func (s *SecretRef) MarshalYAML() (any, error) {
	if s.Name == "" {
		return nil, nil
	}
	return s.Name, nil
}

func (s *SecretRef) MarshalJSON() ([]byte, error) {
	v, err := s.MarshalYAML()
	if err != nil {
		return nil, err
	}

	return json.Marshal(v)
}

func (s *SecretRef) UnmarshalYAML(bs []byte) error {
	if err := yaml.Unmarshal(bs, &s.Name); err != nil {
		return fmt.Errorf("expected scalar node: %w", err)
	}
	return nil
}

func (s *SecretRef) UnmarshalJSON(bs []byte) error {
	if err := json.Unmarshal(bs, &s.Name); err != nil {
		return fmt.Errorf("failed to unmarshal SecretRef: %w", err)
	}

	return nil
}

func (s *SecretRef) Equal(other *SecretRef) bool {
	return fastEqual(s, other, func(s, other *SecretRef) bool {
		return s.Name == other.Name && s.value.Equal(other.value)
	})
}
