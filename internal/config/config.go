package config

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/sotplane/datasync/internal/content"
)

// Internal configuration data structures for datasync.

// Root is the top-level configuration structure.
type Root struct {
	GitRoot          string                      `json:"git_root,omitempty"`
	Database         *Database                   `json:"database,omitempty"`
	Secrets          map[string]*Secret          `json:"secrets,omitempty"` // Schema validation overrides Secret to object type.
	CredentialGroups map[string]*CredentialGroup `json:"credential_groups,omitempty"`
	Repositories     map[string]*Repository      `json:"repositories,omitempty"`
	Inventory        Inventory                   `json:"inventory,omitzero"`
	Archive          *Archive                    `json:"archive,omitempty"`
	Service          *Service                    `json:"service,omitempty"`
}

// GitRootEnv overrides the configured git_root when set.
const GitRootEnv = "GIT_ROOT"

// GitRootDir returns the base directory holding one working tree per
// repository.
func (r *Root) GitRootDir() string {
	if dir := os.Getenv(GitRootEnv); dir != "" {
		return dir
	}
	if r.GitRoot != "" {
		return os.ExpandEnv(r.GitRoot)
	}
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "datasync", "git")
	}
	return filepath.Join(os.TempDir(), "datasync", "git")
}

// SetSQLitePersistentByDefault sets the database configuration to use a SQLite
// database stored in the given persistence directory if no other database configuration
// exists. This is used for the 'run' command to change its default behavior from other
// commands.
func (r *Root) SetSQLitePersistentByDefault(persistenceDir string) bool {
	if r.Database == nil {
		r.Database = &Database{}
	} else if r.Database.AWSRDS != nil {
		return false
	}

	if r.Database.SQL == nil {
		r.Database.SQL = &SQLDatabase{}
	}

	switch r.Database.SQL.Driver {
	case "", "sqlite3", "sqlite":
		if r.Database.SQL.DSN == "" {
			r.Database.SQL.Driver = "sqlite"
			r.Database.SQL.DSN = filepath.Join(persistenceDir, "sqlite.db")
		}
		return true
	}
	return false
}

// UnmarshalYAML implements the yaml.Unmarshaler interface for the Root struct. This
// lets us define resources in a more user-friendly way with mappings where keys are
// the resource names. It is also used to inject the secret store into each secret
// reference so that internal callers can resolve secret values as needed.
func (r *Root) UnmarshalYAML(bs []byte) error {
	type rawRoot Root // avoid recursive calls to UnmarshalYAML by type aliasing
	var raw rawRoot

	if err := yaml.Unmarshal(bs, &raw); err != nil {
		return fmt.Errorf("failed to decode Root: %w", err)
	}

	*r = Root(raw)
	return r.unmarshal(r)
}

func (r *Root) UnmarshalJSON(bs []byte) error {
	type rawRoot Root
	var raw rawRoot

	if err := json.Unmarshal(bs, &raw); err != nil {
		return fmt.Errorf("failed to decode Root: %w", err)
	}

	*r = Root(raw)
	return r.unmarshal(r)
}

func (*Root) unmarshal(raw *Root) error {
	for name := range raw.Secrets {
		raw.Secrets[name] = cmp.Or(raw.Secrets[name], &Secret{})
		raw.Secrets[name].Name = name
	}

	bind := func(ref *SecretRef) {
		if ref != nil {
			ref.value = raw.Secrets[ref.Name]
		}
	}

	for name := range raw.CredentialGroups {
		raw.CredentialGroups[name] = cmp.Or(raw.CredentialGroups[name], &CredentialGroup{})
		raw.CredentialGroups[name].Name = name
		for i := range raw.CredentialGroups[name].Secrets {
			bind(raw.CredentialGroups[name].Secrets[i].Secret)
		}
	}

	for name := range raw.Repositories {
		raw.Repositories[name] = cmp.Or(raw.Repositories[name], &Repository{})
		raw.Repositories[name].Name = name
		if raw.Repositories[name].Slug == "" {
			raw.Repositories[name].Slug = Slugify(name)
		}
	}

	if raw.Archive != nil {
		if raw.Archive.AmazonS3 != nil {
			bind(raw.Archive.AmazonS3.Credentials)
		}
		if raw.Archive.GCPCloudStorage != nil {
			bind(raw.Archive.GCPCloudStorage.Credentials)
		}
		if raw.Archive.AzureBlobStorage != nil {
			bind(raw.Archive.AzureBlobStorage.Credentials)
		}
	}

	if raw.Database != nil && raw.Database.AWSRDS != nil {
		bind(raw.Database.AWSRDS.Credentials)
	}

	return nil
}

func (r *Root) SortedSecrets() iter.Seq2[int, *Secret] {
	return iterator(r.Secrets, func(s *Secret) string { return s.Name })
}

func (r *Root) SortedCredentialGroups() iter.Seq2[int, *CredentialGroup] {
	return iterator(r.CredentialGroups, func(g *CredentialGroup) string { return g.Name })
}

func (r *Root) SortedRepositories() iter.Seq2[int, *Repository] {
	return iterator(r.Repositories, func(repo *Repository) string { return repo.Name })
}

func iterator[V any](m map[string]V, name func(V) string) func(func(int, V) bool) {
	names := make([]string, 0, len(m))
	for _, v := range m {
		names = append(names, name(v))
	}

	sort.Strings(names)

	return func(yield func(int, V) bool) {
		for i, name := range names {
			if !yield(i, m[name]) {
				return
			}
		}
	}
}

// Validate checks the semantic rules the JSON schema cannot express.
func (r *Root) Validate() error {
	var errs []error

	for _, g := range r.SortedCredentialGroups() {
		for _, s := range g.Secrets {
			if s.Secret == nil || s.Secret.value == nil {
				errs = append(errs, fmt.Errorf("credential group %q: secret %q not found", g.Name, s.Secret.name()))
			}
		}
	}

	repos := make([]*Repository, 0, len(r.Repositories))
	for _, repo := range r.SortedRepositories() {
		if err := repo.Validate(); err != nil {
			errs = append(errs, err)
		}
		if repo.CredentialGroup != nil {
			if _, ok := r.CredentialGroups[*repo.CredentialGroup]; !ok {
				errs = append(errs, fmt.Errorf("repository %q: credential group %q not found", repo.Name, *repo.CredentialGroup))
			}
		}
		for _, other := range repos {
			if err := CheckProvidedContent(repo, other); err != nil {
				errs = append(errs, err)
			}
		}
		repos = append(repos, repo)
	}

	if r.Archive != nil {
		errs = append(errs, r.Archive.Validate())
	}

	slugs := make(map[string]string, len(r.Repositories))
	for _, repo := range r.SortedRepositories() {
		if other, ok := slugs[repo.Slug]; ok {
			errs = append(errs, fmt.Errorf("repositories %q and %q share slug %q", other, repo.Name, repo.Slug))
		}
		slugs[repo.Slug] = repo.Name
	}

	return errors.Join(errs...)
}

func Validate(data []byte) error {
	var config any
	if err := yaml.Unmarshal(data, &config); err != nil {
		return err
	}

	return rootSchema.Validate(config)
}

func ParseFile(filename string) (root *Root, err error) {
	bs, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	return Parse(bs)
}

func Parse(bs []byte) (*Root, error) {
	if err := Validate(bs); err != nil {
		return nil, err
	}

	var root Root
	if err := yaml.Unmarshal(bs, &root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := root.Validate(); err != nil {
		return nil, err
	}

	return &root, nil
}

// DefaultBranch is checked out when a repository names no branch.
const DefaultBranch = "main"

// Repository defines a Git remote whose files are synchronized into the database.
type Repository struct {
	Name             string    `json:"-"`
	Slug             string    `json:"slug,omitempty" pattern:"^[a-z0-9_-]+$"`
	RemoteURL        string    `json:"remote_url"`
	Branch           string    `json:"branch,omitempty"` // Branch name, tag or commit hash.
	Depth            int       `json:"depth,omitempty" minimum:"0"`
	CredentialGroup  *string   `json:"credential_group,omitempty"`
	ProvidedContents StringSet `json:"provided_contents,omitempty"`
	SyncInterval     Duration  `json:"sync_interval,omitzero"`

	_ struct{} `additionalProperties:"false"`
}

var slugPattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// Slugify derives a slug from a repository name.
func Slugify(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func (r *Repository) Ref() string {
	return cmp.Or(r.Branch, DefaultBranch)
}

func (r *Repository) Contents() (content.Set, error) {
	return content.ParseSet(r.ProvidedContents)
}

// Validate checks a single repository definition in isolation.
func (r *Repository) Validate() error {
	if !slugPattern.MatchString(r.Slug) {
		return fmt.Errorf("repository %q: invalid slug %q", r.Name, r.Slug)
	}
	if err := ValidateRemoteURL(r.RemoteURL); err != nil {
		return fmt.Errorf("repository %q: %w", r.Name, err)
	}
	if r.Depth < 0 {
		return fmt.Errorf("repository %q: depth must not be negative", r.Name)
	}
	if _, err := r.Contents(); err != nil {
		return fmt.Errorf("repository %q: %w", r.Name, err)
	}
	return nil
}

func (r *Repository) Equal(other *Repository) bool {
	return fastEqual(r, other, func(r, other *Repository) bool {
		return r.Name == other.Name &&
			r.Slug == other.Slug &&
			r.RemoteURL == other.RemoteURL &&
			r.Branch == other.Branch &&
			r.Depth == other.Depth &&
			stringPtrEqual(r.CredentialGroup, other.CredentialGroup) &&
			r.ProvidedContents.Equal(other.ProvidedContents) &&
			r.SyncInterval == other.SyncInterval
	})
}

// ValidateRemoteURL accepts absolute http:// and https:// URLs only.
func ValidateRemoteURL(remote string) error {
	u, err := url.Parse(remote)
	if err != nil {
		return fmt.Errorf("invalid remote URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported remote URL scheme %q: only http and https are supported", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("remote URL has no host")
	}
	return nil
}

// DuplicateProvidedContentError reports two repositories pointing at the same
// remote that both claim to provide some content kind.
type DuplicateProvidedContentError struct {
	Repository string
	Other      string
	RemoteURL  string
	Kinds      content.Set
}

func (e *DuplicateProvidedContentError) Error() string {
	return fmt.Sprintf("repositories %q and %q share remote %s and both provide %s", e.Other, e.Repository, e.RemoteURL, e.Kinds)
}

// CheckProvidedContent returns a *DuplicateProvidedContentError when a and b
// share a remote URL and their provided contents overlap.
func CheckProvidedContent(a, b *Repository) error {
	if a.Name == b.Name || strings.TrimSuffix(a.RemoteURL, "/") != strings.TrimSuffix(b.RemoteURL, "/") {
		return nil
	}

	ka, err := a.Contents()
	if err != nil {
		return err
	}
	kb, err := b.Contents()
	if err != nil {
		return err
	}

	if overlap := ka.Intersect(kb); len(overlap) > 0 {
		return &DuplicateProvidedContentError{Repository: a.Name, Other: b.Name, RemoteURL: a.RemoteURL, Kinds: overlap}
	}
	return nil
}

// Access types and roles of the secrets in a credential group.
const (
	AccessTypeHTTP    = "http"
	AccessTypeGeneric = "generic"

	RoleUsername = "username"
	RoleToken    = "token"
	RolePassword = "password"
)

// CredentialGroup is a named collection of secret references, each tagged
// with the access type and role it serves.
type CredentialGroup struct {
	Name    string                  `json:"-"`
	Secrets []CredentialGroupSecret `json:"secrets"`

	_ struct{} `additionalProperties:"false"`
}

type CredentialGroupSecret struct {
	Secret     *SecretRef `json:"secret"`
	AccessType string     `json:"access_type" enum:"http,generic"`
	Role       string     `json:"role" enum:"username,token,password"`

	_ struct{} `additionalProperties:"false"`
}

// Lookup returns the secret serving role for accessType, or nil.
func (g *CredentialGroup) Lookup(accessType, role string) *SecretRef {
	if g == nil {
		return nil
	}
	for _, s := range g.Secrets {
		if s.AccessType == accessType && s.Role == role {
			return s.Secret
		}
	}
	return nil
}

func (g *CredentialGroup) Equal(other *CredentialGroup) bool {
	return fastEqual(g, other, func(g, other *CredentialGroup) bool {
		return g.Name == other.Name && slices.EqualFunc(g.Secrets, other.Secrets, func(a, b CredentialGroupSecret) bool {
			return a.AccessType == b.AccessType && a.Role == b.Role && a.Secret.Equal(b.Secret)
		})
	})
}

// Inventory lists the records, by natural key, that contexts may be attached to.
type Inventory struct {
	Devices         StringSet `json:"devices,omitempty"`
	DeviceTypes     StringSet `json:"device_types,omitempty"`
	Locations       StringSet `json:"locations,omitempty"`
	Platforms       StringSet `json:"platforms,omitempty"`
	Regions         StringSet `json:"regions,omitempty"`
	Roles           StringSet `json:"roles,omitempty"`
	Tags            StringSet `json:"tags,omitempty"`
	Tenants         StringSet `json:"tenants,omitempty"`
	VirtualMachines StringSet `json:"virtual_machines,omitempty"`

	_ struct{} `additionalProperties:"false"`
}

// InventoryRecord is one (kind, name) pair of the inventory.
type InventoryRecord struct {
	Kind string
	Name string
}

// Records returns every record, ordered by kind and name.
func (i Inventory) Records() []InventoryRecord {
	var out []InventoryRecord
	add := func(kind string, names StringSet) {
		for _, n := range slices.Sorted(slices.Values(names)) {
			out = append(out, InventoryRecord{Kind: kind, Name: n})
		}
	}
	add("device", i.Devices)
	add("device_type", i.DeviceTypes)
	add("location", i.Locations)
	add("platform", i.Platforms)
	add("region", i.Regions)
	add("role", i.Roles)
	add("tag", i.Tags)
	add("tenant", i.Tenants)
	add("virtual_machine", i.VirtualMachines)
	return out
}

// Archive configures where sync outcomes are copied after every sync.
type Archive struct {
	AmazonS3          *AmazonS3          `json:"aws,omitempty"`
	GCPCloudStorage   *GCPCloudStorage   `json:"gcp,omitempty"`
	AzureBlobStorage  *AzureBlobStorage  `json:"azure,omitempty"`
	FileSystemStorage *FileSystemStorage `json:"filesystem,omitempty"`
}

func (a *Archive) Validate() error {
	var n int
	for _, set := range []bool{a.AmazonS3 != nil, a.GCPCloudStorage != nil, a.AzureBlobStorage != nil, a.FileSystemStorage != nil} {
		if set {
			n++
		}
	}
	if n != 1 {
		return errors.New("archive: exactly one of aws, gcp, azure or filesystem must be configured")
	}
	return nil
}

type AmazonS3 struct {
	Bucket      string     `json:"bucket"`
	Prefix      string     `json:"prefix,omitempty"`
	Region      string     `json:"region,omitempty"`
	URL         string     `json:"url,omitempty"` // Custom endpoint, e.g. for S3-compatible services.
	Credentials *SecretRef `json:"credentials,omitempty"`

	_ struct{} `additionalProperties:"false"`
}

type GCPCloudStorage struct {
	Project     string     `json:"project"`
	Bucket      string     `json:"bucket"`
	Prefix      string     `json:"prefix,omitempty"`
	Credentials *SecretRef `json:"credentials,omitempty"`

	_ struct{} `additionalProperties:"false"`
}

type AzureBlobStorage struct {
	AccountURL  string     `json:"account_url"`
	Container   string     `json:"container"`
	Prefix      string     `json:"prefix,omitempty"`
	Credentials *SecretRef `json:"credentials,omitempty"`

	_ struct{} `additionalProperties:"false"`
}

type FileSystemStorage struct {
	Path string `json:"path"`

	_ struct{} `additionalProperties:"false"`
}

type Database struct {
	SQL    *SQLDatabase `json:"sql,omitempty"`
	AWSRDS *AmazonRDS   `json:"aws_rds,omitempty"`
}

type SQLDatabase struct {
	Driver string `json:"driver" enum:"sqlite,sqlite3,postgres,pgx,mysql"`
	DSN    string `json:"dsn"`
}

type AmazonRDS struct {
	Region       string     `json:"region"`
	Endpoint     string     `json:"endpoint"` // hostname:port
	Driver       string     `json:"driver"`   // mysql or postgres
	DatabaseUser string     `json:"database_user"`
	DatabaseName string     `json:"database_name"`
	DSN          string     `json:"dsn,omitempty"`
	Credentials  *SecretRef `json:"credentials,omitempty"`
	// RootCertificates points to PEM-encoded root certificate bundle file. If empty, the default system
	// root CA certificates are used.
	RootCertificates string `json:"root_certificates,omitempty"`
}

type Service struct {
	Workers        int      `json:"workers,omitempty" minimum:"1"`
	Interval       Duration `json:"sync_interval,omitzero"` // Default interval for repositories that set none.
	MetricsAddress string   `json:"metrics_address,omitempty"`
	// ApiPrefix prefixes the health and metrics endpoints. It must start with `/` and not end with `/`.
	ApiPrefix string `json:"api_prefix,omitempty" pattern:"^/([^/].*[^/])?$"`

	_ struct{} `additionalProperties:"false"`
}

// Instead of marshaling and unmarshaling as int64 it uses strings, like "5m" or "0.5s".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	val, err := time.ParseDuration(str)
	*d = Duration(val)
	return err
}

func (d *Duration) UnmarshalYAML(bs []byte) error {
	var s string
	if err := yaml.Unmarshal(bs, &s); err != nil {
		return err
	}
	val, err := time.ParseDuration(s)
	*d = Duration(val)
	return err
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

type StringSet []string

func (a StringSet) Equal(b StringSet) bool {
	return setEqual(a, b, func(s string) string { return s }, func(a, b string) bool { return a == b })
}

func setEqual[K comparable, V any](a, b []V, key func(V) K, eq func(a, b V) bool) bool {
	if len(a) != len(b) {
		return false
	}

	m := make(map[K]V, len(a))
	for _, v := range a {
		m[key(v)] = v
	}

	for _, v := range b {
		w, ok := m[key(v)]
		if !ok || !eq(v, w) {
			return false
		}
	}

	return true
}

func stringPtrEqual(a, b *string) bool {
	return fastEqual(a, b, func(a, b *string) bool { return *a == *b })
}

func fastEqual[V any](a, b *V, slowEqual func(a, b *V) bool) bool {
	if a == b {
		return true
	}

	if a == nil || b == nil {
		return false
	}

	return slowEqual(a, b)
}
