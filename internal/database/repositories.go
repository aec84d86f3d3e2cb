package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sotplane/datasync/internal/config"
	"github.com/sotplane/datasync/internal/progress"
)

// OwnerKindRepository marks artifacts provided by a Git repository.
const OwnerKindRepository = "repository"

// Owner identifies the record that provided a synchronized artifact.
type Owner struct {
	Kind string
	ID   int64
}

func (o Owner) String() string {
	return fmt.Sprintf("%s:%d", o.Kind, o.ID)
}

// Repository is a stored repository definition together with its sync state.
type Repository struct {
	*config.Repository
	ID          int64
	CurrentHead string
}

func (r *Repository) Owner() Owner {
	return Owner{Kind: OwnerKindRepository, ID: r.ID}
}

// LoadConfig stores all configuration objects of root. Objects are upserted by name.
func (d *Database) LoadConfig(ctx context.Context, bar *progress.Bar, root *config.Root) error {
	records := root.Inventory.Records()
	bar.AddMax(len(root.Secrets) + len(root.CredentialGroups) + len(records) + len(root.Repositories))

	for _, secret := range root.SortedSecrets() {
		if err := d.UpsertSecret(ctx, secret); err != nil {
			return fmt.Errorf("upsert secret %q failed: %w", secret.Name, err)
		}
		bar.Add(1)
	}

	for _, group := range root.SortedCredentialGroups() {
		if err := d.UpsertCredentialGroup(ctx, group); err != nil {
			return fmt.Errorf("upsert credential group %q failed: %w", group.Name, err)
		}
		bar.Add(1)
	}

	for _, rec := range records {
		if _, err := d.UpsertInventoryRecord(ctx, rec.Kind, rec.Name); err != nil {
			return fmt.Errorf("upsert %s %q failed: %w", rec.Kind, rec.Name, err)
		}
		bar.Add(1)
	}

	for _, repo := range root.SortedRepositories() {
		if err := d.UpsertRepository(ctx, repo); err != nil {
			return fmt.Errorf("upsert repository %q failed: %w", repo.Name, err)
		}
		bar.Add(1)
	}

	return nil
}

func (d *Database) UpsertSecret(ctx context.Context, secret *config.Secret) error {
	value, err := json.Marshal(secret)
	if err != nil {
		return err
	}

	return tx1(ctx, d, func(tx *sql.Tx) error {
		_, err := d.save(ctx, tx, "secrets", []string{"name"}, []any{secret.Name}, []string{"value"}, string(value))
		return err
	})
}

func (d *Database) GetSecret(ctx context.Context, name string) (*config.Secret, error) {
	var value sql.NullString
	err := d.db.QueryRowContext(ctx, fmt.Sprintf("SELECT value FROM secrets WHERE name = %s", d.arg(0)), name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("secret %q: %w", name, ErrNotFound)
	} else if err != nil {
		return nil, err
	}

	return decodeSecret(name, value)
}

func decodeSecret(name string, value sql.NullString) (*config.Secret, error) {
	s := config.Secret{Name: name}
	if value.Valid && value.String != "" {
		if err := json.Unmarshal([]byte(value.String), &s); err != nil {
			return nil, fmt.Errorf("secret %q: %w", name, err)
		}
	}
	return &s, nil
}

// UpsertCredentialGroup stores the group and replaces its member secrets.
func (d *Database) UpsertCredentialGroup(ctx context.Context, group *config.CredentialGroup) error {
	return tx1(ctx, d, func(tx *sql.Tx) error {
		id, err := d.save(ctx, tx, "credential_groups", []string{"name"}, []any{group.Name}, nil)
		if err != nil {
			return err
		}

		if err := d.delete(ctx, tx, "credential_group_secrets", "group_id", id); err != nil {
			return err
		}

		for _, s := range group.Secrets {
			secretID, err := d.lookupID(ctx, tx, "secrets", s.Secret.Name)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				fmt.Sprintf("INSERT INTO credential_group_secrets (group_id, secret_id, access_type, role) VALUES (%s)", joinArgs(d.args(4))),
				id, secretID, s.AccessType, s.Role); err != nil {
				return err
			}
		}

		return nil
	})
}

// GetCredentialGroup returns the group with all secret references bound.
func (d *Database) GetCredentialGroup(ctx context.Context, name string) (*config.CredentialGroup, error) {
	return tx2(ctx, d, func(tx *sql.Tx) (*config.CredentialGroup, error) {
		if _, err := d.lookupID(ctx, tx, "credential_groups", name); err != nil {
			return nil, err
		}

		rows, err := tx.QueryContext(ctx, fmt.Sprintf(`SELECT s.name, s.value, m.access_type, m.role
FROM credential_groups g
JOIN credential_group_secrets m ON m.group_id = g.id
JOIN secrets s ON s.id = m.secret_id
WHERE g.name = %s
ORDER BY m.access_type, m.role`, d.arg(0)), name)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		group := config.CredentialGroup{Name: name}
		for rows.Next() {
			var secretName string
			var value sql.NullString
			var member config.CredentialGroupSecret
			if err := rows.Scan(&secretName, &value, &member.AccessType, &member.Role); err != nil {
				return nil, err
			}
			secret, err := decodeSecret(secretName, value)
			if err != nil {
				return nil, err
			}
			member.Secret = config.NewSecretRef(secret)
			group.Secrets = append(group.Secrets, member)
		}

		return &group, rows.Err()
	})
}

// UpsertInventoryRecord registers an inventory record and returns its id.
func (d *Database) UpsertInventoryRecord(ctx context.Context, kind, name string) (int64, error) {
	return tx2(ctx, d, func(tx *sql.Tx) (int64, error) {
		return d.save(ctx, tx, "inventory", []string{"kind", "name"}, []any{kind, name}, nil)
	})
}

// UpsertRepository stores the repository definition. The current head of an
// existing repository is kept. Repositories sharing the remote URL must not
// provide overlapping content kinds.
func (d *Database) UpsertRepository(ctx context.Context, repo *config.Repository) error {
	if err := repo.Validate(); err != nil {
		return err
	}

	contents, err := repo.Contents()
	if err != nil {
		return err
	}

	return tx1(ctx, d, func(tx *sql.Tx) error {
		others, err := d.listRepositories(ctx, tx)
		if err != nil {
			return err
		}
		for _, other := range others {
			if err := config.CheckProvidedContent(repo, other.Repository); err != nil {
				return err
			}
		}

		var groupID any
		if repo.CredentialGroup != nil {
			id, err := d.lookupID(ctx, tx, "credential_groups", *repo.CredentialGroup)
			if err != nil {
				return err
			}
			groupID = id
		}

		provided, err := json.Marshal(contents.Strings())
		if err != nil {
			return err
		}

		var interval any
		if repo.SyncInterval != 0 {
			interval = repo.SyncInterval.String()
		}

		_, err = d.save(ctx, tx, "repositories", []string{"name"}, []any{repo.Name},
			[]string{"slug", "remote_url", "branch", "depth", "credential_group_id", "provided_contents", "sync_interval"},
			repo.Slug, repo.RemoteURL, repo.Ref(), repo.Depth, groupID, string(provided), interval)
		return err
	})
}

func (d *Database) GetRepository(ctx context.Context, name string) (*Repository, error) {
	return tx2(ctx, d, func(tx *sql.Tx) (*Repository, error) {
		repos, err := d.queryRepositories(ctx, tx, fmt.Sprintf("WHERE r.name = %s", d.arg(0)), name)
		if err != nil {
			return nil, err
		}
		if len(repos) == 0 {
			return nil, fmt.Errorf("repository %q: %w", name, ErrNotFound)
		}
		return repos[0], nil
	})
}

// ListRepositories returns all repositories ordered by name.
func (d *Database) ListRepositories(ctx context.Context) ([]*Repository, error) {
	return tx2(ctx, d, func(tx *sql.Tx) ([]*Repository, error) {
		return d.listRepositories(ctx, tx)
	})
}

func (d *Database) listRepositories(ctx context.Context, tx *sql.Tx) ([]*Repository, error) {
	return d.queryRepositories(ctx, tx, "")
}

func (d *Database) queryRepositories(ctx context.Context, tx *sql.Tx, where string, args ...any) ([]*Repository, error) {
	rows, err := tx.QueryContext(ctx, `SELECT r.id, r.name, r.slug, r.remote_url, r.branch, r.depth, g.name, r.provided_contents, r.current_head, r.sync_interval
FROM repositories r
LEFT JOIN credential_groups g ON g.id = r.credential_group_id
`+where+`
ORDER BY r.name`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var repos []*Repository
	for rows.Next() {
		var (
			repo     = Repository{Repository: &config.Repository{}}
			group    sql.NullString
			provided sql.NullString
			interval sql.NullString
		)
		if err := rows.Scan(&repo.ID, &repo.Name, &repo.Slug, &repo.RemoteURL, &repo.Branch, &repo.Depth, &group, &provided, &repo.CurrentHead, &interval); err != nil {
			return nil, err
		}

		if group.Valid {
			repo.CredentialGroup = &group.String
		}
		if provided.Valid && provided.String != "" {
			if err := json.Unmarshal([]byte(provided.String), &repo.ProvidedContents); err != nil {
				return nil, fmt.Errorf("repository %q: provided contents: %w", repo.Name, err)
			}
		}
		if interval.Valid && interval.String != "" {
			dur, err := time.ParseDuration(interval.String)
			if err != nil {
				return nil, fmt.Errorf("repository %q: sync interval: %w", repo.Name, err)
			}
			repo.SyncInterval = config.Duration(dur)
		}

		repos = append(repos, &repo)
	}

	return repos, rows.Err()
}

// DeleteRepository removes the repository, every artifact it provided and its
// sync results in one transaction.
func (d *Database) DeleteRepository(ctx context.Context, name string) error {
	return tx1(ctx, d, func(tx *sql.Tx) error {
		id, err := d.lookupID(ctx, tx, "repositories", name)
		if err != nil {
			return err
		}

		owner := Owner{Kind: OwnerKindRepository, ID: id}
		for _, store := range ownedStores {
			if _, err := d.purge(ctx, tx, store, owner, nil); err != nil {
				return err
			}
		}

		return d.delete(ctx, tx, "repositories", "id", id)
	})
}
