package loaders

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"path"
	"slices"
	"strings"

	"github.com/sotplane/datasync/internal/content"
	"github.com/sotplane/datasync/internal/database"
)

const (
	defaultWeight   = 1000
	defaultIsActive = true
)

// SchemaLoader loads config_context_schemas/<file>.{json,yaml,yml}:
//
//	{"_metadata": {"name": "NTP", "description": "..."}, "data_schema": {...}}
type SchemaLoader struct {
	patterns
}

func NewSchemaLoader() Loader {
	return &SchemaLoader{patterns: compile("config_context_schemas/*.{json,yaml,yml}")}
}

func (*SchemaLoader) Kind() content.Kind { return content.ConfigContextSchemas }

type schemaMetadata struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (l *SchemaLoader) Load(ctx context.Context, s *Session, path string, data []byte) ([]database.Change, error) {
	schema, err := l.parse(s, path, data)
	if err != nil {
		return nil, &ParseError{Kind: l.Kind(), Path: path, Strict: true, Err: err}
	}

	c, err := s.UnitOfWork().UpsertConfigContextSchema(ctx, schema)
	if err != nil {
		return nil, err
	}
	s.loaded[schema.Name] = schema
	return []database.Change{c}, nil
}

func (l *SchemaLoader) parse(s *Session, path string, data []byte) (*database.ConfigContextSchema, error) {
	doc, err := document(path, data)
	if err != nil {
		return nil, err
	}

	raw, body, err := split(doc)
	if err != nil {
		return nil, err
	}

	var md schemaMetadata
	if err := decode(raw, &md); err != nil {
		return nil, fmt.Errorf("%s: %w", metadataKey, err)
	}
	if md.Name == "" {
		return nil, fmt.Errorf("%s.name is required", metadataKey)
	}

	dataSchema, ok := body["data_schema"]
	if !ok {
		return nil, errors.New("data_schema is required")
	}

	schema, err := canonical(dataSchema)
	if err != nil {
		return nil, err
	}
	if _, err := s.Schemas().Compile(schema); err != nil {
		return nil, fmt.Errorf("invalid data_schema: %w", err)
	}

	if err := s.unique(l.Kind(), md.Name, path); err != nil {
		return nil, err
	}

	return &database.ConfigContextSchema{Name: md.Name, Description: md.Description, DataSchema: schema, FilePath: path}, nil
}

// ContextLoader loads config_contexts/<file>.{json,yaml,yml}. Everything but
// the _metadata block is the context data:
//
//	_metadata:
//	  name: NTP servers
//	  weight: 1500
//	  config_context_schema: NTP
//	  locations: [dc1]
//	ntp-servers: [172.16.10.22]
type ContextLoader struct {
	patterns
}

func NewContextLoader() Loader {
	return &ContextLoader{patterns: compile("config_contexts/*.{json,yaml,yml}")}
}

func (*ContextLoader) Kind() content.Kind { return content.ConfigContexts }

type contextMetadata struct {
	Name        string         `json:"name"`
	Weight      *int           `json:"weight"`
	Description string         `json:"description"`
	IsActive    *bool          `json:"is_active"`
	Schema      string         `json:"config_context_schema"`
	Assignments map[string]any `json:",remain"`
}

func (l *ContextLoader) Load(ctx context.Context, s *Session, path string, data []byte) ([]database.Change, error) {
	fail := func(err error) ([]database.Change, error) {
		return nil, &ParseError{Kind: l.Kind(), Path: path, Err: err}
	}

	doc, err := document(path, data)
	if err != nil {
		return fail(err)
	}

	raw, body, err := split(doc)
	if err != nil {
		return fail(err)
	}

	var md contextMetadata
	if err := decode(raw, &md); err != nil {
		return fail(fmt.Errorf("%s: %w", metadataKey, err))
	}
	if md.Name == "" {
		return fail(fmt.Errorf("%s.name is required", metadataKey))
	}

	cc := &database.ConfigContext{
		Name:        md.Name,
		Weight:      defaultWeight,
		Description: md.Description,
		IsActive:    defaultIsActive,
		FilePath:    path,
	}
	if md.Weight != nil {
		cc.Weight = *md.Weight
	}
	if md.IsActive != nil {
		cc.IsActive = *md.IsActive
	}

	if cc.Data, err = canonical(body); err != nil {
		return fail(err)
	}

	uow := s.UnitOfWork()

	if md.Schema != "" {
		schema, err := s.schema(ctx, md.Schema)
		if errors.Is(err, database.ErrNotFound) {
			return fail(fmt.Errorf("config context schema %q not found", md.Schema))
		} else if err != nil {
			return nil, err
		}
		if err := s.Schemas().Validate(schema.DataSchema, cc.Data); err != nil {
			return fail(fmt.Errorf("data does not match config context schema %q: %w", md.Schema, err))
		}
		cc.SchemaID = &schema.ID
	}

	for _, field := range slices.Sorted(maps.Keys(md.Assignments)) {
		kind, ok := content.InventoryKinds[field]
		if !ok {
			return fail(fmt.Errorf("unknown %s key %q", metadataKey, field))
		}
		list, err := names(field, md.Assignments[field])
		if err != nil {
			return fail(err)
		}
		for _, name := range list {
			id, err := uow.LookupInventory(ctx, kind, name)
			if errors.Is(err, database.ErrNotFound) {
				return fail(fmt.Errorf("%s: no %s named %q", field, kind, name))
			} else if err != nil {
				return nil, err
			}
			cc.Assignments = append(cc.Assignments, database.InventoryRef{ID: id, Kind: kind, Name: name})
		}
	}

	if err := s.unique(l.Kind(), cc.Name, path); err != nil {
		return fail(err)
	}

	c, err := uow.UpsertConfigContext(ctx, cc)
	if err != nil {
		return nil, err
	}
	return []database.Change{c}, nil
}

// LocalContextLoader loads config_contexts/<records>/<name>.{json,yaml,yml}
// onto the local context data of the named device, virtual machine or
// location. The record name defaults to the file name.
type LocalContextLoader struct {
	patterns
}

func NewLocalContextLoader() Loader {
	dirs := slices.Sorted(maps.Keys(content.LocalContextKinds))
	return &LocalContextLoader{patterns: compile(fmt.Sprintf("config_contexts/{%s}/*.{json,yaml,yml}", strings.Join(dirs, ",")))}
}

func (*LocalContextLoader) Kind() content.Kind { return content.LocalConfigContexts }

type localContextMetadata struct {
	Name   string `json:"name"`
	Schema string `json:"config_context_schema"`
}

func (l *LocalContextLoader) Load(ctx context.Context, s *Session, file string, data []byte) ([]database.Change, error) {
	fail := func(err error) ([]database.Change, error) {
		return nil, &ParseError{Kind: l.Kind(), Path: file, Err: err}
	}

	kind := content.LocalContextKinds[path.Base(path.Dir(file))]

	doc, err := document(file, data)
	if err != nil {
		return fail(err)
	}

	raw, body, err := split(doc)
	if err != nil {
		return fail(err)
	}

	var md localContextMetadata
	if err := decode(raw, &md); err != nil {
		return fail(fmt.Errorf("%s: %w", metadataKey, err))
	}

	lc := &database.LocalContext{
		Record:   database.InventoryRef{Kind: kind, Name: cmp.Or(md.Name, stem(file))},
		FilePath: file,
	}
	if lc.Data, err = canonical(body); err != nil {
		return fail(err)
	}

	uow := s.UnitOfWork()

	if md.Schema != "" {
		schema, err := s.schema(ctx, md.Schema)
		if errors.Is(err, database.ErrNotFound) {
			return fail(fmt.Errorf("config context schema %q not found", md.Schema))
		} else if err != nil {
			return nil, err
		}
		if err := s.Schemas().Validate(schema.DataSchema, lc.Data); err != nil {
			return fail(fmt.Errorf("data does not match config context schema %q: %w", md.Schema, err))
		}
		lc.SchemaID = &schema.ID
	}

	if err := s.unique(l.Kind(), lc.Record.String(), file); err != nil {
		return fail(err)
	}

	c, err := uow.SetLocalContext(ctx, lc)
	if errors.Is(err, database.ErrNotFound) {
		return nil, &RecordNotFoundError{Path: file, Kind: kind, Name: lc.Record.Name, Err: err}
	} else if err != nil {
		return nil, err
	}
	return []database.Change{c}, nil
}
