package loaders

import (
	"context"
	"errors"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"

	"github.com/sotplane/datasync/internal/content"
	"github.com/sotplane/datasync/internal/database"
)

// SavedQueryLoader loads graphql_queries/<name>.graphql. Queries must parse.
type SavedQueryLoader struct {
	patterns
}

func NewSavedQueryLoader() Loader {
	return &SavedQueryLoader{patterns: compile("graphql_queries/*.graphql")}
}

func (*SavedQueryLoader) Kind() content.Kind { return content.SavedQueries }

func (l *SavedQueryLoader) Load(ctx context.Context, s *Session, path string, data []byte) ([]database.Change, error) {
	fail := func(err error) ([]database.Change, error) {
		return nil, &ParseError{Kind: l.Kind(), Path: path, Strict: true, Err: err}
	}

	doc, err := parser.ParseQuery(&ast.Source{Name: path, Input: string(data)})
	if err != nil {
		return fail(err)
	}
	if len(doc.Operations) == 0 {
		return fail(errors.New("no operation defined"))
	}

	name := stem(path)
	if err := s.unique(l.Kind(), name, path); err != nil {
		return fail(err)
	}

	c, err := s.UnitOfWork().UpsertSavedQuery(ctx, &database.SavedQuery{Name: name, Query: string(data), FilePath: path})
	if err != nil {
		return nil, err
	}
	return []database.Change{c}, nil
}
