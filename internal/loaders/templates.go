package loaders

import (
	"context"
	"path"
	"strings"

	"github.com/sotplane/datasync/internal/content"
	"github.com/sotplane/datasync/internal/database"
)

// ExportTemplateLoader loads export_templates/<app>/<model>/<name>. The file
// is the template code; its extension is the extension of exported files.
type ExportTemplateLoader struct {
	patterns
}

func NewExportTemplateLoader() Loader {
	return &ExportTemplateLoader{patterns: compile("export_templates/*/*/*")}
}

func (*ExportTemplateLoader) Kind() content.Kind { return content.ExportTemplates }

func (*ExportTemplateLoader) Load(ctx context.Context, s *Session, file string, data []byte) ([]database.Change, error) {
	parts := strings.Split(file, "/")
	app, model, name := strings.ToLower(parts[1]), strings.ToLower(parts[2]), parts[3]
	contentType := app + "." + model

	if !content.KnownContentType(app, model) {
		return nil, &UnknownContentTypeError{Path: file, ContentType: contentType}
	}

	c, err := s.UnitOfWork().UpsertExportTemplate(ctx, &database.ExportTemplate{
		ContentType:   contentType,
		Name:          name,
		TemplateCode:  string(data),
		FileExtension: strings.TrimPrefix(path.Ext(name), "."),
		FilePath:      file,
	})
	if err != nil {
		return nil, err
	}
	return []database.Change{c}, nil
}
