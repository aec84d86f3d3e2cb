package loaders

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/goccy/go-yaml"
	lru "github.com/hashicorp/golang-lru"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

const metadataKey = "_metadata"

const defaultSchemaCacheSize = 256

// document parses a JSON or YAML file into an object.
func document(name string, data []byte) (map[string]any, error) {
	var doc map[string]any

	switch strings.ToLower(path.Ext(name)) {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
		if dec.More() {
			return nil, errors.New("invalid JSON: trailing data after the top-level value")
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("invalid YAML: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported file extension %q", path.Ext(name))
	}

	if doc == nil {
		return nil, errors.New("document must be an object")
	}
	return doc, nil
}

// split removes the metadata block from doc.
func split(doc map[string]any) (metadata map[string]any, data map[string]any, err error) {
	raw, ok := doc[metadataKey]
	delete(doc, metadataKey)
	if !ok || raw == nil {
		return nil, doc, nil
	}

	metadata, ok = raw.(map[string]any)
	if !ok {
		return nil, nil, fmt.Errorf("%s must be an object", metadataKey)
	}
	return metadata, doc, nil
}

// decode maps metadata onto a struct using its json tags.
func decode(input any, output any) error {
	config := &mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           output,
		WeaklyTypedInput: true,
	}

	decoder, err := mapstructure.NewDecoder(config)
	if err != nil {
		return err
	}

	return decoder.Decode(input)
}

// canonical renders v as JSON with sorted keys, so that unchanged files
// produce byte-identical data.
func canonical(v any) (json.RawMessage, error) {
	bs, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return bs, nil
}

// names accepts a list of strings or of objects carrying a name.
func names(field string, v any) ([]string, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%s must be a list", field)
	}

	out := make([]string, 0, len(items))
	for _, item := range items {
		switch item := item.(type) {
		case string:
			out = append(out, item)
		case map[string]any:
			name, ok := item["name"].(string)
			if !ok {
				return nil, fmt.Errorf("%s: entries must have a name", field)
			}
			out = append(out, name)
		default:
			return nil, fmt.Errorf("%s: entries must be names", field)
		}
	}
	return out, nil
}

func stem(name string) string {
	base := path.Base(name)
	return strings.TrimSuffix(base, path.Ext(base))
}

// SchemaCache holds compiled JSON schemas keyed by the hash of their source.
type SchemaCache struct {
	cache *lru.Cache
}

func NewSchemaCache(size int) *SchemaCache {
	cache, err := lru.New(size)
	if err != nil {
		panic(err)
	}
	return &SchemaCache{cache: cache}
}

// Compile returns the compiled form of a JSON schema document.
func (c *SchemaCache) Compile(schema json.RawMessage) (*jsonschema.Schema, error) {
	sum := sha256.Sum256(schema)
	key := hex.EncodeToString(sum[:])

	if v, ok := c.cache.Get(key); ok {
		return v.(*jsonschema.Schema), nil
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schema))
	if err != nil {
		return nil, err
	}

	compiler := jsonschema.NewCompiler()
	compiler.DefaultDraft(jsonschema.Draft2020)
	url := key + ".json"
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, err
	}

	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, err
	}

	c.cache.Add(key, compiled)
	return compiled, nil
}

// Validate checks data, a JSON document, against schema.
func (c *SchemaCache) Validate(schema, data json.RawMessage) error {
	compiled, err := c.Compile(schema)
	if err != nil {
		return fmt.Errorf("invalid schema: %w", err)
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return err
	}

	return compiled.Validate(doc)
}
