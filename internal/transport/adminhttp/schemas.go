package adminhttp

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBase = "mem://blocklog/admin/"

// Request schemas by name (file name without .json).
const (
	schemaSelection         = "selection"
	schemaRollbackPlayer    = "rollback_player"
	schemaRollbackArea      = "rollback_area"
	schemaInventoryRollback = "inventory_rollback"
)

func compileSchemas() (map[string]*jsonschema.Schema, error) {
	ents, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	for _, e := range ents {
		b, err := schemaFS.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			return nil, err
		}
		if err := c.AddResource(schemaBase+e.Name(), bytes.NewReader(b)); err != nil {
			return nil, fmt.Errorf("schema %s: %w", e.Name(), err)
		}
	}
	out := map[string]*jsonschema.Schema{}
	for _, name := range []string{schemaSelection, schemaRollbackPlayer, schemaRollbackArea, schemaInventoryRollback} {
		s, err := c.Compile(schemaBase + name + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		out[name] = s
	}
	return out, nil
}

const maxBody = 64 * 1024

// decodeBody validates the request body against the named schema, then decodes it into dst.
func (s *Server) decodeBody(r *http.Request, schema string, dst any) error {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		return err
	}
	if len(b) > maxBody {
		return fmt.Errorf("request body too large")
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	if err := s.schemas[schema].Validate(doc); err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}
