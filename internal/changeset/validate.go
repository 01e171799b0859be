// Package changeset validates change-set payloads received over the service
// surface before they reach the backend.
package changeset

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/roamplan/roamsync/internal/domain"
)

// schemaJSON is the wire contract for incoming change sets. Operation kinds
// move/insert/delete are reserved and rejected here until implemented.
const schemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["scope", "ops"],
	"properties": {
		"name": {"type": "string", "maxLength": 200},
		"scope": {
			"type": "object",
			"required": ["kind"],
			"properties": {
				"kind": {"enum": ["trip", "day"]},
				"day_id": {"type": "string", "minLength": 1}
			}
		},
		"ops": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["kind"],
				"properties": {
					"kind": {"enum": ["reorder"]},
					"ordered_ids": {
						"type": "array",
						"minItems": 1,
						"items": {"type": "string", "minLength": 1}
					}
				}
			}
		},
		"preferences": {
			"type": "object",
			"properties": {
				"respect_locks": {"type": "boolean"},
				"auto_apply": {"type": "boolean"}
			}
		}
	}
}`

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
		if err != nil {
			compileErr = fmt.Errorf("parse changeset schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("changeset.json", doc); err != nil {
			compileErr = fmt.Errorf("add changeset schema: %w", err)
			return
		}
		compiled, compileErr = compiler.Compile("changeset.json")
	})
	return compiled, compileErr
}

// Decode validates raw JSON against the change-set schema and decodes it.
// Schema or shape violations come back as parse errors; semantic violations
// (a day scope without a day ID, a reorder without IDs) are checked after
// decoding.
func Decode(raw []byte) (domain.ChangeSet, error) {
	s, err := schema()
	if err != nil {
		return domain.ChangeSet{}, err
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return domain.ChangeSet{}, domain.ErrParse("change set is not valid JSON").WithCause(err)
	}
	if err := s.Validate(inst); err != nil {
		return domain.ChangeSet{}, domain.ErrParse("change set failed validation").WithCause(err)
	}

	var cs domain.ChangeSet
	if err := json.Unmarshal(raw, &cs); err != nil {
		return domain.ChangeSet{}, domain.ErrParse("decode change set").WithCause(err)
	}

	if cs.Scope.Kind == domain.ScopeDay && cs.Scope.DayID == "" {
		return domain.ChangeSet{}, domain.ErrParse("day-scoped change set requires day_id")
	}
	for _, op := range cs.Ops {
		if op.Kind == domain.OpReorder && len(op.OrderedIDs) == 0 {
			return domain.ChangeSet{}, domain.ErrParse("reorder op requires ordered_ids")
		}
	}
	return cs, nil
}
