// Package config parses and schema-validates the provider configuration
// described in spec.md §6, the way the original mochi-kage ProviderImpl
// constructor validates its JSON config against an inline
// nlohmann::json_schema document before doing anything else.
package config

import (
	"bytes"
	"encoding/json"

	"github.com/roadrunner-server/errors"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Direction is the proxy's role on a pair of peers (spec.md §3/GLOSSARY).
type Direction string

const (
	DirectionIn    Direction = "in"
	DirectionOut   Direction = "out"
	DirectionInout Direction = "inout"
)

// IsInput reports whether the direction accepts backend-originated RPCs and
// re-invokes them locally.
func (d Direction) IsInput() bool { return d == DirectionIn || d == DirectionInout }

// IsOutput reports whether the direction accepts local RPCs and ships them
// through the backend.
func (d Direction) IsOutput() bool { return d == DirectionOut || d == DirectionInout }

// Proxy is the nested "proxy" object of the provider configuration.
type Proxy struct {
	Type   string          `json:"type"`
	Config json.RawMessage `json:"config,omitempty"`
}

// Provider is the root provider configuration object (spec.md §6).
type Provider struct {
	Direction    Direction `json:"direction"`
	Proxy        Proxy     `json:"proxy"`
	ExportedRPCs []string  `json:"exported_rpcs"`
}

const providerSchema = `
{
	"type": "object",
	"properties": {
		"direction": {
			"type": "string",
			"enum": ["in", "out", "inout"]
		},
		"proxy": {
			"type": "object",
			"properties": {
				"type": {"type": "string"},
				"config": {"type": "object"}
			},
			"required": ["type"]
		},
		"exported_rpcs": {
			"type": "array",
			"items": {"type": "string", "minLength": 1}
		}
	},
	"required": ["proxy", "direction", "exported_rpcs"]
}
`

var providerValidator *jsonschema.Schema

func init() {
	providerValidator = compile("kage://provider.schema.json", providerSchema)
}

// compile builds a jsonschema.Schema from an inline document, panicking only
// on a schema that is itself malformed (a programming error, not a runtime
// configuration error) — the same contract as the C++ reference's
// `static const json schema = ...; validator.set_root_schema(schema);`
// evaluated once per process.
func compile(uri, doc string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	var v any
	if err := json.Unmarshal([]byte(doc), &v); err != nil {
		panic("config: invalid embedded schema " + uri + ": " + err.Error())
	}
	if err := c.AddResource(uri, v); err != nil {
		panic("config: invalid embedded schema " + uri + ": " + err.Error())
	}
	schema, err := c.Compile(uri)
	if err != nil {
		panic("config: invalid embedded schema " + uri + ": " + err.Error())
	}
	return schema
}

// Validate decodes raw and checks it against schema (already compiled),
// reporting a wrapped errors.E on mismatch. Exported so backend packages can validate their own
// "proxy.config" object with the same discipline.
func Validate(schema *jsonschema.Schema, raw json.RawMessage) error {
	const op = errors.Op("config_validate")
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return errors.E(op, err)
	}
	if err := schema.Validate(v); err != nil {
		return errors.E(op, err)
	}
	return nil
}

// Compile exposes the schema compiler to backend packages that define their
// own config schema (passthrough, pubsub), keeping one compilation strategy
// across the whole module.
func Compile(uri, doc string) *jsonschema.Schema { return compile(uri, doc) }

// ParseProvider parses and schema-validates a provider configuration
// document, the Go equivalent of ProviderImpl's constructor-time
// json::parse + json_validator.validate pair (spec.md §4.3.1 step 1).
func ParseProvider(raw []byte) (*Provider, error) {
	const op = errors.Op("config_parse_provider")

	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, errors.E(op, err)
	}
	if err := providerValidator.Validate(v); err != nil {
		return nil, errors.E(op, err)
	}

	var cfg Provider
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.E(op, err)
	}
	return &cfg, nil
}
