package queue

import (
	"bytes"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// ExtractionPayload is the payload of a claude_extraction job.
type ExtractionPayload struct {
	Prompt        string            `json:"prompt"`
	TargetPath    string            `json:"targetPath"`
	PromptHash    string            `json:"promptHash"`
	RequirementID string            `json:"requirementId,omitempty"`
	PreviewPort   int               `json:"previewPort,omitempty"`
	Source        *Source           `json:"source,omitempty"`
	Trace         map[string]string `json:"trace,omitempty"`
}

// Source points at the material the extraction reads from.
type Source struct {
	Kind string `json:"kind"`
	Ref  string `json:"ref"`
}

// DecodeExtraction unmarshals a claude_extraction payload.
func DecodeExtraction(raw json.RawMessage) (*ExtractionPayload, error) {
	var p ExtractionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return &p, nil
}

// SchemaRegistry validates job payloads against per-type JSON Schemas.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewSchemaRegistry compiles the built-in schemas. Each file under schemas/
// is registered under its base name as the job type.
func NewSchemaRegistry() (*SchemaRegistry, error) {
	r := &SchemaRegistry{schemas: make(map[string]*jsonschema.Schema)}

	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		data, err := schemaFS.ReadFile("schemas/" + e.Name())
		if err != nil {
			return nil, err
		}
		jobType := strings.TrimSuffix(e.Name(), path.Ext(e.Name()))
		if err := r.Register(jobType, data); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register compiles schema and binds it to jobType, replacing any previous schema.
func (r *SchemaRegistry) Register(jobType string, schema []byte) error {
	url := "mem://schemas/" + jobType + ".json"

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, bytes.NewReader(schema)); err != nil {
		return fmt.Errorf("schema %s: %w", jobType, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("schema %s: %w", jobType, err)
	}

	r.mu.Lock()
	r.schemas[jobType] = compiled
	r.mu.Unlock()
	return nil
}

// Validate checks payload against the schema registered for jobType.
func (r *SchemaRegistry) Validate(jobType string, payload json.RawMessage) error {
	r.mu.RLock()
	schema, ok := r.schemas[jobType]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownJobType, jobType)
	}

	doc, err := decodeJSON(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// IdempotencyKey derives the deduplication key of a job. Extraction payloads
// carry a prompt hash that identifies the work; anything else is keyed by a
// SHA-256 of the job type and the canonical payload.
func IdempotencyKey(jobType string, payload json.RawMessage) (string, error) {
	doc, err := decodeJSON(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	if obj, ok := doc.(map[string]interface{}); ok {
		if hash, ok := obj["promptHash"].(string); ok && hash != "" {
			return jobType + ":" + hash, nil
		}
	}

	// encoding/json sorts map keys, which makes the re-encoding canonical
	canonical, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	sum := sha256.New()
	sum.Write([]byte(jobType))
	sum.Write([]byte{0})
	sum.Write(canonical)
	return hex.EncodeToString(sum.Sum(nil)), nil
}

func decodeJSON(raw json.RawMessage) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}
