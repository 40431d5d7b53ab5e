package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/rowsync/internal/engine"
	"github.com/roach88/rowsync/internal/harness"
)

// batchEnvelope is the object form of a mutation batch.
type batchEnvelope struct {
	Mutations []engine.Mutation `json:"mutations"`
}

type yamlEnvelope struct {
	Mutations []harness.MutationSpec `yaml:"mutations"`
}

// DecodeBatchJSON decodes one mutation batch: either a JSON array of
// mutations or an object with a "mutations" array. Numbers with a fraction
// decode as exact decimals.
func DecodeBatchJSON(data []byte) ([]engine.Mutation, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("empty batch")
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if data[0] == '[' {
		var muts []engine.Mutation
		if err := dec.Decode(&muts); err != nil {
			return nil, fmt.Errorf("decode mutations: %w", err)
		}
		return muts, nil
	}

	var env batchEnvelope
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("decode mutations: %w", err)
	}
	return env.Mutations, nil
}

// DecodeBatchYAML decodes the YAML form, which mirrors harness scenario
// steps. Decimals must be quoted.
func DecodeBatchYAML(data []byte) ([]engine.Mutation, error) {
	var specs []harness.MutationSpec
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("-")) {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&specs); err != nil {
			return nil, fmt.Errorf("decode mutations: %w", err)
		}
	} else {
		var env yamlEnvelope
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&env); err != nil {
			return nil, fmt.Errorf("decode mutations: %w", err)
		}
		specs = env.Mutations
	}

	muts := make([]engine.Mutation, 0, len(specs))
	for _, s := range specs {
		m, err := s.Mutation()
		if err != nil {
			return nil, err
		}
		muts = append(muts, m)
	}
	return muts, nil
}

// readBatch reads a batch file, or stdin for "-". YAML is chosen by file
// extension; stdin is YAML unless it starts like JSON.
func readBatch(path string, stdin io.Reader) ([]engine.Mutation, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}

	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		return DecodeBatchYAML(data)
	case ".json":
		return DecodeBatchJSON(data)
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && (trimmed[0] == '[' || trimmed[0] == '{') {
		return DecodeBatchJSON(data)
	}
	return DecodeBatchYAML(data)
}
