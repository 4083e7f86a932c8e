/*
Copyright 2025 The llm-d-decode-postprocessor Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Contains the extra-input serving signature builder and its config loader

package postprocessor

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	decodeapi "github.com/llm-d/llm-d-decode-postprocessor/pkg/decode-api"
)

// TensorSpec describes one extra serving input: its name, declared element
// type, and a default value already broadcast to the serving batch size.
type TensorSpec struct {
	Name    string
	DType   decodeapi.DType
	Default decodeapi.Tensor
}

// BuildSignature builds the serving specs for the named extra inputs. Every
// default value is broadcast to shape [batchSize, *value_shape] with its
// elements copied bit-exact; a nil batchSize means a batch dimension of 1.
// A name missing from dtypes defaults to float32, and a declared dtype that
// disagrees with the default value's element type is an error, there is no
// implicit coercion.
func BuildSignature(defaults map[string]decodeapi.Tensor, batchSize *int,
	dtypes map[string]decodeapi.DType) (map[string]TensorSpec, error) {
	n := 1
	if batchSize != nil {
		if *batchSize < 1 {
			return nil, fmt.Errorf("%w: batch size must be positive, got %d", ErrConfiguration, *batchSize)
		}
		n = *batchSize
	}

	specs := make(map[string]TensorSpec, len(defaults))
	for name, value := range defaults {
		if value == nil {
			return nil, fmt.Errorf("%w: extra input %q has no default value", ErrConfiguration, name)
		}
		dtype, ok := dtypes[name]
		if !ok {
			dtype = decodeapi.DTypeFloat32
		}
		if dtype != value.DType() {
			return nil, fmt.Errorf("%w: extra input %q declares dtype %s but its default holds %s",
				ErrConfiguration, name, dtype, value.DType())
		}

		broadcast, err := tileTensor(value, n)
		if err != nil {
			return nil, fmt.Errorf("failed to broadcast extra input %q: %w", name, err)
		}
		specs[name] = TensorSpec{Name: name, DType: dtype, Default: broadcast}
	}
	return specs, nil
}

func tileTensor(value decodeapi.Tensor, n int) (decodeapi.Tensor, error) {
	switch v := value.(type) {
	case *decodeapi.Dense[int32]:
		return v.Tile(n), nil
	case *decodeapi.Dense[float32]:
		return v.Tile(n), nil
	case *decodeapi.Dense[string]:
		return v.Tile(n), nil
	default:
		return nil, fmt.Errorf("%w: unsupported tensor type %T", ErrConfiguration, value)
	}
}

// ExtraInputConfig declares one extra serving input in a signature config
// file. Shape defaults to [len(values)], dtype to float32.
type ExtraInputConfig struct {
	Name   string `yaml:"name" json:"name"`
	DType  string `yaml:"dtype,omitempty" json:"dtype,omitempty"`
	Shape  []int  `yaml:"shape,omitempty" json:"shape,omitempty"`
	Values []any  `yaml:"values" json:"values"`
}

// SignatureConfig is the file form of a BuildSignature call.
type SignatureConfig struct {
	BatchSize *int               `yaml:"batch_size,omitempty" json:"batch_size,omitempty"`
	Inputs    []ExtraInputConfig `yaml:"inputs" json:"inputs"`
}

// SignatureValidator validates signature config documents before they are
// decoded into SignatureConfig.
type SignatureValidator struct {
	schema *jsonschema.Schema
}

func CreateSignatureValidator() (*SignatureValidator, error) {
	sch, err := jsonschema.CompileString("signature.json", signatureSchema)
	if err != nil {
		return nil, err
	}
	return &SignatureValidator{schema: sch}, nil
}

// ValidateConfig validates one YAML or JSON signature config document.
func (v *SignatureValidator) ValidateConfig(document []byte) error {
	var value interface{}
	if err := yaml.Unmarshal(document, &value); err != nil {
		return err
	}
	// jsonschema expects json-decoded values
	asJSON, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(asJSON, &value); err != nil {
		return err
	}
	return v.schema.Validate(value)
}

// LoadSignatureConfig reads, validates, and decodes a signature config file.
func LoadSignatureConfig(path string) (*SignatureConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signature config: %w", err)
	}
	validator, err := CreateSignatureValidator()
	if err != nil {
		return nil, err
	}
	if err := validator.ValidateConfig(data); err != nil {
		return nil, fmt.Errorf("%w: invalid signature config: %w", ErrConfiguration, err)
	}
	var config SignatureConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse signature config: %w", err)
	}
	return &config, nil
}

// Build turns the config into serving specs via BuildSignature.
func (c *SignatureConfig) Build() (map[string]TensorSpec, error) {
	defaults := make(map[string]decodeapi.Tensor, len(c.Inputs))
	dtypes := make(map[string]decodeapi.DType, len(c.Inputs))
	for _, input := range c.Inputs {
		if input.Name == "" {
			return nil, fmt.Errorf("%w: extra input with no name", ErrConfiguration)
		}
		if _, ok := defaults[input.Name]; ok {
			return nil, fmt.Errorf("%w: extra input %q declared twice", ErrConfiguration, input.Name)
		}
		tensor, err := input.tensor()
		if err != nil {
			return nil, err
		}
		defaults[input.Name] = tensor
		if input.DType != "" {
			dtypes[input.Name] = decodeapi.DType(input.DType)
		}
	}
	return BuildSignature(defaults, c.BatchSize, dtypes)
}

func (c *ExtraInputConfig) tensor() (decodeapi.Tensor, error) {
	shape := decodeapi.Shape(c.Shape)
	if shape == nil {
		shape = decodeapi.Shape{len(c.Values)}
	}

	dtype := decodeapi.DType(c.DType)
	if c.DType == "" {
		dtype = decodeapi.DTypeFloat32
	}
	switch dtype {
	case decodeapi.DTypeFloat32:
		data := make([]float32, len(c.Values))
		for i, value := range c.Values {
			number, err := asFloat64(value)
			if err != nil {
				return nil, fmt.Errorf("%w: extra input %q: %w", ErrConfiguration, c.Name, err)
			}
			data[i] = float32(number)
		}
		return decodeapi.NewDense(shape, data)
	case decodeapi.DTypeInt32:
		data := make([]int32, len(c.Values))
		for i, value := range c.Values {
			number, err := asFloat64(value)
			if err != nil {
				return nil, fmt.Errorf("%w: extra input %q: %w", ErrConfiguration, c.Name, err)
			}
			if number != math.Trunc(number) {
				return nil, fmt.Errorf("%w: extra input %q: %v is not an integer", ErrConfiguration, c.Name, value)
			}
			data[i] = int32(number)
		}
		return decodeapi.NewDense(shape, data)
	case decodeapi.DTypeString:
		data := make([]string, len(c.Values))
		for i, value := range c.Values {
			text, ok := value.(string)
			if !ok {
				return nil, fmt.Errorf("%w: extra input %q: %v is not a string", ErrConfiguration, c.Name, value)
			}
			data[i] = text
		}
		return decodeapi.NewDense(shape, data)
	default:
		return nil, fmt.Errorf("%w: extra input %q has unsupported dtype %q", ErrConfiguration, c.Name, c.DType)
	}
}

// asFloat64 accepts the numeric types yaml and json decoding produce.
func asFloat64(value any) (float64, error) {
	switch number := value.(type) {
	case float64:
		return number, nil
	case float32:
		return float64(number), nil
	case int:
		return float64(number), nil
	case int64:
		return float64(number), nil
	default:
		return 0, fmt.Errorf("%v is not a number", value)
	}
}

const signatureSchema = `{
  "type": "object",
  "properties": {
    "batch_size": {
      "type": "integer",
      "minimum": 1
    },
    "inputs": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "name": {
            "type": "string",
            "minLength": 1
          },
          "dtype": {
            "type": "string",
            "enum": ["int32", "float32", "string"]
          },
          "shape": {
            "type": "array",
            "items": {
              "type": "integer",
              "minimum": 0
            }
          },
          "values": {
            "type": "array"
          }
        },
        "required": ["name", "values"],
        "additionalProperties": false
      }
    }
  },
  "required": ["inputs"],
  "additionalProperties": false
}`
