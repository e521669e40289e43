// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package functiontool

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// generateSchema reflects a parameter struct into a JSON schema object.
//
// Recognized tags: json name/omitempty, jsonschema required, description,
// default, enum=a|b, minimum/maximum.
func generateSchema[T any]() (map[string]any, error) {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}

	schema := reflector.Reflect(new(T))

	schemaMap, err := schemaToMap(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to convert schema to map: %w", err)
	}

	// Providers expect a flat object schema.
	if schemaMap["type"] == "object" {
		result := map[string]any{
			"type":       "object",
			"properties": schemaMap["properties"],
		}
		if required := schemaMap["required"]; required != nil {
			result["required"] = required
		}
		if addProps, ok := schemaMap["additionalProperties"]; ok {
			result["additionalProperties"] = addProps
		}
		return result, nil
	}

	return schemaMap, nil
}

func schemaToMap(schema *jsonschema.Schema) (map[string]any, error) {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}

	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}

	delete(result, "$schema")
	delete(result, "$id")

	return result, nil
}
