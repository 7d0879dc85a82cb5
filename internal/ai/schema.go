// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ai

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const schemaURL = "https://orderscan.local/schemas/order-response.json"

const orderSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["is_order"],
  "properties": {
    "is_order": {"type": "boolean"},
    "order_number": {"type": ["string", "number", "null"]},
    "retailer": {"type": ["string", "null"]},
    "amount": {"type": ["string", "number", "null"]},
    "currency": {"type": ["string", "null"]},
    "order_date": {"type": ["string", "null"]},
    "status": {"type": ["string", "null"]},
    "estimated_delivery": {"type": ["string", "null"]},
    "tracking_number": {"type": ["string", "null"]},
    "carrier": {"type": ["string", "null"]},
    "confidence": {"type": ["number", "string", "null"]},
    "items": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name": {"type": "string"},
          "quantity": {"type": ["integer", "number", "string", "null"]},
          "price": {"type": ["string", "number", "null"]}
        }
      }
    }
  }
}`

func compileSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, strings.NewReader(orderSchema)); err != nil {
		return nil, fmt.Errorf("add order schema: %w", err)
	}
	schema, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile order schema: %w", err)
	}
	return schema, nil
}
