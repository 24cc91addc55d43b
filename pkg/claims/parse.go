/*
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

package claims

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// SchemaError marks a record that failed structural or semantic validation.
// Schema errors are never retried; the record is counted and dropped.
type SchemaError struct {
	error
}

func NewSchemaError(err error) *SchemaError {
	return &SchemaError{error: err}
}

func (e *SchemaError) Unwrap() error {
	return e.error
}

func IsSchemaError(err error) bool {
	if err == nil {
		return false
	}
	var schemaError *SchemaError
	return errors.As(err, &schemaError)
}

// ParseClaim parses and validates a single newline-delimited JSON claim record.
func ParseClaim(raw []byte) (*PayerClaim, error) {
	claim := &PayerClaim{}
	if err := json.Unmarshal(raw, claim); err != nil {
		return nil, NewSchemaError(fmt.Errorf("unmarshaling claim record, %w", err))
	}
	if err := claim.Validate(); err != nil {
		return nil, err
	}
	return claim, nil
}

// Validate checks the claim against its schema invariants: at least one
// service line, a 10-digit NPI, a well-formed DOB and a known payer id.
func (c *PayerClaim) Validate() error {
	if err := validate.Struct(c); err != nil {
		return NewSchemaError(fmt.Errorf("validating claim %q, %w", c.ClaimID, err))
	}
	return nil
}
