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

import "math"

// Cents is a money amount in integer cents. All cost-share arithmetic happens
// in cents so that conservation can be checked exactly; dollars appear only at
// the JSON boundary.
type Cents int64

// ToCents converts a dollar amount to cents, rounding half away from zero.
func ToCents(dollars float64) Cents {
	return Cents(math.Round(dollars * 100))
}

// Dollars converts back to a dollar amount.
func (c Cents) Dollars() float64 {
	return float64(c) / 100
}

// RoundCents rounds a fractional cent amount to the nearest whole cent.
func RoundCents(cents float64) Cents {
	return Cents(math.Round(cents))
}
