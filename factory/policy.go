/*
Package factory provides JSON to Go store policy conversion.

PURPOSE:
  Converts a JSON store policy into the explicit values the ledger takes on
  every call: a costlot.Ordering and a costlot.RegistrationMode. Stores can
  keep their policy in a config file or a database column without code
  changes.

JSON SCHEMA:
  {
    "id": "store-42",
    "ordering": {
      "column": "arrived_at",
      "direction": "asc",
      "reverse": false
    },
    "registration": "pooled_average"
  }

DEFAULTS:
  - Missing ordering: arrived_at asc (first in, first out)
  - Missing registration: pooled_average
  - Unknown column/direction: ErrInvalidOrdering
  - Unknown registration mode: ErrInvalidPolicy

USAGE:
  factory := NewPolicyFactory()
  policy, err := factory.ParsePolicy(jsonString)

  ledger.Consume(ctx, key, qty, policy.Ordering, costlot.ConsumeOptions{Persist: true})
  ledger.Register(ctx, key, lots, policy.RegisterOptions())

SEE ALSO:
  - costlot/ordering.go: Ordering type definition
  - costlot/register.go: RegistrationMode
  - config/config.go: policy.* keys feed PolicyJSON
*/
package factory

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/warp/lot-ledger/costlot"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// PolicyJSON is the JSON representation of a store policy.
type PolicyJSON struct {
	ID           string        `json:"id,omitempty"`
	Ordering     *OrderingJSON `json:"ordering,omitempty"`
	Registration string        `json:"registration,omitempty"` // discrete, pooled_average
}

// OrderingJSON represents the consumption order.
type OrderingJSON struct {
	Column    string `json:"column"`              // unit_price, arrived_at, order_num
	Direction string `json:"direction,omitempty"` // asc, desc
	Reverse   bool   `json:"reverse,omitempty"`
}

// =============================================================================
// STORE POLICY
// =============================================================================

// StorePolicy is the resolved policy of one store.
type StorePolicy struct {
	ID           string
	Ordering     costlot.Ordering
	Registration costlot.RegistrationMode
}

// DefaultPolicy is FIFO ordering with pooled-average registration.
func DefaultPolicy() StorePolicy {
	return StorePolicy{
		Ordering:     costlot.DefaultOrdering,
		Registration: costlot.PooledAverage,
	}
}

// RegisterOptions returns the registration options implied by the policy.
func (p StorePolicy) RegisterOptions() costlot.RegisterOptions {
	return costlot.RegisterOptions{Mode: p.Registration}
}

// =============================================================================
// POLICY FACTORY
// =============================================================================

// PolicyFactory converts JSON store policies to Go structs.
type PolicyFactory struct{}

// NewPolicyFactory creates a new policy factory.
func NewPolicyFactory() *PolicyFactory {
	return &PolicyFactory{}
}

// ParsePolicy parses a JSON string into a StorePolicy.
func (f *PolicyFactory) ParsePolicy(jsonStr string) (StorePolicy, error) {
	var pj PolicyJSON
	if err := json.Unmarshal([]byte(jsonStr), &pj); err != nil {
		return StorePolicy{}, fmt.Errorf("failed to parse policy JSON: %w", err)
	}
	return f.FromJSON(pj)
}

// FromJSON converts PolicyJSON to a validated StorePolicy.
func (f *PolicyFactory) FromJSON(pj PolicyJSON) (StorePolicy, error) {
	policy := DefaultPolicy()
	policy.ID = pj.ID

	if pj.Ordering != nil {
		ordering, err := ParseOrdering(*pj.Ordering)
		if err != nil {
			return StorePolicy{}, err
		}
		policy.Ordering = ordering
	}

	if pj.Registration != "" {
		mode, err := ParseRegistrationMode(pj.Registration)
		if err != nil {
			return StorePolicy{}, err
		}
		policy.Registration = mode
	}

	return policy, nil
}

// ToJSON converts a StorePolicy to PolicyJSON.
func (f *PolicyFactory) ToJSON(policy StorePolicy) PolicyJSON {
	return PolicyJSON{
		ID: policy.ID,
		Ordering: &OrderingJSON{
			Column:    string(policy.Ordering.Column),
			Direction: string(policy.Ordering.Direction),
			Reverse:   policy.Ordering.Reverse,
		},
		Registration: string(policy.Registration),
	}
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

// ParseOrdering validates an ordering. Direction defaults to asc.
func ParseOrdering(oj OrderingJSON) (costlot.Ordering, error) {
	o := costlot.Ordering{
		Column:    costlot.Column(strings.ToLower(strings.TrimSpace(oj.Column))),
		Direction: costlot.Direction(strings.ToLower(strings.TrimSpace(oj.Direction))),
		Reverse:   oj.Reverse,
	}
	if o.Direction == "" {
		o.Direction = costlot.Asc
	}
	if err := o.Validate(); err != nil {
		return costlot.Ordering{}, err
	}
	return o, nil
}

// ParseRegistrationMode accepts "discrete" and "pooled_average" ("pooled" as
// a short alias).
func ParseRegistrationMode(s string) (costlot.RegistrationMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pooled", string(costlot.PooledAverage):
		return costlot.PooledAverage, nil
	case string(costlot.Discrete):
		return costlot.Discrete, nil
	}
	return "", costlot.RegistrationMode(s).Validate()
}
