/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the costlot domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Lots:
    KeyDTO, LotDTO, SubLotDTO, LotsResponse

  Consumption:
    ConsumeRequest, ConsumeResponse, CountUpdateDTO

  Registration:
    RegisterRequest, NewLotDTO, RegisterResponse

  Correction:
    CorrectPriceRequest

  Stats / policy:
    StatsDTO, factory.PolicyJSON

VALIDATION:
  Request types carry go-playground/validator tags, checked by decode before
  the ledger is touched. Domain rules the tags cannot express (key
  completeness, exact-price availability) are left to costlot.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/policy.go: PolicyJSON, OrderingJSON
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/lot-ledger/costlot"
	"github.com/warp/lot-ledger/factory"
)

// =============================================================================
// LOTS
// =============================================================================

// KeyDTO names a lot set. Only subject_id is required; the resource pair
// defaults to the subject itself.
type KeyDTO struct {
	SubjectID    string `json:"subject_id" validate:"required"`
	ResourceType string `json:"resource_type,omitempty"`
	ResourceID   string `json:"resource_id,omitempty"`
}

func (k KeyDTO) toKey() costlot.Key {
	return costlot.Key{
		SubjectID:    costlot.SubjectID(k.SubjectID),
		ResourceType: costlot.ResourceType(k.ResourceType),
		ResourceID:   k.ResourceID,
	}.Normalize()
}

// LotDTO represents a persisted (or planned) lot in API responses.
type LotDTO struct {
	ID           string      `json:"id,omitempty"`
	SubjectID    string      `json:"subject_id,omitempty"`
	ResourceType string      `json:"resource_type,omitempty"`
	ResourceID   string      `json:"resource_id,omitempty"`
	UnitPrice    int64       `json:"unit_price"`
	ItemCount    int64       `json:"item_count"`
	ArrivedAt    *time.Time  `json:"arrived_at,omitempty"`
	OrderNum     *int64      `json:"order_num,omitempty"`
	IsExact      bool        `json:"is_exact"`
	Children     []SubLotDTO `json:"children,omitempty"`
}

// SubLotDTO is a child of a hierarchical lot, in requests and responses.
type SubLotDTO struct {
	SubjectID    string     `json:"subject_id,omitempty"`
	ResourceType string     `json:"resource_type,omitempty"`
	ResourceID   string     `json:"resource_id,omitempty"`
	UnitPrice    int64      `json:"unit_price"`
	ItemCount    int64      `json:"item_count" validate:"gt=0"`
	ArrivedAt    *time.Time `json:"arrived_at,omitempty"`
	OrderNum     *int64     `json:"order_num,omitempty"`
	IsExact      bool       `json:"is_exact"`
}

// LotsResponse lists the lots of one key in consumption order.
type LotsResponse struct {
	Lots      []LotDTO `json:"lots"`
	ItemCount int64    `json:"item_count"`
	TotalCost int64    `json:"total_cost"`
}

// =============================================================================
// CONSUMPTION
// =============================================================================

// ConsumeRequest draws quantity units from a key. Ordering defaults to the
// store policy.
type ConsumeRequest struct {
	KeyDTO
	Quantity           int64                 `json:"quantity" validate:"gte=0"`
	Ordering           *factory.OrderingJSON `json:"ordering,omitempty"`
	ShortfallUnitPrice int64                 `json:"shortfall_unit_price"`
	ExactUnitPrice     *int64                `json:"exact_unit_price,omitempty"`
	Persist            bool                  `json:"persist"`
}

// CountUpdateDTO is one lot whose count a persisted consumption changed.
type CountUpdateDTO struct {
	ID        string `json:"id"`
	ItemCount int64  `json:"item_count"`
}

// ConsumeResponse is the consumption outcome.
type ConsumeResponse struct {
	Use       []LotDTO `json:"use"`
	Remaining []LotDTO `json:"remaining"`
	TotalCost int64    `json:"total_cost"`
	Shortfall int64    `json:"shortfall"`

	// Estimated is true when part of TotalCost is priced at the shortfall
	// price rather than backed by real lots.
	Estimated bool `json:"estimated"`

	Persisted bool             `json:"persisted"`
	Deleted   []string         `json:"deleted,omitempty"`
	Updated   []CountUpdateDTO `json:"updated,omitempty"`
}

// =============================================================================
// REGISTRATION
// =============================================================================

// NewLotDTO is a lot to register. A lot without subject_id takes the
// request key.
type NewLotDTO struct {
	SubjectID    string      `json:"subject_id,omitempty"`
	ResourceType string      `json:"resource_type,omitempty"`
	ResourceID   string      `json:"resource_id,omitempty"`
	UnitPrice    int64       `json:"unit_price"`
	ItemCount    int64       `json:"item_count" validate:"gte=0"`
	ArrivedAt    *time.Time  `json:"arrived_at,omitempty"`
	OrderNum     *int64      `json:"order_num,omitempty"`
	IsExact      bool        `json:"is_exact"`
	Children     []SubLotDTO `json:"children,omitempty" validate:"omitempty,dive"`
}

// RegisterRequest adds lots to the ledger.
type RegisterRequest struct {
	KeyDTO
	Lots                  []NewLotDTO `json:"lots" validate:"required,min=1,dive"`
	Mode                  string      `json:"mode,omitempty" validate:"omitempty,oneof=discrete pooled_average pooled"`
	PoolKey               *KeyDTO     `json:"pool_key,omitempty" validate:"omitempty"`
	ForceDiscrete         bool        `json:"force_discrete,omitempty"`
	KeepHierarchicalCount bool        `json:"keep_hierarchical_count,omitempty"`
}

// RegisterResponse returns the lots created or incremented.
type RegisterResponse struct {
	Lots []LotDTO `json:"lots"`
}

// =============================================================================
// CORRECTION
// =============================================================================

// CorrectPriceRequest backfills the price of an exact zero-priced lot.
type CorrectPriceRequest struct {
	UnitPrice *int64 `json:"unit_price" validate:"required"`
}

// =============================================================================
// STATS
// =============================================================================

// StatsDTO is the display-level cost summary of a subject.
type StatsDTO struct {
	SubjectID    string          `json:"subject_id"`
	LotCount     int             `json:"lot_count"`
	ItemCount    int64           `json:"item_count"`
	TotalCost    int64           `json:"total_cost"`
	AverageCost  decimal.Decimal `json:"average_cost"`
	MinUnitPrice int64           `json:"min_unit_price"`
	MaxUnitPrice int64           `json:"max_unit_price"`
	ComputedAt   time.Time       `json:"computed_at"`
}

// SweepResponse reports an on-demand recompute sweep.
type SweepResponse struct {
	Status string `json:"status"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string          `json:"error"`
	Details string          `json:"details,omitempty"`
	Fields  []FieldErrorDTO `json:"fields,omitempty"`
}

// FieldErrorDTO is one failed validation rule.
type FieldErrorDTO struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toLotDTO(l costlot.Lot) LotDTO {
	dto := LotDTO{
		ID:           string(l.ID),
		SubjectID:    string(l.Key.SubjectID),
		ResourceType: string(l.Key.ResourceType),
		ResourceID:   l.Key.ResourceID,
		UnitPrice:    l.UnitPrice,
		ItemCount:    l.ItemCount,
		OrderNum:     l.OrderNum,
		IsExact:      l.IsExact,
	}
	if !l.ArrivedAt.IsZero() {
		at := l.ArrivedAt
		dto.ArrivedAt = &at
	}
	for _, c := range l.Children {
		sub := SubLotDTO{
			SubjectID:    string(c.Key.SubjectID),
			ResourceType: string(c.Key.ResourceType),
			ResourceID:   c.Key.ResourceID,
			UnitPrice:    c.UnitPrice,
			ItemCount:    c.ItemCount,
			OrderNum:     c.OrderNum,
			IsExact:      c.IsExact,
		}
		if !c.ArrivedAt.IsZero() {
			at := c.ArrivedAt
			sub.ArrivedAt = &at
		}
		dto.Children = append(dto.Children, sub)
	}
	return dto
}

func toLotDTOs(lots []costlot.Lot) []LotDTO {
	dtos := make([]LotDTO, len(lots))
	for i, l := range lots {
		dtos[i] = toLotDTO(l)
	}
	return dtos
}

// toLot converts a registration entry. now fills missing arrival times.
func (n NewLotDTO) toLot(now time.Time) costlot.Lot {
	lot := costlot.Lot{
		UnitPrice: n.UnitPrice,
		ItemCount: n.ItemCount,
		ArrivedAt: now,
		OrderNum:  n.OrderNum,
		IsExact:   n.IsExact,
	}
	if n.SubjectID != "" {
		lot.Key = KeyDTO{SubjectID: n.SubjectID, ResourceType: n.ResourceType, ResourceID: n.ResourceID}.toKey()
	}
	if n.ArrivedAt != nil {
		lot.ArrivedAt = n.ArrivedAt.UTC()
	}
	for _, c := range n.Children {
		sub := costlot.SubLot{
			UnitPrice: c.UnitPrice,
			ItemCount: c.ItemCount,
			ArrivedAt: lot.ArrivedAt,
			OrderNum:  c.OrderNum,
			IsExact:   c.IsExact,
		}
		if c.SubjectID != "" {
			sub.Key = KeyDTO{SubjectID: c.SubjectID, ResourceType: c.ResourceType, ResourceID: c.ResourceID}.toKey()
		}
		if c.ArrivedAt != nil {
			sub.ArrivedAt = c.ArrivedAt.UTC()
		}
		lot.Children = append(lot.Children, sub)
	}
	return lot
}

func toStatsDTO(s costlot.CostStats) StatsDTO {
	return StatsDTO{
		SubjectID:    string(s.SubjectID),
		LotCount:     s.LotCount,
		ItemCount:    s.ItemCount,
		TotalCost:    s.TotalCost,
		AverageCost:  s.AverageCost,
		MinUnitPrice: s.MinUnitPrice,
		MaxUnitPrice: s.MaxUnitPrice,
		ComputedAt:   s.ComputedAt,
	}
}
