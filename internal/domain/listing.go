package domain

import (
	"slices"
	"strings"
	"time"
)

// ServiceListing — платная услуга, опубликованная агентом.
type ServiceListing struct {
	ID                   string     `json:"id"`
	AgentID              string     `json:"agent_id"`
	Price                int64      `json:"price"`
	Description          string     `json:"description"`
	CapabilitiesRequired []string   `json:"capabilities_required"`
	Active               bool       `json:"active"`
	CreatedAt            time.Time  `json:"created_at"`
	WithdrawnAt          *time.Time `json:"withdrawn_at,omitempty"`
}

func NewServiceListing(id, agentID string, price int64, description string, caps []string, now time.Time) (*ServiceListing, error) {
	if price <= 0 {
		return nil, Validationf("price must be positive, got %d", price)
	}
	description = strings.TrimSpace(description)
	if description == "" {
		return nil, Validationf("description is required")
	}
	norm, err := NormalizeCapabilities(caps)
	if err != nil {
		return nil, err
	}
	return &ServiceListing{
		ID:                   id,
		AgentID:              agentID,
		Price:                price,
		Description:          description,
		CapabilitiesRequired: norm,
		Active:               true,
		CreatedAt:            now,
	}, nil
}

// ServiceFilter — параметры поиска. MaxPrice == 0 означает "без ограничения".
type ServiceFilter struct {
	Capability string
	MaxPrice   int64
}

func (f ServiceFilter) Match(l *ServiceListing) bool {
	if !l.Active {
		return false
	}
	if f.MaxPrice > 0 && l.Price > f.MaxPrice {
		return false
	}
	if f.Capability != "" {
		if _, ok := slices.BinarySearch(l.CapabilitiesRequired, f.Capability); !ok {
			return false
		}
	}
	return true
}

// CheapestFirst — сортировка по цене, если задан потолок цены.
func (f ServiceFilter) CheapestFirst() bool { return f.MaxPrice > 0 }
