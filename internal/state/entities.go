package state

import (
	"strings"
	"time"
)

// Record is the inbound event that seeds a run.
type Record struct {
	ID         string    `json:"id" mapstructure:"id"`
	CustomerID string    `json:"customer_id" mapstructure:"customer_id"`
	Reason     string    `json:"sdc" mapstructure:"sdc"`
	Timestamp  time.Time `json:"timestamp" mapstructure:"timestamp"`
}

// Customer is the resolved subject profile.
type Customer struct {
	ID                string    `json:"id" mapstructure:"id"`
	Name              string    `json:"name" mapstructure:"name"`
	CLV               string    `json:"clv" mapstructure:"clv"`
	RelationStartDate time.Time `json:"relation_start_date" mapstructure:"relation_start_date"`
}

// HistoricCall is a previous call by the same customer.
type HistoricCall struct {
	ID          string    `json:"id" mapstructure:"id"`
	CustomerID  string    `json:"customer_id" mapstructure:"customer_id"`
	Reason      string    `json:"sdc" mapstructure:"sdc"`
	CallSummary string    `json:"call_summary" mapstructure:"call_summary"`
	StartTime   time.Time `json:"start_time" mapstructure:"start_time"`
	EndTime     time.Time `json:"end_time" mapstructure:"end_time"`
}

// Duration is how long the historic call lasted.
func (h HistoricCall) Duration() time.Duration {
	return h.EndTime.Sub(h.StartTime)
}

// Since is the time between the end of the historic call and ts.
func (h HistoricCall) Since(ts time.Time) time.Duration {
	return ts.Sub(h.EndTime)
}

// Subscription links a customer to a product.
type Subscription struct {
	ID                     string    `json:"id" mapstructure:"id"`
	CustomerID             string    `json:"customer_id" mapstructure:"customer_id"`
	ProductID              string    `json:"product_id" mapstructure:"product_id"`
	ContractDurationMonths int       `json:"contract_duration_months" mapstructure:"contract_duration_months"`
	PricePerMonth          float64   `json:"price_per_month" mapstructure:"price_per_month"`
	StartDate              time.Time `json:"start_date" mapstructure:"start_date"`
	EndDate                time.Time `json:"end_date" mapstructure:"end_date"`
}

// Product is a sellable item.
type Product struct {
	ID           string  `json:"id" mapstructure:"id"`
	Name         string  `json:"name" mapstructure:"name"`
	Type         string  `json:"type" mapstructure:"type"`
	ListingPrice float64 `json:"listing_price" mapstructure:"listing_price"`
}

// Discount is an offer available for a product to customers at or above MinimumCLV.
type Discount struct {
	ID             string `json:"id" mapstructure:"id"`
	ProductID      string `json:"product_id" mapstructure:"product_id"`
	MinimumCLV     string `json:"minimum_clv" mapstructure:"minimum_clv"`
	Percentage     int    `json:"percentage" mapstructure:"percentage"`
	DurationMonths int    `json:"duration_months" mapstructure:"duration_months"`
}

// SoftwareUpdate is an operational change rolled out to a product.
type SoftwareUpdate struct {
	ID          string    `json:"id" mapstructure:"id"`
	ProductID   string    `json:"product_id" mapstructure:"product_id"`
	Type        string    `json:"type" mapstructure:"type"`
	RolloutDate time.Time `json:"rollout_date" mapstructure:"rollout_date"`
}

// CLV tiers, lowest first.
const (
	CLVLow    = "Low"
	CLVMedium = "Medium"
	CLVHigh   = "High"
)

// CLVRank orders customer lifetime value tiers. Unknown tiers rank below Low.
func CLVRank(clv string) int {
	switch strings.ToLower(strings.TrimSpace(clv)) {
	case "low":
		return 1
	case "medium":
		return 2
	case "high":
		return 3
	default:
		return 0
	}
}

// RepeatedCallVerdict is the outcome of DetermineRepeatedCall.
type RepeatedCallVerdict struct {
	IsRepeated bool   `json:"is_repeated_call" mapstructure:"is_repeated_call"`
	Analysis   string `json:"analysis" mapstructure:"analysis"`
	Conclusion string `json:"conclusion" mapstructure:"conclusion"`
}

// CauseVerdict is the outcome of DetermineCause.
type CauseVerdict struct {
	IsRelevant bool   `json:"is_operations_cause" mapstructure:"is_operations_cause"`
	ProductID  string `json:"product_id,omitempty" mapstructure:"product_id"`
	Analysis   string `json:"analysis" mapstructure:"analysis"`
	Conclusion string `json:"conclusion" mapstructure:"conclusion"`
}

// Turn is one message in the draft/review exchange.
type Turn struct {
	Role     string `json:"role"`
	Content  string `json:"content"`
	Approved bool   `json:"approved,omitempty"`
}

// Recommendation is the outcome of DetermineRecommendation.
type Recommendation struct {
	ProductID  string    `json:"product_id,omitempty"`
	Discount   *Discount `json:"discount,omitempty"`
	Transcript []Turn    `json:"transcript"`
	Approved   bool      `json:"approved"`
}

// Advice returns the last drafter turn, or "" when the transcript has none.
func (r Recommendation) Advice() string {
	for i := len(r.Transcript) - 1; i >= 0; i-- {
		if r.Transcript[i].Role == RoleDrafter {
			return r.Transcript[i].Content
		}
	}
	return ""
}

// Conversation roles.
const (
	RoleDrafter  = "drafter"
	RoleReviewer = "reviewer"
)
