package model

import (
	"regexp"
	"strings"
	"time"

	"subscription-billing/internal/domain"
)

// DefaultCycleDays is used when a plan does not define its own cycle.
const DefaultCycleDays = 31

// Plan is a purchasable offering in the catalog.
type Plan struct {
	CodeName           string
	Price              int64  // whole currency units
	LabelPrice         *int64 // display only
	Credits            int64
	Days               int // 0 means DefaultCycleDays
	IsSubscription     bool
	IsAPIPlan          bool
	YearlySubscription bool

	PayPalProductKey string
	PayPalPlanKey    string
	CoinbaseKey      string
	StripeKey        string
	SquareKey        string

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (p *Plan) IsZero() bool { return p == nil || p.CodeName == "" }

// NewPlan validates and constructs a plan; the code name is slugified.
func NewPlan(codeName string, price, credits int64, days int) (*Plan, error) {
	slug := Slugify(codeName)
	if slug == "" || price < 0 || credits < 0 || days < 0 {
		return nil, domain.ErrInvalidArgument
	}
	now := time.Now()
	return &Plan{
		CodeName:  slug,
		Price:     price,
		Credits:   credits,
		Days:      days,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// CycleDays returns the billing cycle length in days.
func (p *Plan) CycleDays() int {
	if p.Days <= 0 {
		return DefaultCycleDays
	}
	return p.Days
}

// ProcessorKey returns the processor-side identifier for this plan, if any.
func (p *Plan) ProcessorKey(proc Processor) string {
	switch proc {
	case ProcessorPayPal:
		return p.PayPalPlanKey
	case ProcessorCoinbase:
		return p.CoinbaseKey
	case ProcessorStripe:
		return p.StripeKey
	case ProcessorSquare:
		return p.SquareKey
	}
	return ""
}

var (
	slugInvalid = regexp.MustCompile(`[^a-z0-9_\s-]`)
	slugSpaces  = regexp.MustCompile(`[-\s]+`)
)

// Slugify lowercases s and collapses whitespace and dashes into single dashes.
func Slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = slugInvalid.ReplaceAllString(s, "")
	s = slugSpaces.ReplaceAllString(s, "-")
	return strings.Trim(s, "-_")
}
