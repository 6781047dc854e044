package monetization

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"os"
	"slices"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"
)

// Catalog is the read-only set of plans offered to clients.
type Catalog struct {
	plans []PricingPlan
	index map[PlanType]int
}

// NewCatalog validates plans and keeps them in the given order.
func NewCatalog(plans ...PricingPlan) (*Catalog, error) {
	c := &Catalog{index: make(map[PlanType]int, len(plans))}
	for _, p := range plans {
		if err := validatePlan(p); err != nil {
			return nil, err
		}
		if _, dup := c.index[p.Type]; dup {
			return nil, errors.Join(ErrInvalidCatalog, fmt.Errorf("duplicate plan %q", p.Type))
		}
		c.index[p.Type] = len(c.plans)
		c.plans = append(c.plans, clonePlan(p))
	}
	if len(c.plans) == 0 {
		return nil, errors.Join(ErrInvalidCatalog, errors.New("no plans defined"))
	}
	return c, nil
}

// DefaultPlans is the built-in catalog used when no plans file is configured.
func DefaultPlans() []PricingPlan {
	return []PricingPlan{
		{
			Type:         PlanMonthly,
			Name:         "Monthly promotion",
			Price:        Money{Amount: 999, Currency: "EUR"},
			DurationDays: 30,
			Features:     []string{"Featured placement", "Cross-network promotion", "Profile analytics"},
		},
		{
			Type:         PlanYearly,
			Name:         "Yearly promotion",
			Price:        Money{Amount: 9900, Currency: "EUR"},
			DurationDays: 365,
			Features:     []string{"Featured placement", "Cross-network promotion", "Profile analytics", "Priority support"},
		},
		{
			Type:         PlanLifetime,
			Name:         "Lifetime promotion",
			Price:        Money{Amount: 24900, Currency: "EUR"},
			DurationDays: 0,
			Features:     []string{"Featured placement", "Cross-network promotion", "Profile analytics", "Priority support"},
		},
		{
			Type:         PlanFreeTrial,
			Name:         "Free promotion",
			Price:        Money{Amount: 0, Currency: "EUR"},
			DurationDays: 7,
			Features:     []string{"Featured placement"},
		},
	}
}

type catalogFile struct {
	Plans []PricingPlan `yaml:"plans"`
}

// LoadCatalog reads a YAML plans file:
//
//	plans:
//	  - type: monthly
//	    name: Monthly promotion
//	    price: {amount: 999, currency: EUR}
//	    duration_days: 30
//	    features: [Featured placement]
//	    provider_prices: {card: pri_01h...}
func LoadCatalog(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Join(ErrInvalidCatalog, err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, errors.Join(ErrInvalidCatalog, err)
	}
	return NewCatalog(f.Plans...)
}

// ListPlans returns a copy of every plan in catalog order.
func (c *Catalog) ListPlans() []PricingPlan {
	out := make([]PricingPlan, len(c.plans))
	for i, p := range c.plans {
		out[i] = clonePlan(p)
	}
	return out
}

// GetPlan returns the plan of the given type.
func (c *Catalog) GetPlan(t PlanType) (PricingPlan, error) {
	i, ok := c.index[t]
	if !ok {
		return PricingPlan{}, errors.Join(ErrNotFound, fmt.Errorf("plan %q", t))
	}
	return clonePlan(c.plans[i]), nil
}

// Views renders the plans for clients, formatting prices for lang.
func (c *Catalog) Views(lang language.Tag) []PlanView {
	printer := message.NewPrinter(lang)
	views := make([]PlanView, 0, len(c.plans))
	for _, p := range c.plans {
		views = append(views, PlanView{
			Type:         p.Type,
			Name:         p.Name,
			Price:        p.Price,
			DisplayPrice: formatMoney(printer, p.Price),
			DurationDays: p.DurationDays,
			Features:     slices.Clone(p.Features),
		})
	}
	return views
}

func formatMoney(printer *message.Printer, m Money) string {
	unit, err := currency.ParseISO(m.Currency)
	if err != nil {
		return fmt.Sprintf("%d %s", m.Amount, m.Currency)
	}
	scale, _ := currency.Standard.Rounding(unit)
	value := float64(m.Amount) / math.Pow10(scale)
	return printer.Sprint(currency.Symbol(unit.Amount(value)))
}

// Decimal renders the amount in major units with the currency's standard
// scale, e.g. "9.99" for 999 EUR. Provider APIs that take decimal strings
// use it.
func (m Money) Decimal() string {
	scale := 2
	if unit, err := currency.ParseISO(m.Currency); err == nil {
		scale, _ = currency.Standard.Rounding(unit)
	}
	if scale == 0 {
		return fmt.Sprintf("%d", m.Amount)
	}
	amount, sign := m.Amount, ""
	if amount < 0 {
		amount, sign = -amount, "-"
	}
	unit := int64(math.Pow10(scale))
	return fmt.Sprintf("%s%d.%0*d", sign, amount/unit, scale, amount%unit)
}

func validatePlan(p PricingPlan) error {
	invalid := func(format string, args ...any) error {
		return errors.Join(ErrInvalidCatalog, fmt.Errorf("plan %q: "+format, append([]any{p.Type}, args...)...))
	}
	switch {
	case !p.Type.Valid():
		return invalid("unknown plan type")
	case p.Price.Amount < 0:
		return invalid("negative price")
	case len(p.Price.Currency) != 3:
		return invalid("currency must be an ISO 4217 code")
	case p.DurationDays < 0:
		return invalid("negative duration")
	case p.Type == PlanLifetime && p.DurationDays != 0:
		return invalid("lifetime plans must have zero duration")
	case p.Type != PlanLifetime && p.DurationDays == 0:
		return invalid("duration is required")
	case p.Type == PlanFreeTrial && p.Price.Amount != 0:
		return invalid("free trial must be free")
	}
	for provider := range p.ProviderPrices {
		if !provider.Valid() {
			return invalid("unknown provider %q in provider_prices", provider)
		}
	}
	return nil
}

func clonePlan(p PricingPlan) PricingPlan {
	p.Features = slices.Clone(p.Features)
	p.ProviderPrices = maps.Clone(p.ProviderPrices)
	return p
}
