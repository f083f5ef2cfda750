// Package catalog reads the plan catalog file used by set-plans.
package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"subscription-billing/internal/domain/model"
)

type file struct {
	Plans []planEntry `yaml:"plans"`
}

type planEntry struct {
	Code         string `yaml:"code"`
	Price        string `yaml:"price"`
	LabelPrice   string `yaml:"label_price"`
	Credits      int64  `yaml:"credits"`
	Days         int    `yaml:"days"`
	Subscription bool   `yaml:"subscription"`
	API          bool   `yaml:"api"`
	Yearly       bool   `yaml:"yearly"`
	Keys         struct {
		PayPalProduct string `yaml:"paypal_product"`
		PayPalPlan    string `yaml:"paypal_plan"`
		Coinbase      string `yaml:"coinbase"`
		Stripe        string `yaml:"stripe"`
		Square        string `yaml:"square"`
	} `yaml:"keys"`
}

// LoadFile reads plans from a YAML catalog on disk.
func LoadFile(path string) ([]*model.Plan, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	plans, err := Parse(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return plans, nil
}

// Parse decodes a catalog. Unknown fields, duplicate codes and fractional
// prices are rejected.
func Parse(r io.Reader) ([]*model.Plan, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var f file
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if len(f.Plans) == 0 {
		return nil, errors.New("catalog has no plans")
	}

	seen := make(map[string]bool, len(f.Plans))
	out := make([]*model.Plan, 0, len(f.Plans))
	for i, e := range f.Plans {
		price, err := wholeUnits(e.Price)
		if err != nil {
			return nil, fmt.Errorf("plan %d (%s): price: %w", i, e.Code, err)
		}
		p, err := model.NewPlan(e.Code, price, e.Credits, e.Days)
		if err != nil {
			return nil, fmt.Errorf("plan %d (%s): %w", i, e.Code, err)
		}
		if seen[p.CodeName] {
			return nil, fmt.Errorf("plan %d: duplicate code %q", i, p.CodeName)
		}
		seen[p.CodeName] = true

		if e.LabelPrice != "" {
			label, err := wholeUnits(e.LabelPrice)
			if err != nil {
				return nil, fmt.Errorf("plan %d (%s): label_price: %w", i, e.Code, err)
			}
			p.LabelPrice = &label
		}
		p.IsSubscription = e.Subscription
		p.IsAPIPlan = e.API
		p.YearlySubscription = e.Yearly
		p.PayPalProductKey = e.Keys.PayPalProduct
		p.PayPalPlanKey = e.Keys.PayPalPlan
		p.CoinbaseKey = e.Keys.Coinbase
		p.StripeKey = e.Keys.Stripe
		p.SquareKey = e.Keys.Square
		out = append(out, p)
	}
	return out, nil
}

func wholeUnits(s string) (int64, error) {
	if s == "" {
		return 0, errors.New("missing")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("negative amount %s", s)
	}
	if !d.Equal(d.Truncate(0)) {
		return 0, fmt.Errorf("fractional amount %s", s)
	}
	return d.IntPart(), nil
}
