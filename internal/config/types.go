package config

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Duration decodes YAML scalars like "500ms" or "5m".
type Duration time.Duration

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Decimal decodes YAML scalars, quoted or bare, into exact decimals.
type Decimal struct {
	decimal.Decimal
}

// Dec wraps a decimal for defaults.
func Dec(s string) Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(fmt.Sprintf("bad decimal literal %q", s))
	}
	return Decimal{v}
}

func (d *Decimal) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := decimal.NewFromString(node.Value)
	if err != nil {
		return fmt.Errorf("invalid decimal %q: %w", node.Value, err)
	}
	d.Decimal = parsed
	return nil
}
