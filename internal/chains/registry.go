package chains

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"time"

	"github.com/btcsuite/btcutil/base58"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

//go:embed chains.yaml
var defaultRegistry []byte

// xrplAddress matches classic XRP Ledger addresses (ripple base58 alphabet).
var xrplAddress = regexp.MustCompile(`^r[1-9A-HJ-NP-Za-km-z]{24,34}$`)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	if value.Value == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	d.Duration = parsed
	return nil
}

// Decimal wraps decimal.Decimal to support YAML unmarshalling from strings
// or plain numbers without passing through float64.
type Decimal struct {
	decimal.Decimal
}

// UnmarshalYAML parses a decimal scalar.
func (d *Decimal) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("decimal must be a scalar")
	}
	parsed, err := decimal.NewFromString(value.Value)
	if err != nil {
		return fmt.Errorf("parse decimal %q: %w", value.Value, err)
	}
	d.Decimal = parsed
	return nil
}

type chainFile struct {
	Chains  []chainEntry  `yaml:"chains"`
	Bridges []bridgeEntry `yaml:"bridges"`
}

type chainEntry struct {
	ID             string   `yaml:"id"`
	Name           string   `yaml:"name"`
	Family         Family   `yaml:"family"`
	Symbol         string   `yaml:"symbol"`
	Decimals       int      `yaml:"decimals"`
	FeeMultiplier  Decimal  `yaml:"fee_multiplier"`
	USDPrice       Decimal  `yaml:"usd_price"`
	PriceID        string   `yaml:"price_id"`
	Custody        string   `yaml:"custody"`
	Contract       string   `yaml:"contract"`
	Token          string   `yaml:"token"`
	GasUSDPrice    Decimal  `yaml:"gas_usd_price"`
	Program        string   `yaml:"program"`
	NetworkID      int64    `yaml:"network_id"`
	AddressPattern string   `yaml:"address_pattern"`
	ConfirmTimeout Duration `yaml:"confirm_timeout"`
	PollInterval   Duration `yaml:"poll_interval"`
	Testnet        bool     `yaml:"testnet"`
}

type bridgeEntry struct {
	From             string  `yaml:"from"`
	To               string  `yaml:"to"`
	EstimatedMinutes int     `yaml:"estimated_minutes"`
	FeeUSD           Decimal `yaml:"fee_usd"`
	FeeRate          Decimal `yaml:"fee_rate"`
	MinUSD           Decimal `yaml:"min_usd"`
	MaxUSD           Decimal `yaml:"max_usd"`
	Bidirectional    bool    `yaml:"bidirectional"`
}

// Registry is the immutable set of configured chains and bridge routes.
type Registry struct {
	chains map[string]Chain
	order  []string
	routes map[routeKey]Route
}

// LoadRegistry reads a registry file, or the embedded default when path is empty.
func LoadRegistry(path string) (*Registry, error) {
	data := defaultRegistry
	if path != "" {
		b, err := os.ReadFile(path) // #nosec G304 -- operator supplied config path
		if err != nil {
			return nil, fmt.Errorf("read chain registry: %w", err)
		}
		data = b
	}
	return ParseRegistry(data)
}

// ParseRegistry builds a registry from YAML.
func ParseRegistry(data []byte) (*Registry, error) {
	var f chainFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse chain registry: %w", err)
	}
	if len(f.Chains) == 0 {
		return nil, errors.New("chain registry: no chains configured")
	}

	r := &Registry{
		chains: make(map[string]Chain, len(f.Chains)),
		routes: make(map[routeKey]Route),
	}
	for _, e := range f.Chains {
		c, err := e.build()
		if err != nil {
			return nil, err
		}
		if _, dup := r.chains[c.ID]; dup {
			return nil, fmt.Errorf("chain registry: duplicate chain %q", c.ID)
		}
		r.chains[c.ID] = c
		r.order = append(r.order, c.ID)
	}
	for _, b := range f.Bridges {
		if err := r.addRoute(b); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (e chainEntry) build() (Chain, error) {
	if e.ID == "" {
		return Chain{}, errors.New("chain registry: chain without id")
	}
	if e.Decimals < 0 || e.Decimals > 36 {
		return Chain{}, fmt.Errorf("chain registry: %s decimals out of range", e.ID)
	}
	if !e.FeeMultiplier.IsPositive() {
		return Chain{}, fmt.Errorf("chain registry: %s fee_multiplier must be positive", e.ID)
	}

	validator, err := addressValidator(e.Family, e.AddressPattern)
	if err != nil {
		return Chain{}, fmt.Errorf("chain registry: %s: %w", e.ID, err)
	}

	c := Chain{
		ID:               e.ID,
		Name:             e.Name,
		Family:           e.Family,
		Symbol:           e.Symbol,
		Decimals:         e.Decimals,
		FeeMultiplier:    e.FeeMultiplier.Decimal,
		USDPrice:         e.USDPrice.Decimal,
		PriceID:          e.PriceID,
		Custody:          e.Custody,
		Contract:         e.Contract,
		Token:            e.Token,
		GasUSDPrice:      e.GasUSDPrice.Decimal,
		Program:          e.Program,
		NetworkID:        e.NetworkID,
		ConfirmTimeout:   e.ConfirmTimeout.Duration,
		PollInterval:     e.PollInterval.Duration,
		Testnet:          e.Testnet,
		addressValidator: validator,
	}
	if c.Token != "" && !c.GasUSDPrice.IsPositive() {
		return Chain{}, fmt.Errorf("chain registry: %s token chains need gas_usd_price", e.ID)
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	for field, addr := range map[string]string{"custody": c.Custody, "contract": c.Contract, "token": c.Token, "program": c.Program} {
		if addr == "" {
			continue
		}
		if err := c.ValidateAddress(addr); err != nil {
			return Chain{}, fmt.Errorf("chain registry: %s %s: %w", e.ID, field, err)
		}
	}
	return c, nil
}

// addressValidator returns the address check for a family, or one built
// from an explicit pattern.
func addressValidator(f Family, pattern string) (func(string) error, error) {
	if pattern != "" {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("address_pattern: %w", err)
		}
		return func(addr string) error {
			if !re.MatchString(addr) {
				return fmt.Errorf("%q does not match %s", addr, pattern)
			}
			return nil
		}, nil
	}

	switch f {
	case FamilyLedger:
		return validateLedgerAddress, nil
	case FamilyEVM:
		return validateEVMAddress, nil
	case FamilyProgram:
		return validateProgramAddress, nil
	default:
		return nil, fmt.Errorf("unknown family %q", f)
	}
}

func validateLedgerAddress(addr string) error {
	if !xrplAddress.MatchString(addr) {
		return fmt.Errorf("%q is not a classic ledger address", addr)
	}
	return nil
}

func validateEVMAddress(addr string) error {
	if len(addr) != 42 || !common.IsHexAddress(addr) {
		return fmt.Errorf("%q is not a 0x-prefixed 20-byte hex address", addr)
	}
	return nil
}

func validateProgramAddress(addr string) error {
	if n := len(base58.Decode(addr)); n != 32 {
		return fmt.Errorf("%q is not a base58 32-byte public key", addr)
	}
	return nil
}

// Get returns the chain config or an UnsupportedChain error naming the chain.
func (r *Registry) Get(id string) (Chain, error) {
	c, ok := r.chains[id]
	if !ok {
		return Chain{}, fmt.Errorf("%w: %q", ErrUnsupportedChain, id)
	}
	return c, nil
}

// Chains returns every configured chain in registry order.
func (r *Registry) Chains() []Chain {
	out := make([]Chain, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.chains[id])
	}
	return out
}

// Routes returns every bridge route, sorted by from/to.
func (r *Registry) Routes() []Route {
	out := make([]Route, 0, len(r.routes))
	for _, rt := range r.routes {
		out = append(out, rt)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out
}

func (r *Registry) addRoute(b bridgeEntry) error {
	for _, id := range []string{b.From, b.To} {
		if _, ok := r.chains[id]; !ok {
			return fmt.Errorf("chain registry: bridge references unknown chain %q", id)
		}
	}
	if b.From == b.To {
		return fmt.Errorf("chain registry: bridge %s->%s connects a chain to itself", b.From, b.To)
	}
	rt := Route{
		From:             b.From,
		To:               b.To,
		EstimatedMinutes: b.EstimatedMinutes,
		FeeUSD:           b.FeeUSD.Decimal,
		FeeRate:          b.FeeRate.Decimal,
		MinUSD:           b.MinUSD.Decimal,
		MaxUSD:           b.MaxUSD.Decimal,
	}
	r.routes[routeKey{b.From, b.To}] = rt
	if b.Bidirectional {
		rt.From, rt.To = b.To, b.From
		r.routes[routeKey{b.To, b.From}] = rt
	}
	return nil
}
