package chains

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	xrplBuyer    = "rHb9CJAWyB4rj91VRWn96DkukG4bwdtyTh"
	xrplSeller   = "rN7n7otQDd6FczFgLdSqtcsAUxDkw6fzRH"
	evmBuyer     = "0x1111111111111111111111111111111111111111"
	evmSeller    = "0x2222222222222222222222222222222222222222"
	solanaBuyer  = "So11111111111111111111111111111111111111112"
	solanaSeller = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
)

func TestLoadRegistry_Default(t *testing.T) {
	reg, err := LoadRegistry("")
	require.NoError(t, err)

	var ids []string
	for _, c := range reg.Chains() {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{"xrpl", "ethereum", "polygon", "base", "solana"}, ids)

	eth, err := reg.Get("ethereum")
	require.NoError(t, err)
	assert.Equal(t, FamilyEVM, eth.Family)
	assert.Equal(t, 18, eth.Decimals)
	assert.True(t, eth.FeeMultiplier.Equal(decimal.RequireFromString("1.2")))
	assert.Equal(t, int64(1), eth.NetworkID)
	assert.Equal(t, 3*time.Minute, eth.ConfirmTimeout)

	xrpl, err := reg.Get("xrpl")
	require.NoError(t, err)
	assert.Equal(t, 6, xrpl.Decimals)
	assert.True(t, xrpl.FeeMultiplier.Equal(decimal.RequireFromString("0.9")))

	sol, err := reg.Get("solana")
	require.NoError(t, err)
	assert.Equal(t, 9, sol.Decimals)
}

func TestLoadRegistry_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chains.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
chains:
  - id: devnet
    family: evm
    decimals: 18
    fee_multiplier: "1"
    network_id: 31337
`), 0o600))

	reg, err := LoadRegistry(path)
	require.NoError(t, err)
	c, err := reg.Get("devnet")
	require.NoError(t, err)
	assert.Equal(t, int64(31337), c.NetworkID)
	assert.Equal(t, time.Minute, c.ConfirmTimeout, "default confirm timeout")
	assert.Equal(t, 2*time.Second, c.PollInterval, "default poll interval")

	_, err = LoadRegistry(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestRegistry_GetUnsupported(t *testing.T) {
	reg, err := LoadRegistry("")
	require.NoError(t, err)

	_, err = reg.Get("dogecoin")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedChain))
	assert.Contains(t, err.Error(), "dogecoin")
}

func TestRegistry_Routes(t *testing.T) {
	reg, err := LoadRegistry("")
	require.NoError(t, err)

	routes := reg.Routes()
	assert.Len(t, routes, 8, "four bidirectional bridges")
	for _, rt := range routes {
		assert.NotEqual(t, "xrpl", rt.From)
		assert.NotEqual(t, "xrpl", rt.To)
	}
}

func TestChain_ValidateAddress(t *testing.T) {
	reg, err := LoadRegistry("")
	require.NoError(t, err)

	tests := []struct {
		chain string
		addr  string
		valid bool
	}{
		{"xrpl", xrplBuyer, true},
		{"xrpl", xrplSeller, true},
		{"xrpl", evmBuyer, false},
		{"xrpl", "rShort", false},
		{"xrpl", "r0OIl0OIl0OIl0OIl0OIl0OIl0", false},
		{"ethereum", evmBuyer, true},
		{"ethereum", "0x1234", false},
		{"ethereum", "1111111111111111111111111111111111111111", false},
		{"ethereum", "0xZZ11111111111111111111111111111111111111", false},
		{"polygon", evmSeller, true},
		{"solana", solanaBuyer, true},
		{"solana", solanaSeller, true},
		{"solana", evmBuyer, false},
		{"solana", "not-base58!", false},
	}

	for _, tt := range tests {
		t.Run(tt.chain+"/"+tt.addr, func(t *testing.T) {
			c, err := reg.Get(tt.chain)
			require.NoError(t, err)
			err = c.ValidateAddress(tt.addr)
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidAddress))
		})
	}
}

func TestParseRegistry_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"no chains", `chains: []`},
		{"missing id", `
chains:
  - family: evm
    fee_multiplier: "1"
`},
		{"duplicate chain", `
chains:
  - {id: a, family: evm, fee_multiplier: "1"}
  - {id: a, family: evm, fee_multiplier: "1"}
`},
		{"zero multiplier", `
chains:
  - {id: a, family: evm, fee_multiplier: "0"}
`},
		{"unknown family", `
chains:
  - {id: a, family: utxo, fee_multiplier: "1"}
`},
		{"bad custody", `
chains:
  - {id: a, family: ledger, fee_multiplier: "1", custody: "0x1111111111111111111111111111111111111111"}
`},
		{"token chain without gas price", `
chains:
  - {id: a, family: evm, fee_multiplier: "1", token: "0x1111111111111111111111111111111111111111"}
`},
		{"bad decimal", `
chains:
  - {id: a, family: evm, fee_multiplier: "one"}
`},
		{"bridge to unknown chain", `
chains:
  - {id: a, family: evm, fee_multiplier: "1"}
bridges:
  - {from: a, to: b}
`},
		{"bridge to itself", `
chains:
  - {id: a, family: evm, fee_multiplier: "1"}
bridges:
  - {from: a, to: a}
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRegistry([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestParseRegistry_AddressPattern(t *testing.T) {
	reg, err := ParseRegistry([]byte(`
chains:
  - id: custom
    family: ledger
    fee_multiplier: "1"
    address_pattern: "^acct-[0-9]+$"
`))
	require.NoError(t, err)

	c, err := reg.Get("custom")
	require.NoError(t, err)
	assert.NoError(t, c.ValidateAddress("acct-42"))
	assert.Error(t, c.ValidateAddress(xrplBuyer))
}
