package terminal

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/quantumauth-io/quantum-interceptor/internal/pending"
	"github.com/quantumauth-io/quantum-interceptor/internal/simulation"
)

func describe(e pending.Entry, queued int, simulationMode bool) string {
	var b strings.Builder
	mode := "signing"
	if simulationMode {
		mode = "simulation"
	}
	fmt.Fprintf(&b, "\n=== %s request (%d queued, %s mode) ===\n", e.Method, queued, mode)
	fmt.Fprintf(&b, "website:  %s\n", e.Website.Origin)

	if tx := e.Transaction; tx != nil {
		fmt.Fprintf(&b, "from:     %s\n", tx.From.Hex())
		if tx.To != nil {
			fmt.Fprintf(&b, "to:       %s\n", tx.To.Hex())
		} else {
			fmt.Fprintf(&b, "to:       (contract creation)\n")
		}
		fmt.Fprintf(&b, "value:    %s ETH\n", formatUnitsTrim(tx.ValueInt(), 18, 6))
		fmt.Fprintf(&b, "nonce:    %d  gas: %d\n", uint64(tx.Nonce), uint64(tx.Gas))
		if len(tx.Input) > 0 {
			fmt.Fprintf(&b, "calldata: %d bytes\n", len(tx.Input))
		}
	} else {
		fmt.Fprintf(&b, "params:   %s\n", string(e.Params))
	}

	fmt.Fprintf(&b, "status:   %s\n", e.CreationStatus)
	if e.SimulationError != "" {
		fmt.Fprintf(&b, "simulation failed: %s\n", e.SimulationError)
	}
	if e.Preview != nil && e.Transaction != nil {
		if _, res, _, ok := e.Preview.Result(e.Transaction.Identifier); ok && res.Error != nil {
			fmt.Fprintf(&b, "reverts:  %s\n", res.Error.Message)
		}
		for _, c := range e.Preview.BalanceChanges {
			fmt.Fprintf(&b, "balance:  %s %s\n", c.Address.Hex(), formatDelta(c))
		}
	}
	if v := e.Verdict; v != nil {
		fmt.Fprintf(&b, "classifier: %s %s\n", v.Status, v.Cause)
	}
	return b.String()
}

func formatDelta(c simulation.BalanceChange) string {
	delta, ok := new(big.Int).SetString(c.Delta, 10)
	if !ok {
		return c.Delta
	}
	sign := "+"
	if delta.Sign() < 0 {
		sign = "-"
		delta.Neg(delta)
	}
	if c.Token == simulation.EtherToken {
		return sign + formatUnitsTrim(delta, 18, 6) + " ETH"
	}
	return sign + delta.String() + " of token " + c.Token.Hex()
}

// formatUnitsTrim renders amount / 10^decimals with at most maxFrac fraction digits and no
// trailing zeros.
func formatUnitsTrim(amount *big.Int, decimals uint8, maxFrac int) string {
	if amount == nil || amount.Sign() == 0 {
		return "0"
	}
	base := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	intPart, fracPart := new(big.Int).QuoRem(amount, base, new(big.Int))
	if fracPart.Sign() == 0 || maxFrac <= 0 {
		return intPart.String()
	}

	fracStr := fracPart.String()
	if len(fracStr) < int(decimals) {
		fracStr = strings.Repeat("0", int(decimals)-len(fracStr)) + fracStr
	}
	if len(fracStr) > maxFrac {
		fracStr = fracStr[:maxFrac]
	}
	fracStr = strings.TrimRight(fracStr, "0")
	if fracStr == "" {
		return intPart.String()
	}
	return intPart.String() + "." + fracStr
}
