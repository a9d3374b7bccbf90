// Package console prints the engine's startup banner and periodic
// status lines using colored terminal output.
package console

import (
	"fmt"

	"github.com/fatih/color"
)

// Banner prints the startup banner: wallet address, the concurrent
// position cap, and whether transactions are submitted live or the engine
// runs as a dry run.
func Banner(walletAddress string, maxConcurrentPositions int, live bool) {
	fmt.Println("----------------------------------------")
	color.Cyan("EXECUTION ENGINE")
	fmt.Println("----------------------------------------")
	fmt.Printf("Wallet:   %s\n", walletAddress)
	fmt.Printf("Max pos:  %d\n", maxConcurrentPositions)
	if live {
		color.Green("Status:   LIVE — submitting real transactions")
	} else {
		color.Yellow("Status:   DRY RUN — no transactions submitted")
	}
	fmt.Println("----------------------------------------")
}

// WalletEmptyWarning prints a warning when the signing wallet has zero
// balance.
func WalletEmptyWarning(address string) {
	color.Red("⚠ wallet %s has zero SOL balance — trading is blocked until funded", address)
}

// PositionOpened prints a one-line confirmation for a newly opened
// position.
func PositionOpened(assetID string, sizeUSD, entryPrice float64) {
	color.Green("+ opened %s: $%.2f @ %.8f", assetID, sizeUSD, entryPrice)
}

// PositionClosed prints a one-line confirmation for a closed position,
// colored green for a win and red for a loss.
func PositionClosed(assetID string, reason string, realizedPnLUSD float64) {
	line := fmt.Sprintf("- closed %s (%s): $%.2f", assetID, reason, realizedPnLUSD)
	if realizedPnLUSD >= 0 {
		color.Green(line)
	} else {
		color.Red(line)
	}
}

// Status prints the slow-ticker status line: wallet and balance, open
// position count, halt state, and the hot-path latency percentiles.
// balanceSOL < 0 means the balance fetch failed this tick; haltedFor is
// empty when trading is live.
func Status(address string, balanceSOL float64, activePositions int, haltedFor string, p50, p95, p99 float64) {
	balance := "n/a"
	if balanceSOL >= 0 {
		balance = fmt.Sprintf("%.4f SOL", balanceSOL)
	}
	fmt.Printf("status  wallet %s  balance %s  positions %d\n", address, balance, activePositions)
	if haltedFor != "" {
		color.Yellow("⏸ trading halted for %s", haltedFor)
	}
	if p50 > 0 {
		fmt.Printf("        hot path p50 %.1fms  p95 %.1fms  p99 %.1fms\n", p50, p95, p99)
	}
}
