// Package report renders the end-of-run mining summary: a plain-text file and
// a console assessment of the run's acceptance rate and hashrate.
package report

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/dougchansan/sha3xd/internal/mining"
)

// Bands classify a run's acceptance rate and hashrate for the assessment
// lines. These are reporting policy, not engine behavior.
type Bands struct {
	GoodRatePercent      float64
	ExcellentRatePercent float64
	GoodHashrateMHs      float64
	ExcellentHashrateMHs float64
}

// Summary is the final accounting of one mining run
type Summary struct {
	PoolURL    string
	Wallet     string
	WorkerName string
	Runtime    time.Duration
	Snapshot   mining.Snapshot
	Bands      Bands
}

// truncateWallet shortens a wallet address for display, keeping enough of the
// prefix to recognize it
func truncateWallet(wallet string) string {
	if len(wallet) <= 20 {
		return wallet
	}
	return wallet[:20] + "..."
}

// averageMHs converts the run's average hashrate to MH/s
func (s *Summary) averageMHs() float64 {
	return s.Snapshot.AverageHashrate / 1e6
}

// Render produces the summary file contents
func (s *Summary) Render() string {
	var b strings.Builder

	b.WriteString("SHA3X Mining Run Summary\n")
	b.WriteString("========================\n")
	fmt.Fprintf(&b, "Pool: %s\n", s.PoolURL)
	fmt.Fprintf(&b, "Wallet: %s\n", truncateWallet(s.Wallet))
	fmt.Fprintf(&b, "Worker: %s\n", s.WorkerName)
	fmt.Fprintf(&b, "Runtime: %d seconds\n", int(s.Runtime.Seconds()))
	fmt.Fprintf(&b, "Average Hashrate: %.2f MH/s\n", s.averageMHs())
	fmt.Fprintf(&b, "Total Shares: %d\n", s.Snapshot.TotalShares)
	fmt.Fprintf(&b, "Accepted Shares: %d\n", s.Snapshot.AcceptedShares)
	fmt.Fprintf(&b, "Rejected Shares: %d\n", s.Snapshot.RejectedShares)

	if s.Snapshot.AcceptanceRate != nil {
		fmt.Fprintf(&b, "Acceptance Rate: %.1f%%\n", *s.Snapshot.AcceptanceRate)
	}

	b.WriteString("Status: RUN COMPLETED\n")
	return b.String()
}

// WriteFile writes the summary to the given path
func (s *Summary) WriteFile(path string) error {
	if err := os.WriteFile(path, []byte(s.Render()), 0o644); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}
	return nil
}

// PrintAssessment prints the run results and banded assessment to the console
func (s *Summary) PrintAssessment() {
	bold := color.New(color.Bold)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	bold.Println("\n=== Final Results ===")
	fmt.Printf("Runtime: %d seconds\n", int(s.Runtime.Seconds()))
	fmt.Printf("Average Hashrate: %.2f MH/s\n", s.averageMHs())
	fmt.Printf("Total Shares: %d\n", s.Snapshot.TotalShares)
	fmt.Printf("Accepted: %d\n", s.Snapshot.AcceptedShares)
	fmt.Printf("Rejected: %d\n", s.Snapshot.RejectedShares)

	if s.Snapshot.AcceptanceRate != nil {
		rate := *s.Snapshot.AcceptanceRate
		fmt.Printf("Acceptance Rate: %.1f%%\n", rate)

		switch {
		case rate >= s.Bands.ExcellentRatePercent:
			green.Println("EXCELLENT: high share acceptance rate")
		case rate >= s.Bands.GoodRatePercent:
			green.Println("GOOD: acceptable share acceptance rate")
		default:
			yellow.Println("IMPROVEMENT NEEDED: low share acceptance rate")
		}
	}

	bold.Println("\nPerformance Assessment:")
	mhs := s.averageMHs()
	switch {
	case mhs >= s.Bands.ExcellentHashrateMHs:
		green.Println("EXCELLENT: above target performance")
	case mhs >= s.Bands.GoodHashrateMHs:
		green.Println("GOOD: meets performance targets")
	default:
		yellow.Println("BELOW TARGET: performance needs optimization")
	}
}
