package checksum

import (
	"hash/crc32"
	"strings"
	"testing"

	"github.com/sequex/marketdata-core/internal/bookutil"
)

func lvl(t *testing.T, price, qty string) bookutil.PriceLevel {
	t.Helper()
	pl, err := bookutil.ParsePriceLevel(price, qty)
	if err != nil {
		t.Fatalf("ParsePriceLevel: %v", err)
	}
	return pl
}

// The checksum string interleaves bid and ask rows and appends the
// remainder of the longer side.
func TestBuildInterleavesBidsAndAsks(t *testing.T) {
	bids := []bookutil.PriceLevel{lvl(t, "100", "1"), lvl(t, "99", "2")}
	asks := []bookutil.PriceLevel{lvl(t, "101", "1")}

	got := Build(bids, asks)
	want := "100:1:101:1:99:2"
	if got != want {
		t.Fatalf("Build() = %q, want %q", got, want)
	}
}

func TestComputeMatchesManualCRC32(t *testing.T) {
	bids := []bookutil.PriceLevel{lvl(t, "100.5", "1.2")}
	asks := []bookutil.PriceLevel{lvl(t, "101.5", "0.8")}

	str := Build(bids, asks)
	want := int32(crc32.ChecksumIEEE([]byte(str)))

	got := Compute(bids, asks)
	if got != want {
		t.Fatalf("Compute() = %d, want %d", got, want)
	}
}

func TestComputeProducesNegativeForHighSum(t *testing.T) {
	// Any input whose unsigned CRC32 is >= 2^31 must come back negative.
	bids := []bookutil.PriceLevel{lvl(t, "1", "1")}
	asks := []bookutil.PriceLevel{lvl(t, "2", "1")}
	sum := crc32.ChecksumIEEE([]byte(Build(bids, asks)))
	got := Compute(bids, asks)
	if sum >= 1<<31 && got >= 0 {
		t.Fatalf("expected signed reinterpretation to go negative for sum=%d, got %d", sum, got)
	}
}

func TestValidateDetectsMismatch(t *testing.T) {
	bids := []bookutil.PriceLevel{lvl(t, "100", "1")}
	asks := []bookutil.PriceLevel{lvl(t, "101", "1")}

	if !Validate(bids, asks, Compute(bids, asks)) {
		t.Fatal("expected Validate to accept the correct checksum")
	}
	if Validate(bids, asks, Compute(bids, asks)+1) {
		t.Fatal("expected Validate to reject a wrong checksum")
	}
}

func TestBuildTruncatesToDepthAndAppendsRemainder(t *testing.T) {
	bids := make([]bookutil.PriceLevel, 30)
	for i := range bids {
		bids[i] = lvl(t, "100", "1")
	}
	asks := []bookutil.PriceLevel{lvl(t, "101", "1")}

	got := Build(bids, asks)
	tokens := strings.Split(got, ":")
	// bids truncate to Depth: 1 interleaved row (4 tokens) + 24 leftover
	// bid rows (2 tokens each).
	want := 4 + (Depth-1)*2
	if len(tokens) != want {
		t.Fatalf("Build() produced %d tokens, want %d", len(tokens), want)
	}
}
