package clicks

import (
	"time"

	"github.com/shopspring/decimal"
)

// Config holds the click ledger constants.
type Config struct {
	BatchSize           int
	CreditPerBatch      decimal.Decimal
	QualifyingSaleValue decimal.Decimal
	MinQualifyingSales  int
	DuplicateWindow     time.Duration
}

func DefaultConfig() Config {
	return Config{
		BatchSize:           10,
		CreditPerBatch:      decimal.NewFromInt(1),
		QualifyingSaleValue: decimal.NewFromInt(150),
		MinQualifyingSales:  2,
		DuplicateWindow:     60 * time.Second,
	}
}

// Conversion is the result of applying the batch rule to unpaid clicks.
type Conversion struct {
	Batches int
	PaidNow int
	Credit  decimal.Decimal
}

// Convert returns how many unpaid clicks convert and the credit they earn.
func (c Config) Convert(unpaid int) Conversion {
	if c.BatchSize <= 0 || unpaid < c.BatchSize {
		return Conversion{Credit: decimal.Zero}
	}
	batches := unpaid / c.BatchSize
	return Conversion{
		Batches: batches,
		PaidNow: batches * c.BatchSize,
		Credit:  c.CreditPerBatch.Mul(decimal.NewFromInt(int64(batches))),
	}
}

// Remaining returns the clicks missing before the next batch completes.
func (c Config) Remaining(unpaid int) int {
	if c.BatchSize <= 0 {
		return 0
	}
	if unpaid < 0 {
		unpaid = 0
	}
	return c.BatchSize - unpaid%c.BatchSize
}
