package a

import "time"

func leaseExpiry() {
	_ = time.Now() // want "time.Now\\(\\) should be followed by .UTC\\(\\) for timezone consistency"
}

func leaseExpiryUTC() {
	_ = time.Now().UTC()
}

func assignedBare() {
	deadline := time.Now() // want "time.Now\\(\\) should be followed by .UTC\\(\\) for timezone consistency"
	_ = deadline
}

func assignedUTC() {
	deadline := time.Now().UTC()
	_ = deadline
}

func chained() {
	_ = time.Now().UTC().Format(time.RFC3339)
}

func suppressedGeneral() {
	//nolint
	_ = time.Now()
}

func suppressedSpecific() {
	_ = time.Now() //nolint:timeutc
}

func suppressedOther() {
	_ = time.Now() //nolint:otherlinter // want "time.Now\\(\\) should be followed by .UTC\\(\\) for timezone consistency"
}
