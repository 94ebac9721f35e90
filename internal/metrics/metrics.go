package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(value float64)
}

type Metrics struct {
	PrimaryFailures      Counter
	FallbackWrites       Counter
	FallbackReads        Counter
	PersistenceFailures  Counter
	TransactionsRecorded Counter
	CorruptState         Counter
	PrimaryRestored      Counter
	FallbackImported     Counter
	PrimaryHealthy       Gauge
}

type noopCounter struct{}

func (noopCounter) Inc() {}

type noopGauge struct{}

func (noopGauge) Set(float64) {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		PrimaryFailures:      n,
		FallbackWrites:       n,
		FallbackReads:        n,
		PersistenceFailures:  n,
		TransactionsRecorded: n,
		CorruptState:         n,
		PrimaryRestored:      n,
		FallbackImported:     n,
		PrimaryHealthy:       noopGauge{},
	}
}
