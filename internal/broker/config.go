package broker

// PostOnlyBehavior parameterizes §9 open question (c): what happens when a
// post_only limit order is marketable at activation.
type PostOnlyBehavior int

const (
	// PostOnlyReject rejects the order outright (the default).
	PostOnlyReject PostOnlyBehavior = iota
	// PostOnlyReprice pulls the limit back to one tick behind the
	// crossing price so it rests instead of taking, mirroring common
	// exchange "post-only" repricing behaviour.
	PostOnlyReprice
)

// Config holds the simulated broker's latency, fee, and maker-queue
// parameters.
type Config struct {
	SubmitLatencyMs int64
	CancelLatencyMs int64

	TakerFeeFrac float64
	MakerFeeFrac float64

	MakerQueueAheadFactor   float64
	MakerQueueAheadExtraQty float64
	MakerTradeParticipation float64

	PostOnlyBehavior PostOnlyBehavior
	RepriceTickSize  float64 // used only when PostOnlyBehavior == PostOnlyReprice

	// InvalidateActiveMakersOnGuardTrip extends guard invalidation (§4.3)
	// from pending submits to resting maker orders as well. Default false
	// matches the spec: "Active makers are left in place unless
	// configured otherwise."
	InvalidateActiveMakersOnGuardTrip bool
}

// DefaultConfig returns the documented defaults: no latency, no fees, a 1x
// queue-ahead factor with no padding, full trade participation, and
// post-only rejection.
func DefaultConfig() Config {
	return Config{
		SubmitLatencyMs:         0,
		CancelLatencyMs:         0,
		TakerFeeFrac:            0,
		MakerFeeFrac:            0,
		MakerQueueAheadFactor:   1.0,
		MakerQueueAheadExtraQty: 0,
		MakerTradeParticipation: 1.0,
		PostOnlyBehavior:        PostOnlyReject,
	}
}
