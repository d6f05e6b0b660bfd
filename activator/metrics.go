package activator

import "expvar"

// Metrics holds the expvar counters of the background activator.
type Metrics struct {
	// Scheduled counts log ids freshly added to the pending set.
	Scheduled *expvar.Int
	// Completed counts finished background checks and actions.
	Completed *expvar.Int
	// ReactivationsForMetadataUpdate counts reactivations issued by the
	// engine.
	ReactivationsForMetadataUpdate *expvar.Int
	// MetadataUpdatesWithoutReactivation counts params-only epoch store
	// writes.
	MetadataUpdatesWithoutReactivation *expvar.Int
}

// NewMetrics creates the counter set. With publish set, the counters are
// registered in the global expvar namespace and show up on the debug
// server's /metrics endpoint; a process must do that at most once.
func NewMetrics(publish bool) *Metrics {
	if publish {
		return &Metrics{
			Scheduled:                          expvar.NewInt("background_sequencer_reactivations_scheduled"),
			Completed:                          expvar.NewInt("background_sequencer_reactivations_completed"),
			ReactivationsForMetadataUpdate:     expvar.NewInt("sequencer_reactivations_for_metadata_update"),
			MetadataUpdatesWithoutReactivation: expvar.NewInt("metadata_updates_without_sequencer_reactivation"),
		}
	}
	return &Metrics{
		Scheduled:                          new(expvar.Int),
		Completed:                          new(expvar.Int),
		ReactivationsForMetadataUpdate:     new(expvar.Int),
		MetadataUpdatesWithoutReactivation: new(expvar.Int),
	}
}
