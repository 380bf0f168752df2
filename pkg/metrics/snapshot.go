package metrics

import (
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// WriteSnapshot dumps every gathered metric family to w in the Prometheus
// text exposition format. Called on shutdown so a session's counters
// survive in the logs even when no scraper was attached.
func WriteSnapshot(w io.Writer) error {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}

	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("failed to encode metric family %q: %w", mf.GetName(), err)
		}
	}
	return nil
}
