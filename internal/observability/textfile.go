package observability

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// WriteTextfile writes the registry in Prometheus text format for the
// node_exporter textfile collector. The file is replaced atomically.
func (mp *MeterProvider) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, mp.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
