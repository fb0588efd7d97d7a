//go:build darwin

package stats

// Collector is a stub on macOS; storage nodes only run on Linux.
type Collector struct {
	storePath string
}

func NewCollector(storePath string) *Collector {
	return &Collector{storePath: storePath}
}

func (c *Collector) Get() *Stats {
	return &Stats{}
}
