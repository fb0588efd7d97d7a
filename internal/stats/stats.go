// Package stats samples host resources for a pack storage node. Disk
// figures are taken from the filesystem holding the repository store,
// since that is the volume pushes actually fill up.
package stats

// Stats is a point-in-time resource sample.
type Stats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsedGB  float64 `json:"memory_used_gb"`
	MemoryTotalGB float64 `json:"memory_total_gb"`
	StorePercent  float64 `json:"store_percent"`
	StoreUsedGB   float64 `json:"store_used_gb"`
	StoreTotalGB  float64 `json:"store_total_gb"`
}
