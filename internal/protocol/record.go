package protocol

// Name fields are truncated on encode so a frame never exceeds what the
// display firmware reserves for them.
const (
	MaxCPUNameLen = 35
	MaxGPUNameLen = 40
)

// TelemetryRecord is one immutable host snapshot. Zero means the sensor
// was unavailable, never an error.
type TelemetryRecord struct {
	Timestamp int64       `json:"ts"`
	CPU       CPUStats    `json:"cpu"`
	GPU       GPUStats    `json:"gpu"`
	Memory    MemoryStats `json:"mem"`
}

type CPUStats struct {
	Usage int    `json:"usage"`
	Temp  int    `json:"temp"`
	Fan   int    `json:"fan"`
	Name  string `json:"name"`
}

type GPUStats struct {
	Usage    int    `json:"usage"`
	Temp     int    `json:"temp"`
	Name     string `json:"name"`
	MemUsed  int    `json:"mem_used"`
	MemTotal int    `json:"mem_total"`
}

// MemoryStats carries gigabyte values as floats; values are expected to be
// rounded to two decimals by the producer.
type MemoryStats struct {
	Usage int     `json:"usage"`
	Used  float64 `json:"used"`
	Total float64 `json:"total"`
	Avail float64 `json:"avail"`
}
