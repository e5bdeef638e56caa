package store

// DeviceConfig is the persisted form of the active runtime configuration,
// stored as JSON in the "device_config" bucket with keys sampling_ms,
// upload_ms, slave_addr, and registers (register names). No register count
// is stored; it is len(Registers).
type DeviceConfig struct {
	SamplingIntervalMS uint32   `json:"sampling_ms"`
	UploadIntervalMS   uint32   `json:"upload_ms"`
	SlaveAddress       uint8    `json:"slave_addr"`
	Registers          []string `json:"registers"`
}

// FotaState is the persisted resume point for the FOTA engine (§6 "fota"
// namespace: job_id, offset).
type FotaState struct {
	JobID  uint32 `json:"job_id"`
	Offset uint32 `json:"offset"`
}
