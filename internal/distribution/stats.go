package distribution

// ConsumerStats captures per-consumer delivery metrics, used for the status
// API and eviction diagnostics.
type ConsumerStats struct {
	ID          string `json:"id"`
	Slot        int    `json:"slot"`
	Mode        string `json:"mode"`
	RemoteAddr  string `json:"remoteAddr"`
	ConnectedAt int64  `json:"connectedAt"`
	UptimeMs    int64  `json:"uptimeMs"`
	BytesSent   int64  `json:"bytesSent"`
	FramesSent  int64  `json:"framesSent"`
	QueueDepth  int    `json:"queueDepth"`
}

// DispatcherStats summarizes slot occupancy and admission counters.
type DispatcherStats struct {
	Mode         string          `json:"mode"`
	MaxConsumers int             `json:"maxConsumers"`
	Active       int             `json:"active"`
	Admitted     int64           `json:"admitted"`
	Rejected     int64           `json:"rejected"`
	Evicted      int64           `json:"evicted"`
	Frames       int64           `json:"frames"`
	Consumers    []ConsumerStats `json:"consumers"`
}
