package queue

// Job payload envelopes. RetryCount travels inside the payload so the retry
// pipeline can rebuild the envelope without broker-level metadata.

// CommitChunkPayload moves a staged chunk blob into its canonical key and
// records the index against the session.
type CommitChunkPayload struct {
	SessionID  string `json:"session_id"`
	ChunkIndex int64  `json:"chunk_index"`
	TempKey    string `json:"temp_key"`
	Owner      string `json:"owner"`
	RetryCount int    `json:"retry_count"`
}

// AssembleFilePayload concatenates a completed session's chunks into the
// final upload object and hands off to video processing.
type AssembleFilePayload struct {
	SessionID  string `json:"session_id"`
	Owner      string `json:"owner"`
	RetryCount int    `json:"retry_count"`
}

// ProcessVideoPayload probes an assembled upload and extracts its thumbnail.
type ProcessVideoPayload struct {
	VideoID    string `json:"video_id"`
	SessionID  string `json:"session_id"`
	StorageKey string `json:"storage_key"`
	Owner      string `json:"owner"`
	FileSize   int64  `json:"file_size"`
	RetryCount int    `json:"retry_count"`
}
