package wire

// ContactInfo is a peer's published endpoint plus its startup epoch, used
// to detect both address changes and process restarts.
type ContactInfo struct {
	ID           string  `json:"id"`
	Host         string  `json:"host"`
	Port         int     `json:"port"`
	StartupEpoch FlexInt `json:"startup_epoch"`
}

// NoticeEntry is one (id, timestamp) pair in a PeerTracker notice map.
type NoticeEntry struct {
	ID          FlexInt `json:"id"`
	TimestampMS int64   `json:"timestamp_ms"`
}

// BundleNoticeEntry is a "this bundle is dead" entry, keyed by bundle id
// within a query.
type BundleNoticeEntry struct {
	QueryID     FlexInt `json:"query_id"`
	BundleID    FlexInt `json:"bundle_id"`
	TimestampMS int64   `json:"timestamp_ms"`
}

// StatusExchange is the body of POST /workerstatus: the
// coordinator's periodic liveness/GC-hint round trip to one worker.
type StatusExchange struct {
	Envelope
	RequestID          string              `json:"request_id"`
	Czar               ContactInfo         `json:"czar"`
	ExpectedWorker     ContactInfo         `json:"expected_worker"`
	ThoughtPeerWasDead bool                `json:"thought_peer_was_dead"`
	DeleteFiles        []NoticeEntry       `json:"delete_files"`
	KeepFiles          []NoticeEntry       `json:"keep_files"`
	DeadBundles        []BundleNoticeEntry `json:"dead_bundles"`
}

// StatusExchangeAck is the worker's reply to a StatusExchange: which ids it
// has acted on, so the coordinator can compact its maps, plus the worker's
// own contact info so a changed startup_epoch is observed on the very next
// exchange.
type StatusExchangeAck struct {
	Response
	RequestID        string      `json:"request_id"`
	Worker           ContactInfo `json:"worker"`
	AckedDeleteFiles []int64     `json:"acked_delete_files"`
	AckedKeepFiles   []int64     `json:"acked_keep_files"`
	AckedDeadBundles []int64     `json:"acked_dead_bundles"`
	ComIssue         *ComIssue   `json:"com_issue,omitempty"`
}

// FailedTransmit is one bundle-ready notification the worker could not
// deliver to the coordinator.
type FailedTransmit struct {
	QueryID   FlexInt `json:"query_id"`
	UberJobID FlexInt `json:"uberjob_id"`
	FileURL   string  `json:"file_url"`
	RowCount  FlexInt `json:"row_count"`
	FileSize  FlexInt `json:"file_size"`
}

// ComIssue is attached to a status-exchange reply when the worker has had
// communication trouble reaching this coordinator.
type ComIssue struct {
	Envelope
	ThoughtPeerWasDead bool             `json:"thought_peer_was_dead"`
	FailedTransmits    []FailedTransmit `json:"failed_transmits"`
}

// ComIssueAck is POST /workerczarcomissue's response: which (query_id,
// uberjob_id) pairs the coordinator now accepts, so the worker can clear
// exactly those from its own pending set.
type ComIssueAck struct {
	Response
	Accepted []BundleNoticeEntry `json:"accepted"`
}
