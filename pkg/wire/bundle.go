package wire

import "strconv"

// TemplateEntry is one entry of the fragment-template interning map: index -> SQL template string.
type TemplateEntry struct {
	Index    int    `json:"index"`
	Template string `json:"template"`
}

// TableEntry interns a (db, table) pair referenced by index from fragments.
type TableEntry struct {
	Index int    `json:"index"`
	DB    string `json:"db"`
	Table string `json:"table"`
}

// TableRef names a table a bundle's scan touches, used for scan-priority
// ordering on the worker.
type TableRef struct {
	DB    string `json:"db"`
	Table string `json:"table"`
}

// ScanInfo carries the scan profile: priority plus the tables the bundle's
// jobs will read.
type ScanInfo struct {
	Interactive bool       `json:"scaninteractive"`
	Tables      []TableRef `json:"scaninfo"`
}

// CzarInfo identifies the coordinator (the "czar" on the wire) that
// owns a bundle, including the startup_epoch used for peer-restart detection.
type CzarInfo struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Host         string  `json:"host"`
	Port         int     `json:"port"`
	StartupEpoch FlexInt `json:"startup_epoch"`
}

// QueryFragment is one chunk-scoped SQL execution within a Job; subquery/table indices resolve against the bundle's interned
// maps and sub-chunk ids are substituted into the resolved template.
type QueryFragment struct {
	SubQueryTemplateIndexes []int   `json:"subquerytemplate_indexes"`
	DBTablesIndexes         []int   `json:"dbtables_indexes"`
	SubChunkIDs             []int64 `json:"subchunkids"`
}

// Job is one chunk fragment dispatched as part of a Bundle.
type Job struct {
	JobID          int64           `json:"jobId"`
	AttemptCount   int             `json:"attemptCount"`
	QuerySpecDB    string          `json:"querySpecDb"`
	ChunkID        int64           `json:"chunkId"`
	QueryFragments []QueryFragment `json:"queryFragments"`
}

// BundleRequest is the full body of POST /queryjob: one coordinator-
// assembled group of jobs dispatched to a single worker as a unit.
type BundleRequest struct {
	Envelope
	Worker          string          `json:"worker"`
	QueryID         FlexInt         `json:"queryid"`
	UberJobID       FlexInt         `json:"uberjobid"`
	RowLimit        FlexInt         `json:"rowlimit"`
	MaxTableSizeMB  FlexInt         `json:"maxtablesizemb"`
	CzarInfo        CzarInfo        `json:"czarinfo"`
	ScanInteractive bool            `json:"scaninteractive"`
	ScanTables      []TableRef      `json:"scaninfo"`
	SubqueriesMap   []TemplateEntry `json:"subqueries_map"`
	DBTablesMap     []TableEntry    `json:"dbtables_map"`
	Jobs            []Job           `json:"jobs"`
}

// Scan assembles the ScanInfo view used by the worker's priority queue from
// the bundle's flattened wire fields.
func (b *BundleRequest) Scan() ScanInfo {
	return ScanInfo{Interactive: b.ScanInteractive, Tables: b.ScanTables}
}

// TemplateFor resolves a subquery template index against the bundle's
// interned map; ok is false if the index was not present, which the
// receiver must treat as a rejected bundle.
func (b *BundleRequest) TemplateFor(index int) (string, bool) {
	for _, e := range b.SubqueriesMap {
		if e.Index == index {
			return e.Template, true
		}
	}
	return "", false
}

// TableFor resolves a (db, table) index against the bundle's interned map.
func (b *BundleRequest) TableFor(index int) (TableEntry, bool) {
	for _, e := range b.DBTablesMap {
		if e.Index == index {
			return e, true
		}
	}
	return TableEntry{}, false
}

// Validate checks the invariant that every index referenced by a
// fragment exists in the maps sent in the same bundle.
func (b *BundleRequest) Validate() error {
	for _, job := range b.Jobs {
		for _, frag := range job.QueryFragments {
			for _, idx := range frag.SubQueryTemplateIndexes {
				if _, ok := b.TemplateFor(idx); !ok {
					return &indexError{"subquery template", idx}
				}
			}
			for _, idx := range frag.DBTablesIndexes {
				if _, ok := b.TableFor(idx); !ok {
					return &indexError{"db/table", idx}
				}
			}
		}
	}
	return nil
}

type indexError struct {
	kind string
	idx  int
}

func (e *indexError) Error() string {
	return "wire: " + e.kind + " index not present in bundle maps: " + strconv.Itoa(e.idx)
}

// QueryJobReady is the body of POST /queryjob-ready.
type QueryJobReady struct {
	Envelope
	WorkerID  string  `json:"workerid"`
	Czar      string  `json:"czar"`
	CzarID    string  `json:"czarid"`
	QueryID   FlexInt `json:"queryid"`
	UberJobID FlexInt `json:"uberjobid"`
	FileURL   string  `json:"fileUrl"`
	RowCount  FlexInt `json:"rowCount"`
	FileSize  FlexInt `json:"fileSize"`
	RowCapHit bool    `json:"rowCapHit,omitempty"`
}

// QueryJobError is the body of POST /queryjob-error.
type QueryJobError struct {
	Envelope
	WorkerID  string  `json:"workerid"`
	Czar      string  `json:"czar"`
	CzarID    string  `json:"czarid"`
	QueryID   FlexInt `json:"queryid"`
	UberJobID FlexInt `json:"uberjobid"`
	ErrorCode string  `json:"errorCode"`
	ErrorMsg  string  `json:"errorMsg"`
}
