package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleBundle() BundleRequest {
	return BundleRequest{
		Envelope: Envelope{Version: 1, InstanceID: "inst-1", AuthKey: "secret"},
		Worker:   "worker-a",
		QueryID:  7, UberJobID: 3, RowLimit: 1000, MaxTableSizeMB: 512,
		CzarInfo:        CzarInfo{ID: "czar-1", Name: "czar", Host: "10.0.0.1", Port: 4040, StartupEpoch: 1700000000000},
		ScanInteractive: true,
		ScanTables:      []TableRef{{DB: "sky", Table: "object"}},
		SubqueriesMap:   []TemplateEntry{{Index: 0, Template: "SELECT * FROM sky.object_%CHUNK%"}},
		DBTablesMap:     []TableEntry{{Index: 0, DB: "sky", Table: "object"}},
		Jobs: []Job{{
			JobID: 1, AttemptCount: 1, QuerySpecDB: "sky", ChunkID: 42,
			QueryFragments: []QueryFragment{{
				SubQueryTemplateIndexes: []int{0},
				DBTablesIndexes:         []int{0},
				SubChunkIDs:             []int64{420, 421},
			}},
		}},
	}
}

func TestBundleRequest_SerializeParseRoundTrip(t *testing.T) {
	in := sampleBundle()

	raw, err := json.Marshal(in)
	require.NoError(t, err)

	var out BundleRequest
	require.NoError(t, json.Unmarshal(raw, &out))
	require.Equal(t, in, out)
}

func TestBundleRequest_AcceptsStringValuedIntegers(t *testing.T) {
	raw := []byte(`{
		"version": 1, "instance_id": "inst-1", "auth_key": "secret",
		"worker": "worker-a",
		"queryid": "7", "uberjobid": "3", "rowlimit": "1000", "maxtablesizemb": 512,
		"czarinfo": {"id": "czar-1", "startup_epoch": "1700000000000"},
		"jobs": []
	}`)

	var req BundleRequest
	require.NoError(t, json.Unmarshal(raw, &req))
	require.Equal(t, int64(7), req.QueryID.Int())
	require.Equal(t, int64(3), req.UberJobID.Int())
	require.Equal(t, int64(1000), req.RowLimit.Int())
	require.Equal(t, int64(512), req.MaxTableSizeMB.Int())
	require.Equal(t, int64(1700000000000), req.CzarInfo.StartupEpoch.Int())
}

func TestFlexInt_EmitsCanonicalIntegerForm(t *testing.T) {
	raw, err := json.Marshal(FlexInt(99))
	require.NoError(t, err)
	require.Equal(t, "99", string(raw))

	var f FlexInt
	require.NoError(t, json.Unmarshal([]byte(`"-12"`), &f))
	require.Equal(t, int64(-12), f.Int())
	require.NoError(t, json.Unmarshal([]byte(`""`), &f))
	require.Equal(t, int64(0), f.Int())
	require.Error(t, json.Unmarshal([]byte(`"twelve"`), &f))
}

func TestBundleRequest_ValidateRejectsDanglingIndexes(t *testing.T) {
	req := sampleBundle()
	require.NoError(t, req.Validate())

	req.Jobs[0].QueryFragments[0].SubQueryTemplateIndexes = []int{1}
	require.Error(t, req.Validate())

	req = sampleBundle()
	req.Jobs[0].QueryFragments[0].DBTablesIndexes = []int{5}
	require.Error(t, req.Validate())
}

func TestStatusExchange_RoundTripPreservesMapsAndFlag(t *testing.T) {
	in := StatusExchange{
		Envelope:  Envelope{Version: 1, InstanceID: "inst-1", AuthKey: "secret"},
		RequestID: "czar-1-17",
		Czar:      ContactInfo{ID: "czar-1", Host: "10.0.0.1", Port: 4040, StartupEpoch: 1700000000000},
		ExpectedWorker: ContactInfo{
			ID: "worker-a", Host: "10.0.0.2", Port: 5050, StartupEpoch: 1700000000500,
		},
		ThoughtPeerWasDead: true,
		DeleteFiles:        []NoticeEntry{{ID: 7, TimestampMS: 1000}},
		KeepFiles:          []NoticeEntry{{ID: 8, TimestampMS: 2000}},
		DeadBundles:        []BundleNoticeEntry{{QueryID: 7, BundleID: 3, TimestampMS: 3000}},
	}

	raw, err := json.Marshal(in)
	require.NoError(t, err)

	var out StatusExchange
	require.NoError(t, json.Unmarshal(raw, &out))
	require.Equal(t, in, out)
	require.True(t, out.ThoughtPeerWasDead)
	require.Len(t, out.DeleteFiles, 1)
	require.Len(t, out.KeepFiles, 1)
	require.Len(t, out.DeadBundles, 1)
}

func TestComIssue_RoundTrip(t *testing.T) {
	in := ComIssue{
		Envelope:           Envelope{Version: 1, InstanceID: "inst-2", AuthKey: "secret"},
		ThoughtPeerWasDead: true,
		FailedTransmits: []FailedTransmit{
			{QueryID: 7, UberJobID: 3, FileURL: "http://10.0.0.2:5050/czar-1-7-3.result", RowCount: 100, FileSize: 4096},
		},
	}

	raw, err := json.Marshal(in)
	require.NoError(t, err)

	var out ComIssue
	require.NoError(t, json.Unmarshal(raw, &out))
	require.Equal(t, in, out)
}

func TestSupportedVersion(t *testing.T) {
	require.True(t, SupportedVersion(MinProtocolVersion))
	require.True(t, SupportedVersion(MaxProtocolVersion))
	require.False(t, SupportedVersion(MinProtocolVersion-1))
	require.False(t, SupportedVersion(MaxProtocolVersion+1))
}

func TestResponse_IsRetryableExt(t *testing.T) {
	require.False(t, OK().IsRetryableExt())
	require.False(t, Fail("nope", nil).IsRetryableExt())
	require.False(t, Fail("nope", map[string]any{"retryable": "yes"}).IsRetryableExt())
	require.True(t, Fail("busy", map[string]any{"retryable": true}).IsRetryableExt())
}

func TestResponse_RetryableExtSurvivesJSON(t *testing.T) {
	raw, err := json.Marshal(Fail("busy", map[string]any{"retryable": true}))
	require.NoError(t, err)

	var out Response
	require.NoError(t, json.Unmarshal(raw, &out))
	require.True(t, out.IsRetryableExt())
}
