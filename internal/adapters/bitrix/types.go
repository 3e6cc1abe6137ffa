package bitrix

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// FlexInt decodes Bitrix identifiers, which arrive either as JSON numbers or
// as numeric strings depending on the endpoint.
type FlexInt int

func (f *FlexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid Bitrix numeric value %q: %w", s, err)
	}
	*f = FlexInt(int(n))
	return nil
}

// Deal wraps the open string-keyed field map of a CRM deal with typed
// accessors for the handful of fields this pipeline reads. The raw map stays
// available as an escape hatch.
type Deal struct {
	Fields map[string]interface{}
}

// ID returns the deal identifier.
func (d *Deal) ID() int {
	return asInt(d.Fields["ID"])
}

// StageID returns the internal pipeline stage code.
func (d *Deal) StageID() string {
	return asString(d.Fields["STAGE_ID"])
}

// StringField returns the raw string value of an arbitrary field code.
func (d *Deal) StringField(code string) string {
	return asString(d.Fields[code])
}

// Address returns the deal address stored under the given field code.
// Bitrix address fields carry a "|"-separated coordinate suffix that is
// stripped here.
func (d *Deal) Address(code string) string {
	raw := asString(d.Fields[code])
	if i := strings.Index(raw, "|"); i >= 0 {
		return raw[:i]
	}
	return raw
}

// FolderID returns the Disk folder reference stored under the given field
// code, or 0 when the field is empty.
func (d *Deal) FolderID(code string) int {
	return asInt(d.Fields[code])
}

// AttachedFileIDs returns the list of file identifiers stored under the
// given attachment field code.
func (d *Deal) AttachedFileIDs(code string) []int {
	raw, ok := d.Fields[code].([]interface{})
	if !ok {
		return nil
	}
	ids := make([]int, 0, len(raw))
	for _, v := range raw {
		if id := asInt(v); id != 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

func asString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case json.Number:
		return s.String()
	default:
		return ""
	}
}

func asInt(v interface{}) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0
		}
		return int(f)
	default:
		return 0
	}
}

// Stage is one entry of crm.status.list.
type Stage struct {
	Name     string `json:"NAME"`
	StatusID string `json:"STATUS_ID"`
}

// DealSummary is the projection returned by crm.deal.list for the polling
// watcher.
type DealSummary struct {
	ID      FlexInt `json:"ID"`
	StageID string  `json:"STAGE_ID"`
}

type folderEntry struct {
	ID          FlexInt `json:"ID"`
	Name        string  `json:"NAME"`
	Type        string  `json:"TYPE"`
	Size        FlexInt `json:"SIZE"`
	DownloadURL string  `json:"DOWNLOAD_URL"`
}

type dealGetResponse struct {
	Result map[string]interface{} `json:"result"`
}

type stageListResponse struct {
	Result []Stage `json:"result"`
}

type dealListResponse struct {
	Result []DealSummary `json:"result"`
}

type folderChildrenResponse struct {
	Result []folderEntry `json:"result"`
}

type dealUpdateResponse struct {
	Result bool `json:"result"`
}

type uploadInitResponse struct {
	Result struct {
		UploadURL string `json:"uploadUrl"`
	} `json:"result"`
}
