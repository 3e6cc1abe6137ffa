package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cleanreport/internal/adapters/bitrix"
	"cleanreport/internal/models"
	"cleanreport/internal/retry"
)

// fakeDisk scripts the Bitrix side of the transfer.
type fakeDisk struct {
	downloadErrs map[string]error
	initErrs     map[string]error
	uploadErrs   map[string]error

	nextFileID    int
	updates       [][]int
	updateErr     error
	updateOK      bool
	attachedReads [][]int // consecutive GetDeal attachment field values
	readCalls     int

	initNames []string
}

func newFakeDisk() *fakeDisk {
	return &fakeDisk{nextFileID: 500, updateOK: true}
}

func (f *fakeDisk) Download(_ context.Context, url string) ([]byte, error) {
	if err := f.downloadErrs[url]; err != nil {
		return nil, err
	}
	return []byte("bytes-of-" + url), nil
}

func (f *fakeDisk) InitFolderUpload(_ context.Context, _ int, name string) (string, error) {
	if err := f.initErrs[name]; err != nil {
		return "", err
	}
	f.initNames = append(f.initNames, name)
	return "https://disk.example/upload/" + name, nil
}

func (f *fakeDisk) UploadToURL(_ context.Context, _, name string, _ []byte) (int, error) {
	if err := f.uploadErrs[name]; err != nil {
		return 0, err
	}
	f.nextFileID++
	return f.nextFileID, nil
}

func (f *fakeDisk) UpdateDealFields(_ context.Context, _ int, fields map[string]interface{}) (bool, error) {
	if f.updateErr != nil {
		return false, f.updateErr
	}
	ids, _ := fields["UF_CRM_FILES"].([]int)
	f.updates = append(f.updates, ids)
	return f.updateOK, nil
}

func (f *fakeDisk) GetDeal(context.Context, int) (*bitrix.Deal, error) {
	var attached []int
	if f.readCalls < len(f.attachedReads) {
		attached = f.attachedReads[f.readCalls]
	} else if len(f.attachedReads) > 0 {
		attached = f.attachedReads[len(f.attachedReads)-1]
	}
	f.readCalls++

	raw := make([]interface{}, len(attached))
	for i, id := range attached {
		raw[i] = float64(id)
	}
	return &bitrix.Deal{Fields: map[string]interface{}{"UF_CRM_FILES": raw}}, nil
}

func testPolicy() retry.Policy {
	return retry.Policy{
		Attempts: 2,
		Backoff:  retry.ConstantBackoff(time.Second),
		Sleep:    func(time.Duration) {},
	}
}

func remoteFiles(names ...string) []models.RemoteFile {
	files := make([]models.RemoteFile, len(names))
	for i, name := range names {
		files[i] = models.RemoteFile{
			ID:          i + 1,
			Name:        name,
			Size:        1 << 20,
			DownloadURL: "https://disk.example/download/" + name,
		}
	}
	return files
}

func TestAttachUploadsAllAndUpdatesOnce(t *testing.T) {
	disk := newFakeDisk()
	disk.attachedReads = [][]int{{501, 502, 503}}
	a := NewAttacher(disk, "UF_CRM_FILES", testPolicy())

	results := a.Attach(context.Background(), 42, 198874, remoteFiles("a.jpg", "b.jpg", "c.jpg"))

	assert.Equal(t, []int{501, 502, 503}, UploadedIDs(results))
	require.Len(t, disk.updates, 1)
	assert.Equal(t, []int{501, 502, 503}, disk.updates[0])
}

func TestAttachPartialSuccessContinues(t *testing.T) {
	disk := newFakeDisk()
	disk.downloadErrs = map[string]error{"https://disk.example/download/b.jpg": errors.New("connection reset")}
	disk.uploadErrs = map[string]error{"c.jpg": errors.New("upload rejected")}
	disk.attachedReads = [][]int{{501, 502}}
	a := NewAttacher(disk, "UF_CRM_FILES", testPolicy())

	results := a.Attach(context.Background(), 42, 1, remoteFiles("a.jpg", "b.jpg", "c.jpg", "d.jpg"))

	require.Len(t, results, 4)
	assert.NoError(t, results[0].Err)
	assert.Error(t, results[1].Err)
	assert.Error(t, results[2].Err)
	assert.NoError(t, results[3].Err)
	assert.Equal(t, []int{501, 502}, UploadedIDs(results))
}

func TestAttachNoSuccessesSkipsUpdate(t *testing.T) {
	disk := newFakeDisk()
	disk.downloadErrs = map[string]error{"https://disk.example/download/a.jpg": errors.New("404")}
	a := NewAttacher(disk, "UF_CRM_FILES", testPolicy())

	results := a.Attach(context.Background(), 42, 1, remoteFiles("a.jpg"))

	assert.Empty(t, UploadedIDs(results))
	assert.Empty(t, disk.updates)
}

func TestAttachVerificationFailureRetriesExactlyOnce(t *testing.T) {
	disk := newFakeDisk()
	// First read shows an empty attachment field, second read confirms.
	disk.attachedReads = [][]int{{}, {501}}
	a := NewAttacher(disk, "UF_CRM_FILES", testPolicy())

	a.Attach(context.Background(), 42, 1, remoteFiles("a.jpg"))

	assert.Len(t, disk.updates, 2)
	assert.Equal(t, 2, disk.readCalls)
}

func TestAttachVerificationTerminalFailureIsNonFatal(t *testing.T) {
	disk := newFakeDisk()
	disk.attachedReads = [][]int{{}, {}}
	a := NewAttacher(disk, "UF_CRM_FILES", testPolicy())

	results := a.Attach(context.Background(), 42, 1, remoteFiles("a.jpg"))

	// The upload itself still counts; only verification failed.
	assert.Equal(t, []int{501}, UploadedIDs(results))
	assert.Len(t, disk.updates, 2)
}

func TestAttachVerificationComparesAsSets(t *testing.T) {
	disk := newFakeDisk()
	disk.attachedReads = [][]int{{503, 501, 502}}
	a := NewAttacher(disk, "UF_CRM_FILES", testPolicy())

	a.Attach(context.Background(), 42, 1, remoteFiles("a.jpg", "b.jpg", "c.jpg"))

	assert.Len(t, disk.updates, 1)
}

func TestSanitizeUploadName(t *testing.T) {
	assert.Equal(t, "entrance_before_1.jpg", sanitizeUploadName("entrance before 1.jpg"))

	long := ""
	for i := 0; i < 30; i++ {
		long += fmt.Sprintf("x%d", i)
	}
	assert.LessOrEqual(t, len([]rune(sanitizeUploadName(long))), 50)

	russian := "подъезд после уборки фотоотчёт длинное название файла итог.jpg"
	sanitized := sanitizeUploadName(russian)
	assert.LessOrEqual(t, len([]rune(sanitized)), 50)
	assert.NotContains(t, sanitized, " ")
}
