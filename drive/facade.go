package drive

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const pageSize = 1000

// DriveFacade is a stateful client over the remote Drive HTTP API. It is the
// only component that speaks to the remote service; every other component
// treats it as a store.
type DriveFacade struct {
	auth *Auth

	cache   *contentCache
	pending *pendingWriteQueue

	mu            sync.Mutex
	rootID        string
	changesCursor string
}

// NewDriveFacade constructs a facade with the given auth and cache bounds
// (cache_max_seconds/cache_max_items from config).
func NewDriveFacade(auth *Auth, cacheTTL time.Duration, cacheMaxItems int) *DriveFacade {
	return &DriveFacade{
		auth:    auth,
		cache:   newContentCache(cacheTTL, cacheMaxItems),
		pending: newPendingWriteQueue(),
	}
}

// rootListResponse is used only to parse the single-file probe used to
// deduce the root id.
type rootListResponse struct {
	Files []struct {
		Parents []string `json:"parents"`
	} `json:"files"`
}

// RootID returns (and memoizes) the id of "My Drive".
func (d *DriveFacade) RootID() (string, error) {
	d.mu.Lock()
	if d.rootID != "" {
		defer d.mu.Unlock()
		return d.rootID, nil
	}
	d.mu.Unlock()

	q := query(map[string]string{
		"q":        "'root' in parents",
		"fields":   "files(parents)",
		"pageSize": "1",
	})
	resp, err := Get("/files?"+q, d.auth)
	if err != nil {
		return "", err
	}
	var list rootListResponse
	if err := json.Unmarshal(resp, &list); err != nil {
		return "", err
	}
	if len(list.Files) == 0 || len(list.Files[0].Parents) == 0 {
		return "", fmt.Errorf("no files on drive, can't deduce root id")
	}

	d.mu.Lock()
	d.rootID = list.Files[0].Parents[0]
	d.mu.Unlock()
	return d.rootID, nil
}

type fileListResponse struct {
	Files         []*RemoteFile `json:"files"`
	NextPageToken string        `json:"nextPageToken"`
}

// GetAllFiles performs a paginated enumeration filtered by parent-set and
// trashed flag. Fails hard on any page error; partial results are never
// returned.
func (d *DriveFacade) GetAllFiles(parents []string, trashed *bool) ([]*RemoteFile, error) {
	var all []*RemoteFile
	pageToken := ""
	for {
		var clauses []string
		if len(parents) > 0 {
			var parts []string
			for _, p := range parents {
				parts = append(parts, fmt.Sprintf("'%s' in parents", p))
			}
			clauses = append(clauses, "("+strings.Join(parts, " or ")+")")
		}
		if trashed != nil {
			clauses = append(clauses, fmt.Sprintf("trashed = %v", *trashed))
		}

		q := query(map[string]string{
			"q":         strings.Join(clauses, " and "),
			"fields":    "nextPageToken,files(id,name,size,mimeType,parents,trashed,createdTime,modifiedTime,viewedByMeTime)",
			"pageSize":  strconv.Itoa(pageSize),
			"pageToken": pageToken,
		})
		resp, err := Get("/files?"+q, d.auth)
		if err != nil {
			return nil, err
		}
		var page fileListResponse
		if err := json.Unmarshal(resp, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Files...)

		pageToken = page.NextPageToken
		if pageToken == "" {
			break
		}
	}
	return all, nil
}

type startPageTokenResponse struct {
	StartPageToken string `json:"startPageToken"`
}

func (d *DriveFacade) getStartPageToken() (string, error) {
	resp, err := Get("/changes/startPageToken", d.auth)
	if err != nil {
		return "", err
	}
	var parsed startPageTokenResponse
	if err := json.Unmarshal(resp, &parsed); err != nil {
		return "", err
	}
	return parsed.StartPageToken, nil
}

type changeEntry struct {
	FileID  string      `json:"fileId"`
	Time    time.Time   `json:"time"`
	Removed bool        `json:"removed"`
	File    *RemoteFile `json:"file,omitempty"`
}

type changesListResponse struct {
	Changes           []changeEntry `json:"changes"`
	NextPageToken     string        `json:"nextPageToken"`
	NewStartPageToken string        `json:"newStartPageToken"`
}

// GetAllChanges consumes the change feed starting from the stored cursor;
// on success advances the cursor. If no cursor is stored yet, it is seeded
// via getStartPageToken first.
func (d *DriveFacade) GetAllChanges() ([]Change, error) {
	d.mu.Lock()
	cursor := d.changesCursor
	d.mu.Unlock()
	if cursor == "" {
		token, err := d.getStartPageToken()
		if err != nil {
			return nil, err
		}
		cursor = token
	}

	var all []Change
	for {
		q := query(map[string]string{
			"pageToken": cursor,
			"pageSize":  strconv.Itoa(pageSize),
			"fields":    "nextPageToken,newStartPageToken,changes(fileId,time,removed,file(id,name,size,mimeType,parents,trashed,createdTime,modifiedTime,viewedByMeTime))",
			"includeRemoved": "true",
		})
		resp, err := Get("/changes?"+q, d.auth)
		if err != nil {
			return nil, err
		}
		var page changesListResponse
		if err := json.Unmarshal(resp, &page); err != nil {
			return nil, err
		}
		for _, c := range page.Changes {
			all = append(all, Change{FileID: c.FileID, Time: c.Time, Removed: c.Removed, File: c.File})
		}

		if page.NextPageToken != "" {
			cursor = page.NextPageToken
			continue
		}
		cursor = page.NewStartPageToken
		break
	}

	d.mu.Lock()
	d.changesCursor = cursor
	d.mu.Unlock()
	return all, nil
}

// Read returns bytes[min(len,offset)..min(len,offset+size)] of the file's
// content, downloading/exporting it first on a cache miss. Returns (nil,
// false) on any failure - the adapter maps that to an empty slice rather
// than EIO.
func (d *DriveFacade) Read(driveID, mimeType string, offset, size int64) ([]byte, bool) {
	if IsUnexportable(mimeType) {
		link, _ := d.webViewLink(driveID)
		placeholder := []byte(fmt.Sprintf(
			"UNEXPORTABLE_FILE: The MIME type of this file is %q, which cannot be "+
				"exported from Drive. Web content link provided by Drive: %q\n",
			mimeType, link,
		))
		return slice(placeholder, offset, size), true
	}

	if data, ok := d.cache.Get(driveID); ok {
		return slice(data, offset, size), true
	}

	data, err := d.fetchContent(driveID, mimeType)
	if err != nil {
		log.Error().Err(err).Str("id", driveID).Msg("Failed to fetch file content.")
		return nil, false
	}
	d.cache.Insert(driveID, data)
	return slice(data, offset, size), true
}

func slice(data []byte, offset, size int64) []byte {
	start := min(len(data), int(offset))
	end := min(len(data), int(offset+size))
	if end < start {
		end = start
	}
	out := make([]byte, end-start)
	copy(out, data[start:end])
	return out
}

func (d *DriveFacade) webViewLink(driveID string) (string, error) {
	resp, err := Get("/files/"+url.PathEscape(driveID)+"?"+query(map[string]string{"fields": "webViewLink"}), d.auth)
	if err != nil {
		return "", err
	}
	var parsed RemoteFile
	json.Unmarshal(resp, &parsed)
	return parsed.WebViewLink, nil
}

func (d *DriveFacade) fetchContent(driveID, mimeType string) ([]byte, error) {
	if exportType, ok := ExportMimeType(mimeType); ok {
		q := query(map[string]string{"mimeType": exportType})
		return Get("/files/"+url.PathEscape(driveID)+"/export?"+q, d.auth)
	}
	q := query(map[string]string{"alt": "media"})
	return Get("/files/"+url.PathEscape(driveID)+"?"+q, d.auth)
}

// Write enqueues a pending write. It never contacts the network.
func (d *DriveFacade) Write(driveID string, offset int64, data []byte) {
	d.pending.Append(driveID, offset, data)
}

// exists verifies remote existence of a file, detecting it even if trashed.
func (d *DriveFacade) exists(driveID string) (bool, error) {
	resp, err := Get("/files/"+url.PathEscape(driveID)+"?"+query(map[string]string{"fields": "id"}), d.auth)
	if err != nil {
		return false, err
	}
	var parsed RemoteFile
	json.Unmarshal(resp, &parsed)
	return parsed.ID == driveID, nil
}

// Flush applies all queued pending writes in insertion order and uploads
// the result. A successful download followed by a failed upload must not
// silently drop data, so the queue is only cleared after the upload
// succeeds.
func (d *DriveFacade) Flush(driveID string) error {
	writes := d.pending.Get(driveID)
	if len(writes) == 0 {
		return nil
	}

	d.cache.Invalidate(driveID)

	ok, err := d.exists(driveID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("flush(%s): file does not exist on drive", driveID)
	}

	content, err := d.fetchContent(driveID, "")
	if err != nil {
		content = nil
	}
	content = apply(content, writes)

	if _, err := d.updateContent(driveID, content); err != nil {
		return err
	}

	d.pending.Clear(driveID)
	return nil
}

func (d *DriveFacade) updateContent(driveID string, data []byte) (*RemoteFile, error) {
	resp, err := Upload(
		"/files/"+url.PathEscape(driveID)+"?uploadType=media",
		"PATCH",
		d.auth,
		"application/octet-stream",
		bytes.NewReader(data),
	)
	if err != nil {
		return nil, err
	}
	var file RemoteFile
	json.Unmarshal(resp, &file)
	return &file, nil
}

// Create creates a file with zero-byte content. The template's mime type
// determines whether this is a folder or a regular file.
func (d *DriveFacade) Create(template *RemoteFile) (string, error) {
	contentType := DefaultFileMimeType
	if template.MimeType == FolderMimeType {
		contentType = FolderMimeType
	}

	payload, _ := json.Marshal(template)
	resp, err := Upload(
		"/files?uploadType=multipart",
		"POST",
		d.auth,
		contentType,
		bytes.NewReader(payload),
	)
	if err != nil {
		return "", err
	}
	var file RemoteFile
	if err := json.Unmarshal(resp, &file); err != nil {
		return "", err
	}
	if file.ID == "" {
		return "", fmt.Errorf("create(): drive returned no id")
	}
	return file.ID, nil
}

// DeletePermanently removes a file permanently.
func (d *DriveFacade) DeletePermanently(driveID string) (bool, error) {
	if err := Delete("/files/"+url.PathEscape(driveID), d.auth); err != nil {
		return false, err
	}
	return true, nil
}

// MoveToTrash sets the remote trashed flag.
func (d *DriveFacade) MoveToTrash(driveID string) error {
	payload, _ := json.Marshal(map[string]bool{"trashed": true})
	_, err := Patch("/files/"+url.PathEscape(driveID), d.auth, bytes.NewReader(payload))
	return err
}

// MoveTo renames and/or reparents a file, replacing its current parent list
// rather than merging with it.
func (d *DriveFacade) MoveTo(driveID, newParentID, newName string) error {
	resp, err := Get("/files/"+url.PathEscape(driveID)+"?"+query(map[string]string{"fields": "parents"}), d.auth)
	if err != nil {
		return err
	}
	var current RemoteFile
	json.Unmarshal(resp, &current)

	payload, _ := json.Marshal(map[string]string{"name": newName})
	q := query(map[string]string{
		"removeParents": strings.Join(current.Parents, ","),
		"addParents":    newParentID,
	})
	_, err = Patch("/files/"+url.PathEscape(driveID)+"?"+q, d.auth, bytes.NewReader(payload))
	return err
}

// SizeAndCapacity probes storage quota usage and (if reported) limit.
func (d *DriveFacade) SizeAndCapacity() (uint64, *uint64, error) {
	resp, err := Get("/about?"+query(map[string]string{"fields": "storageQuota"}), d.auth)
	if err != nil {
		return 0, nil, err
	}
	var parsed struct {
		StorageQuota struct {
			Usage string `json:"usage"`
			Limit string `json:"limit"`
		} `json:"storageQuota"`
	}
	if err := json.Unmarshal(resp, &parsed); err != nil {
		return 0, nil, err
	}
	used, _ := strconv.ParseUint(parsed.StorageQuota.Usage, 10, 64)
	if parsed.StorageQuota.Limit == "" {
		return used, nil, nil
	}
	limit, err := strconv.ParseUint(parsed.StorageQuota.Limit, 10, 64)
	if err != nil {
		return used, nil, nil
	}
	return used, &limit, nil
}
