package drive

import "time"

// FolderMimeType is the mime type used by the remote API to mark a DriveItem
// as a directory.
const FolderMimeType = "application/vnd.drive.folder"

// DefaultFileMimeType is used for newly created, empty regular files.
const DefaultFileMimeType = "application/octet-stream"

// RemoteFile is the remote record for one Drive item: authoritative id,
// parent list, mime type, timestamps and trashed flag.
type RemoteFile struct {
	ID             string     `json:"id,omitempty"`
	Name           string     `json:"name,omitempty"`
	Size           uint64     `json:"size,omitempty,string"`
	MimeType       string     `json:"mimeType,omitempty"`
	Parents        []string   `json:"parents,omitempty"`
	Trashed        bool       `json:"trashed,omitempty"`
	CreatedTime    *time.Time `json:"createdTime,omitempty"`
	ModifiedTime   *time.Time `json:"modifiedTime,omitempty"`
	ViewedByMeTime *time.Time `json:"viewedByMeTime,omitempty"`
	WebViewLink    string     `json:"webViewLink,omitempty"`
}

// IsDir reports whether the remote record describes a directory.
func (r *RemoteFile) IsDir() bool {
	return r.MimeType == FolderMimeType
}

// ParentID returns the first parent id, or "" if the item has none.
func (r *RemoteFile) ParentID() string {
	if len(r.Parents) == 0 {
		return ""
	}
	return r.Parents[0]
}

// Change is one entry in the remote change feed.
type Change struct {
	FileID  string
	Time    time.Time
	Removed bool
	File    *RemoteFile // nil if the change carries no metadata
}

// exportMimeTypes maps a remote "document" mime type to the mime type used
// to export its content.
var exportMimeTypes = map[string]string{
	"application/vnd.drive.document":    "application/vnd.oasis.opendocument.text",
	"application/vnd.drive.presentation": "application/vnd.oasis.opendocument.presentation",
	"application/vnd.drive.spreadsheet":  "application/vnd.oasis.opendocument.spreadsheet",
	"application/vnd.drive.drawing":      "image/png",
	"application/vnd.drive.site":         "text/plain",
}

// nameExtensions maps the same remote mime types to the local suffix
// appended to the file's name when add_extensions_to_special_files is set.
var nameExtensions = map[string]string{
	"application/vnd.drive.document":     "#.odt",
	"application/vnd.drive.presentation": "#.odp",
	"application/vnd.drive.spreadsheet":  "#.ods",
	"application/vnd.drive.drawing":      "#.png",
	"application/vnd.drive.site":         "#.txt",
}

// unexportableMimeTypes cannot be downloaded or exported at all; reads
// return a synthesized placeholder referencing the web link instead.
var unexportableMimeTypes = map[string]bool{
	"application/vnd.drive.form": true,
	"application/vnd.drive.map":  true,
}

// ExportMimeType returns the mime type to request when exporting a remote
// "document" type, and whether the mime type is exportable at all.
func ExportMimeType(mimeType string) (string, bool) {
	t, ok := exportMimeTypes[mimeType]
	return t, ok
}

// NameExtension returns the local filename suffix for a remote mime type,
// if one applies.
func NameExtension(mimeType string) (string, bool) {
	ext, ok := nameExtensions[mimeType]
	return ext, ok
}

// IsUnexportable reports whether content for this mime type cannot be
// fetched from Drive at all (forms, maps).
func IsUnexportable(mimeType string) bool {
	return unexportableMimeTypes[mimeType]
}
