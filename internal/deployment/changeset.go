package deployment

import (
	"encoding/json"
	"time"
)

// UpdateDetail describes the commit that last touched a path
type UpdateDetail struct {
	Author string    `json:"author" msgpack:"author"`
	Date   time.Time `json:"date" msgpack:"date"`
}

// ChangeSet holds the created, updated and deleted paths that drive one run.
// Insertion order is preserved and duplicates within a list are dropped.
// A ChangeSet is never modified after construction; derived sets are new values.
type ChangeSet struct {
	created []string
	updated []string
	deleted []string

	// commit id -> author/date, populated by log enrichment
	updateDetails map[string]UpdateDetail
	// path -> id of the most recent commit touching it
	updateLog map[string]string
}

// NewChangeSet builds a change set from the three path lists
func NewChangeSet(created, updated, deleted []string) *ChangeSet {
	return &ChangeSet{
		created: dedupe(created),
		updated: dedupe(updated),
		deleted: dedupe(deleted),
	}
}

// EmptyChangeSet returns a change set with no paths
func EmptyChangeSet() *ChangeSet {
	return NewChangeSet(nil, nil, nil)
}

// WithUpdateLog returns a copy carrying commit details and the path -> commit log
func (c *ChangeSet) WithUpdateLog(details map[string]UpdateDetail, log map[string]string) *ChangeSet {
	if c == nil {
		return nil
	}
	out := c.copyLists()
	out.updateDetails = copyMap(details)
	out.updateLog = copyMap(log)
	return out
}

// CreatedFiles returns a copy of the created paths
func (c *ChangeSet) CreatedFiles() []string {
	if c == nil {
		return []string{}
	}
	return append([]string{}, c.created...)
}

// UpdatedFiles returns a copy of the updated paths
func (c *ChangeSet) UpdatedFiles() []string {
	if c == nil {
		return []string{}
	}
	return append([]string{}, c.updated...)
}

// DeletedFiles returns a copy of the deleted paths
func (c *ChangeSet) DeletedFiles() []string {
	if c == nil {
		return []string{}
	}
	return append([]string{}, c.deleted...)
}

// IsEmpty reports whether all three lists are empty. A nil change set is empty.
func (c *ChangeSet) IsEmpty() bool {
	return c == nil || (len(c.created) == 0 && len(c.updated) == 0 && len(c.deleted) == 0)
}

// Size returns the total number of paths
func (c *ChangeSet) Size() int {
	if c == nil {
		return 0
	}
	return len(c.created) + len(c.updated) + len(c.deleted)
}

// HasUpdateLog reports whether log enrichment populated this set
func (c *ChangeSet) HasUpdateLog() bool {
	return c != nil && c.updateLog != nil
}

// LastCommit returns the id of the most recent commit that touched the path
func (c *ChangeSet) LastCommit(path string) (string, bool) {
	if c == nil || c.updateLog == nil {
		return "", false
	}
	id, ok := c.updateLog[path]
	return id, ok
}

// UpdateDetail returns the author and date of the most recent commit touching the path
func (c *ChangeSet) UpdateDetail(path string) (UpdateDetail, bool) {
	id, ok := c.LastCommit(path)
	if !ok {
		return UpdateDetail{}, false
	}
	detail, ok := c.updateDetails[id]
	return detail, ok
}

// Filter returns a derived set containing the paths accepted by keep.
// Update details travel with the derived set.
func (c *ChangeSet) Filter(keep func(path string) bool) *ChangeSet {
	if c == nil {
		return nil
	}
	out := &ChangeSet{
		created:       filter(c.created, keep),
		updated:       filter(c.updated, keep),
		deleted:       filter(c.deleted, keep),
		updateDetails: c.updateDetails,
		updateLog:     c.updateLog,
	}
	return out
}

// ChangeSetRecord is the external representation of a change set
type ChangeSetRecord struct {
	CreatedFiles []string `json:"created_files" msgpack:"created_files"`
	UpdatedFiles []string `json:"updated_files" msgpack:"updated_files"`
	DeletedFiles []string `json:"deleted_files" msgpack:"deleted_files"`
}

// Record returns the external representation
func (c *ChangeSet) Record() ChangeSetRecord {
	return ChangeSetRecord{
		CreatedFiles: c.CreatedFiles(),
		UpdatedFiles: c.UpdatedFiles(),
		DeletedFiles: c.DeletedFiles(),
	}
}

// MarshalJSON encodes the change set as created_files/updated_files/deleted_files
func (c *ChangeSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Record())
}

// UnmarshalJSON decodes the external representation
func (c *ChangeSet) UnmarshalJSON(data []byte) error {
	var r ChangeSetRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	*c = *NewChangeSet(r.CreatedFiles, r.UpdatedFiles, r.DeletedFiles)
	return nil
}

func (c *ChangeSet) copyLists() *ChangeSet {
	return &ChangeSet{
		created: append([]string(nil), c.created...),
		updated: append([]string(nil), c.updated...),
		deleted: append([]string(nil), c.deleted...),
	}
}

func dedupe(paths []string) []string {
	out := make([]string, 0, len(paths))
	seen := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

func filter(paths []string, keep func(string) bool) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if keep(p) {
			out = append(out, p)
		}
	}
	return out
}

func copyMap[V any](m map[string]V) map[string]V {
	if m == nil {
		return nil
	}
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
