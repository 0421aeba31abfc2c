package uploadlog

import (
	"cmp"
	"encoding/json"
)

// Logs written by the older sync script use snake_case keys. They are
// accepted on read; writes always use the current names.

type legacyState struct {
	SyncDir         string                    `json:"sync_dir"`
	TarDestination  string                    `json:"tar_destination"`
	FilePrefix      string                    `json:"file_prefix"`
	IncludePatterns []string                  `json:"include_patterns"`
	ExcludePatterns []string                  `json:"exclude_patterns"`
	NextTarIndex    int                       `json:"next_tar_index"`
	TarFiles        map[string]*ArchiveRecord `json:"tar_files"`
}

func (s *State) UnmarshalJSON(data []byte) error {
	type plain State
	if err := json.Unmarshal(data, (*plain)(s)); err != nil {
		return err
	}
	var old legacyState
	if err := json.Unmarshal(data, &old); err != nil {
		return err
	}
	s.SyncDir = cmp.Or(s.SyncDir, old.SyncDir)
	s.TarDestination = cmp.Or(s.TarDestination, old.TarDestination)
	s.FilePrefix = cmp.Or(s.FilePrefix, old.FilePrefix)
	s.NextTarIndex = cmp.Or(s.NextTarIndex, old.NextTarIndex)
	if s.IncludePatterns == nil {
		s.IncludePatterns = old.IncludePatterns
	}
	if s.ExcludePatterns == nil {
		s.ExcludePatterns = old.ExcludePatterns
	}
	if s.TarFiles == nil {
		s.TarFiles = old.TarFiles
	}
	return nil
}

func (r *ArchiveRecord) UnmarshalJSON(data []byte) error {
	type plain ArchiveRecord
	var aux struct {
		*plain
		LegacyFileID string `json:"file_id"`
	}
	aux.plain = (*plain)(r)
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	r.FileID = cmp.Or(r.FileID, aux.LegacyFileID)
	return nil
}

func (t *Timestamps) UnmarshalJSON(data []byte) error {
	type plain Timestamps
	var aux struct {
		*plain
		TarStart Timestamp `json:"tar_start"`
		TarEnd   Timestamp `json:"tar_end"`
	}
	aux.plain = (*plain)(t)
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if t.BuildStart.IsZero() {
		t.BuildStart = aux.TarStart
	}
	if t.BuildEnd.IsZero() {
		t.BuildEnd = aux.TarEnd
	}
	return nil
}
