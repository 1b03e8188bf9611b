package entity

// DownloadOutcome is the terminal result of one orchestration run.
type DownloadOutcome struct {
	Hash         string `json:"md5"`
	Success      bool   `json:"success"`
	UsedFastPath bool   `json:"used_fast_download"`
	FilePath     string `json:"filepath,omitempty"`
	Source       string `json:"source,omitempty"` // "fast" or the mirror host
}

// Progress is one progress record of a running transfer.
type Progress struct {
	TotalSize  int64   `json:"total_size"`
	Downloaded int64   `json:"downloaded"`
	Percent    float64 `json:"percent"`
}

// TransferState describes a fetch in flight. TemporaryPath is owned by a
// single transfer and renamed to DestinationPath once complete.
type TransferState struct {
	DestinationPath string
	TemporaryPath   string
	BytesDownloaded int64
	TotalSize       int64
	ResumeSupported bool
}
