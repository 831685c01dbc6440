package versionstore

// DefaultVersion 是没有本地记录时假定的版本号。
const DefaultVersion = "1.0.0"

// KeyPrefix 是本地持久化的键前缀。
const KeyPrefix = "version_"

// Record 描述一个路径的版本信息。
type Record struct {
	Version       string `json:"version"`
	Size          int64  `json:"size"`
	Checksum      string `json:"checksum"`
	UpdateTime    int64  `json:"updateTime"`
	NeedsUpdate   bool   `json:"needsUpdate,omitempty"`
	LatestVersion string `json:"latestVersion,omitempty"`
}

func defaultLocalRecord() Record {
	return Record{Version: DefaultVersion}
}

func storageKey(path string) string {
	return KeyPrefix + path
}
