package romm

import "time"

// SaveKind selects the server-side artifact family for save sync.
type SaveKind string

const (
	KindSave  SaveKind = "saves"
	KindState SaveKind = "states"
)

// Firmware is one BIOS file declared by the server for a platform.
type Firmware struct {
	ID       int    `json:"id"`
	FileName string `json:"file_name"`
	Size     int64  `json:"file_size_bytes"`
	MD5      string `json:"md5_hash"`
}

// SaveArtifact is a save or savestate record as the server lists it.
type SaveArtifact struct {
	ID        int       `json:"id"`
	RomID     int       `json:"rom_id"`
	FileName  string    `json:"file_name"`
	Size      int64     `json:"file_size_bytes"`
	MD5       string    `json:"md5_hash"`
	Emulator  string    `json:"emulator"`
	UpdatedAt time.Time `json:"updated_at"`
}

type collectionPayload struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	RomIDs []int  `json:"rom_ids"`
}

type platformPayload struct {
	ID   int    `json:"id"`
	Slug string `json:"slug"`
	Name string `json:"name"`
}

type romFilePayload struct {
	FileName string `json:"file_name"`
	Size     int64  `json:"file_size_bytes"`
	MD5      string `json:"md5_hash"`
}

type romPayload struct {
	ID           int              `json:"id"`
	Name         string           `json:"name"`
	FSName       string           `json:"fs_name"`
	FSSizeBytes  int64            `json:"fs_size_bytes"`
	PlatformSlug string           `json:"platform_slug"`
	Multi        bool             `json:"multi"`
	Files        []romFilePayload `json:"files"`
}

type romPage struct {
	Items []romPayload `json:"items"`
	Total int          `json:"total"`
}

type heartbeatPayload struct {
	Version string `json:"VERSION"`
	System  struct {
		Version string `json:"VERSION"`
	} `json:"SYSTEM"`
}

func (h heartbeatPayload) serverVersion() string {
	if h.System.Version != "" {
		return h.System.Version
	}
	return h.Version
}
