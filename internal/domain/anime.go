package domain

import (
	"strings"
	"time"
)

type Status string

const (
	StatusAnnounced Status = "announced"
	StatusAiring    Status = "airing"
	StatusFinished  Status = "finished"
	StatusUnknown   Status = ""
)

// NormalizeStatus maps the lifecycle vocabularies of both upstreams onto Status.
func NormalizeStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "anons", "announced", "announce", "upcoming":
		return StatusAnnounced
	case "ongoing", "airing", "currently airing":
		return StatusAiring
	case "released", "finished", "finished airing", "completed":
		return StatusFinished
	default:
		return StatusUnknown
	}
}

// MetadataRecord is the typed form of one upstream description of a title.
// Zero values mean "not present in the payload".
type MetadataRecord struct {
	UpstreamID    string   `json:"upstreamId"`
	Title         string   `json:"title"`
	TitleOriginal string   `json:"titleOriginal"`
	Poster        string   `json:"poster,omitempty"`
	Description   string   `json:"description,omitempty"`
	Year          int      `json:"year,omitempty"`
	Kind          string   `json:"kind,omitempty"`
	Episodes      int      `json:"episodes,omitempty"`
	AgeRating     string   `json:"ageRating,omitempty"`
	Score         float64  `json:"score,omitempty"`
	Studio        string   `json:"studio,omitempty"`
	Status        Status   `json:"status,omitempty"`
	Genres        []string `json:"genres,omitempty"`
	Themes        []string `json:"themes,omitempty"`
}

// Sufficient reports whether the record carries enough descriptive data to
// create a catalog entry without asking the metadata provider.
func (r MetadataRecord) Sufficient() bool {
	return strings.TrimSpace(r.Title) != "" &&
		strings.TrimSpace(r.TitleOriginal) != "" &&
		strings.TrimSpace(r.Description) != "" &&
		strings.TrimSpace(r.Poster) != ""
}

// LinkResult is one raw hit from the link provider, already normalized at the
// adapter boundary. Material is nil when the hit carries only identifiers.
type LinkResult struct {
	UpstreamID    string
	SourceID      string
	Title         string
	TitleOriginal string
	EmbedURL      string
	Translation   string
	Quality       string
	Material      *MetadataRecord
}

type PlayerRef struct {
	EmbedURL    string `json:"embedUrl"`
	Translation string `json:"translation,omitempty"`
	Quality     string `json:"quality,omitempty"`
}

// Candidate groups every link-provider hit that shares one upstream identifier.
type Candidate struct {
	UpstreamID string
	Players    []PlayerRef
	Inline     *MetadataRecord
}

type Entry struct {
	ID            uint64     `json:"id"`
	Title         string     `json:"title"`
	TitleOriginal string     `json:"titleOriginal"`
	Poster        string     `json:"poster,omitempty"`
	Description   string     `json:"description,omitempty"`
	Year          int        `json:"year,omitempty"`
	Kind          string     `json:"kind,omitempty"`
	Episodes      int        `json:"episodes,omitempty"`
	AgeRating     string     `json:"ageRating,omitempty"`
	Score         float64    `json:"score,omitempty"`
	Studio        string     `json:"studio,omitempty"`
	Status        Status     `json:"status,omitempty"`
	RequestCount  int        `json:"requestCount"`
	LastRefreshed *time.Time `json:"lastRefreshed,omitempty"`
	Genres        []string   `json:"genres,omitempty"`
	Themes        []string   `json:"themes,omitempty"`
}

type PlayerLink struct {
	ID          uint64 `json:"id"`
	EntryID     uint64 `json:"entryId"`
	PlayerURL   string `json:"playerUrl"`
	ExternalID  string `json:"externalId"`
	EmbedURL    string `json:"embedUrl"`
	Translation string `json:"translation,omitempty"`
	Quality     string `json:"quality,omitempty"`
}

type EntryDetail struct {
	Entry
	Players []PlayerLink `json:"players"`
}
