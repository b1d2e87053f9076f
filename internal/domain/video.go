package domain

import (
	"net/url"
	"strconv"
	"time"
)

type VideoState string

const (
	VideoUnresolved VideoState = "unresolved"
	VideoResolved   VideoState = "resolved"
	VideoFailed     VideoState = "failed"
	VideoExternal   VideoState = "external"
)

// VideoDescriptor est la représentation résolue, prête au téléchargement.
// Immuable une fois State == VideoResolved.
type VideoDescriptor struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Alias           string     `json:"alias"`
	Author          string     `json:"author"`
	AuthorID        string     `json:"authorId"`
	UploadTime      time.Time  `json:"uploadTime"`
	Tags            []string   `json:"tags,omitempty"`
	DownloadQuality string     `json:"downloadQuality"`
	DownloadURL     string     `json:"downloadUrl"`
	Description     string     `json:"description"`
	Comments        string     `json:"comments"`
	State           VideoState `json:"state"`

	Step        ResolveStep `json:"step"`
	ExternalURL string      `json:"externalUrl,omitempty"`
	MirrorURL   string      `json:"mirrorUrl,omitempty"`
	Private     bool        `json:"private,omitempty"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// PageURL est la page publique de la vidéo (ouverture manuelle).
func (v VideoDescriptor) PageURL() string {
	return "https://www.iwara.tv/video/" + url.PathEscape(v.ID)
}

// Expired indique si l'URL signée a dépassé son paramètre "expires" (secondes epoch).
// Une URL sans paramètre expires n'expire jamais.
func (v VideoDescriptor) Expired(now time.Time) bool {
	if v.DownloadURL == "" {
		return true
	}
	u, err := url.Parse(v.DownloadURL)
	if err != nil {
		return true
	}
	raw := u.Query().Get("expires")
	if raw == "" {
		return false
	}
	sec, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return true
	}
	return !now.Before(time.Unix(sec, 0))
}

// Source est une variante de qualité disponible pour une vidéo.
type Source struct {
	Name        string `json:"name"`
	DownloadURL string `json:"download"`
	ViewURL     string `json:"view"`
}
