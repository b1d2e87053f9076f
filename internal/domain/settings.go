package domain

import (
	"reflect"
	"strings"
)

const DefaultPathTemplate = "/Iwara/%#AUTHOR#%/%#TITLE#%[%#ID#%].mp4"

// Endpoint décrit un backend RPC (aria2 ou agent distant).
type Endpoint struct {
	Path  string `json:"path"`
	Token string `json:"token"`
}

type Settings struct {
	// Backend de téléchargement actif.
	DownloadType BackendKind `json:"downloadType"`

	// Template du chemin de sortie (%#AUTHOR#%, %#TITLE#%, %#ID#%, ...).
	DownloadPath string `json:"downloadPath"`
	// Variables utilisateur du template, elles-mêmes des templates.
	PathVariables map[string]string `json:"pathVariables,omitempty"`
	// Racine utilisée par le backend "browser" (download hôte).
	DownloadDir string `json:"downloadDir"`

	Proxy   string `json:"proxy"`
	Cookies string `json:"cookies"`

	// Qualité.
	CheckPriority    bool           `json:"checkPriority"`
	DownloadPriority string         `json:"downloadPriority"`
	Priority         map[string]int `json:"priority"`

	CheckSuspiciousLinks bool `json:"checkSuspiciousLinks"`

	Aria2           Endpoint `json:"aria2"`
	IwaraDownloader Endpoint `json:"iwaraDownloader"`

	// Auth API (refresh token, le token d'accès est dérivé).
	Authorization string `json:"authorization"`

	// Limites du scheduler.
	MaxConcurrentDownloads int `json:"maxConcurrentDownloads"`
	MinDispatchIntervalMs  int `json:"minDispatchIntervalMs"`

	// Service de recherche miroir (fallback "not found").
	MirrorSearchURL string `json:"mirrorSearchUrl"`
}

func DefaultSettings() Settings {
	return Settings{
		DownloadType:     BackendOthers,
		DownloadPath:     DefaultPathTemplate,
		DownloadDir:      "videos",
		CheckPriority:    true,
		DownloadPriority: "Source",
		Priority: map[string]int{
			"Source":  100,
			"540":     2,
			"360":     1,
			"preview": 0,
		},
		CheckSuspiciousLinks:   true,
		Aria2:                  Endpoint{Path: "http://127.0.0.1:6800/jsonrpc"},
		IwaraDownloader:        Endpoint{Path: "http://127.0.0.1:6233/"},
		MaxConcurrentDownloads: 5,
		MinDispatchIntervalMs:  5000,
		MirrorSearchURL:        "https://mmdfans.net/?query=",
	}
}

// ChangedFields renvoie les noms JSON des champs qui diffèrent entre a et b.
func ChangedFields(a, b Settings) []string {
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	t := va.Type()
	var out []string
	for i := 0; i < t.NumField(); i++ {
		if reflect.DeepEqual(va.Field(i).Interface(), vb.Field(i).Interface()) {
			continue
		}
		name := strings.Split(t.Field(i).Tag.Get("json"), ",")[0]
		if name == "" {
			name = t.Field(i).Name
		}
		out = append(out, name)
	}
	return out
}
