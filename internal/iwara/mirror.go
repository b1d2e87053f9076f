package iwara

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

var reMirrorVideoHref = regexp.MustCompile(`(?i)href=['"]([^'"]*/video/[^'"]+)['"]`)

// MirrorSearcher interroge un service miroir par titre/auteur.
type MirrorSearcher struct {
	Client *http.Client
}

func NewMirrorSearcher() *MirrorSearcher {
	return &MirrorSearcher{Client: &http.Client{Timeout: 12 * time.Second}}
}

// Search renvoie le premier lien vidéo trouvé sur la page de résultats, ou
// l'URL de recherche elle-même si la page ne contient aucun lien exploitable.
// Une erreur réseau ou un statut >= 400 remonte à l'appelant.
func (m *MirrorSearcher) Search(ctx context.Context, searchBase, title, author string) (string, error) {
	query := strings.TrimSpace(strings.Join(strings.Fields(title+" "+author), " "))
	searchURL := searchBase + url.QueryEscape(query)

	base, err := url.Parse(searchURL)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
	resp, err := m.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("mirror search: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("mirror search: status %d", resp.StatusCode)
	}

	b, _ := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	match := reMirrorVideoHref.FindStringSubmatch(string(b))
	if len(match) < 2 {
		return searchURL, nil
	}
	ref, err := url.Parse(match[1])
	if err != nil {
		return searchURL, nil
	}
	return base.ResolveReference(ref).String(), nil
}
