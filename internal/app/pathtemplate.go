package app

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/domain"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	// Garde-fou de l'expansion récursive des variables utilisateur.
	maxTemplateDepth = 8
	maxTitleRunes    = 128
	defaultDateFmt   = "YYYY-MM-DD"
)

var (
	ErrTemplateCycle = errors.New("path template cycle")
	ErrEmptyTemplate = errors.New("empty path template")
)

var placeholderRe = regexp.MustCompile(`%#([A-Za-z_]+)(?::([^#%]*))?#%`)

// Caractères interdits dans un nom de fichier, remplacés par leur forme pleine chasse.
var unsafeRunes = map[rune]rune{
	'\\': '＼',
	'/':  '／',
	':':  '：',
	'*':  '＊',
	'?':  '？',
	'"':  '＂',
	'<':  '＜',
	'>':  '＞',
	'|':  '｜',
}

var dateTokens = strings.NewReplacer(
	"YYYY", "2006",
	"YY", "06",
	"MM", "01",
	"DD", "02",
	"HH", "15",
	"mm", "04",
	"ss", "05",
)

// TemplateData porte les valeurs d'un rendu. Les champs sont des feuilles
// (nettoyées, jamais ré-expansées); Variables contient des fragments de template.
type TemplateData struct {
	Author     string
	Title      string
	ID         string
	Alias      string
	Quality    string
	UploadTime time.Time
	Now        time.Time
	Variables  map[string]string
}

func TemplateDataFor(desc domain.VideoDescriptor, now time.Time, vars map[string]string) TemplateData {
	return TemplateData{
		Author:     desc.Author,
		Title:      desc.Title,
		ID:         desc.ID,
		Alias:      desc.Alias,
		Quality:    desc.DownloadQuality,
		UploadTime: desc.UploadTime,
		Now:        now,
		Variables:  vars,
	}
}

// RenderPath substitue les placeholders %#NAME#% / %#NAME:format#% de tmpl.
// Les placeholders inconnus restent tels quels.
func RenderPath(tmpl string, data TemplateData) (string, error) {
	if strings.TrimSpace(tmpl) == "" {
		return "", ErrEmptyTemplate
	}
	vars := make(map[string]string, len(data.Variables))
	for k, v := range data.Variables {
		vars[strings.ToUpper(strings.TrimSpace(k))] = v
	}
	return expand(tmpl, data, vars, nil, 0)
}

func expand(tmpl string, data TemplateData, vars map[string]string, visiting []string, depth int) (string, error) {
	if depth > maxTemplateDepth {
		return "", fmt.Errorf("%w: depth %d exceeded (%s)", ErrTemplateCycle, maxTemplateDepth, strings.Join(visiting, " -> "))
	}

	var firstErr error
	out := placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		if firstErr != nil {
			return m
		}
		sub := placeholderRe.FindStringSubmatch(m)
		name, format := strings.ToUpper(sub[1]), sub[2]

		if v, ok := leafValue(name, format, data); ok {
			return v
		}
		frag, ok := vars[name]
		if !ok {
			return m
		}
		for _, seen := range visiting {
			if seen == name {
				firstErr = fmt.Errorf("%w: %s -> %s", ErrTemplateCycle, strings.Join(visiting, " -> "), name)
				return m
			}
		}
		chain := append(append([]string(nil), visiting...), name)
		v, err := expand(frag, data, vars, chain, depth+1)
		if err != nil {
			firstErr = err
			return m
		}
		return v
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

func leafValue(name, format string, data TemplateData) (string, bool) {
	switch name {
	case "AUTHOR":
		return SanitizeSegment(data.Author), true
	case "TITLE":
		return SanitizeSegment(truncateRunes(data.Title, maxTitleRunes)), true
	case "ID":
		return SanitizeSegment(data.ID), true
	case "ALIAS":
		return SanitizeSegment(data.Alias), true
	case "QUALITY":
		return SanitizeSegment(data.Quality), true
	case "UPLOADTIME":
		return SanitizeSegment(formatDate(data.UploadTime, format)), true
	case "NOWTIME":
		now := data.Now
		if now.IsZero() {
			now = time.Now()
		}
		return SanitizeSegment(formatDate(now, format)), true
	}
	return "", false
}

func formatDate(t time.Time, format string) string {
	if t.IsZero() {
		return ""
	}
	if strings.TrimSpace(format) == "" {
		format = defaultDateFmt
	}
	return t.Format(dateTokens.Replace(format))
}

// SanitizeSegment rend une valeur utilisable comme segment de chemin:
// NFC, caractères de contrôle retirés, séparateurs et réservés en pleine chasse.
func SanitizeSegment(s string) string {
	t := transform.Chain(
		norm.NFC,
		runes.Remove(runes.In(unicode.Cc)),
		runes.Map(func(r rune) rune {
			if w, ok := unsafeRunes[r]; ok {
				return w
			}
			return r
		}),
	)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	out = strings.TrimSpace(out)
	// pas de segment "." ou ".."
	return strings.TrimRight(out, ".")
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// SplitPath sépare un chemin rendu en répertoire et nom de fichier.
func SplitPath(rendered string) (dir, name string) {
	dir, name = path.Split(strings.ReplaceAll(rendered, "\\", "/"))
	if dir != "/" {
		dir = strings.TrimSuffix(dir, "/")
	}
	return dir, name
}
