package iwara

import (
	"crypto/sha1"
	"encoding/hex"
	"net/http"
	"path"
	"strings"
)

// versionSalt est concaténé au calcul du header X-Version exigé par l'hôte de fichiers.
const versionSalt = "_5nFp9kmbNnHdAFhaqMvt"

// Middleware enveloppe un RoundTripper. La chaîne est installée explicitement
// par le client, rien n'est patché globalement.
type Middleware func(http.RoundTripper) http.RoundTripper

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// Chain applique les middlewares dans l'ordre: le premier est le plus externe.
func Chain(base http.RoundTripper, mws ...Middleware) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	for i := len(mws) - 1; i >= 0; i-- {
		base = mws[i](base)
	}
	return base
}

// BearerAuth ajoute "Authorization: Bearer <token>" si la requête n'en a pas déjà un.
func BearerAuth(token func() string) Middleware {
	return func(next http.RoundTripper) http.RoundTripper {
		return roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			if r.Header.Get("Authorization") != "" {
				return next.RoundTrip(r)
			}
			tok := strings.TrimSpace(token())
			if tok == "" {
				return next.RoundTrip(r)
			}
			r = r.Clone(r.Context())
			r.Header.Set("Authorization", "Bearer "+tok)
			return next.RoundTrip(r)
		})
	}
}

// VersionHash signe les requêtes portant un paramètre "expires".
func VersionHash() Middleware {
	return func(next http.RoundTripper) http.RoundTripper {
		return roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			expires := r.URL.Query().Get("expires")
			if expires == "" {
				return next.RoundTrip(r)
			}
			r = r.Clone(r.Context())
			r.Header.Set("X-Version", VersionHeader(r.URL.Path, expires))
			return next.RoundTrip(r)
		})
	}
}

// VersionHeader = SHA1(basename(path) + "_" + expires + salt).
func VersionHeader(urlPath, expires string) string {
	sum := sha1.Sum([]byte(path.Base(urlPath) + "_" + expires + versionSalt))
	return hex.EncodeToString(sum[:])
}

// UserAgent fixe un User-Agent si absent.
func UserAgent(ua string) Middleware {
	return func(next http.RoundTripper) http.RoundTripper {
		return roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			if r.Header.Get("User-Agent") == "" {
				r = r.Clone(r.Context())
				r.Header.Set("User-Agent", ua)
			}
			return next.RoundTrip(r)
		})
	}
}
