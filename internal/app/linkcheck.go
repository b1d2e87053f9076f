package app

import "strings"

// Fragments de domaines d'hébergeurs tiers: leur présence dans la description
// ou les commentaires indique souvent que la vidéo iwara n'est qu'un aperçu.
var suspiciousHosts = []string{
	"pan.baidu",
	"mega.nz",
	"drive.google.com",
	"aliyundrive",
	"uploadgig",
	"katfile",
	"storage.iwara.zip",
	"rapidgator",
	"fileboom",
	"subyshare",
	"ddownload",
	"alfafile",
	"1drv.ms",
	"onedrive.live.com",
}

// ScanSuspiciousLinks renvoie les fragments trouvés, sans doublon, dans l'ordre de la liste.
func ScanSuspiciousLinks(text string) []string {
	if text == "" {
		return nil
	}
	lower := strings.ToLower(text)
	var hits []string
	for _, h := range suspiciousHosts {
		if strings.Contains(lower, h) {
			hits = append(hits, h)
		}
	}
	return hits
}
